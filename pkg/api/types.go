// Package api defines the wire types shared by the epicflow REST and gRPC
// surfaces and their clients.
package api

import "time"

// Epic is an epic task.
type Epic struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Workspace   string    `json:"workspace,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Execution is one run of an epic's plan.
type Execution struct {
	ID                 string     `json:"id"`
	EpicTaskID         string     `json:"epicTaskId"`
	Status             string     `json:"status"`
	MaxParallelWorkers int        `json:"maxParallelWorkers"`
	PlanSummary        string     `json:"planSummary,omitempty"`
	PlanDigest         string     `json:"planDigest,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	CancelRequested    bool       `json:"cancelRequested,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	PlannedAt          *time.Time `json:"plannedAt,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Subtask is one unit of an execution. Status is the stored status;
// DisplayStatus additionally derives "blocked".
type Subtask struct {
	ID                   string     `json:"id"`
	Ref                  string     `json:"ref"`
	WorkItemID           string     `json:"workItemId"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Status               string     `json:"status"`
	DisplayStatus        string     `json:"displayStatus"`
	DependsOn            []string   `json:"dependsOn,omitempty"`
	RequiredCapabilities []string   `json:"requiredCapabilities,omitempty"`
	Complexity           int        `json:"complexity"`
	BranchName           string     `json:"branchName"`
	AssignedWorkerID     string     `json:"assignedWorkerId,omitempty"`
	RetryCount           int        `json:"retryCount"`
	MaxRetries           int        `json:"maxRetries"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	Output               string     `json:"output,omitempty"`
	NotBefore            *time.Time `json:"notBefore,omitempty"`
	LastProgressAt       *time.Time `json:"lastProgressAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

// Progress aggregates subtask statuses.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Blocked   int `json:"blocked"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Percent   int `json:"percent"`
}

// ExecutionDetail is an execution with its subtasks and progress.
type ExecutionDetail struct {
	Execution Execution `json:"execution"`
	Subtasks  []Subtask `json:"subtasks"`
	Progress  Progress  `json:"progress"`
}

// Worker is a capability registry entry.
type Worker struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Executor      string        `json:"executor,omitempty"`
	Capabilities  []string      `json:"capabilities"`
	IsPlanner     bool          `json:"isPlanner"`
	IsReviewer    bool          `json:"isReviewer"`
	IsWorker      bool          `json:"isWorker"`
	MaxConcurrent int           `json:"maxConcurrent"`
	Priority      int           `json:"priority"`
	Active        bool          `json:"active"`
	Skills        []WorkerSkill `json:"skills"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// WorkerSkill is a catalog skill held by a worker.
type WorkerSkill struct {
	SkillID        string `json:"skillId"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	PromptModifier string `json:"promptModifier,omitempty"`
	Proficiency    int    `json:"proficiency"`
}

// Skill is an entry of the skill catalog.
type Skill struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Category       string    `json:"category"`
	PromptModifier string    `json:"promptModifier,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Event is a published state change.
type Event struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"executionId"`
	SubtaskID   string    `json:"subtaskId,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Plan is a decomposition plan document. Plans use snake_case keys in both
// JSON and YAML.
type Plan struct {
	Summary  string           `json:"summary,omitempty" yaml:"summary,omitempty"`
	Subtasks []PlannedSubtask `json:"subtasks" yaml:"subtasks"`
}

// PlannedSubtask is one subtask descriptor of a plan.
type PlannedSubtask struct {
	Ref                  string   `json:"ref" yaml:"ref"`
	Title                string   `json:"title" yaml:"title"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Complexity           int      `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	MaxRetries           *int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// CreateEpicRequest creates an epic task.
type CreateEpicRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
}

// CreateExecutionRequest starts planning an epic. Zero uses the default.
type CreateExecutionRequest struct {
	EpicTaskID         string `json:"epicTaskId,omitempty"`
	MaxParallelWorkers int    `json:"maxParallelWorkers,omitempty"`
}

// SubmitPlanRequest submits a plan for an execution.
type SubmitPlanRequest struct {
	ExecutionID string `json:"executionId,omitempty"`
	Plan        *Plan  `json:"plan"`
}

// ExecutionRequest names an execution for lifecycle calls.
type ExecutionRequest struct {
	ExecutionID string `json:"executionId"`
}

// ListExecutionsRequest filters execution listings.
type ListExecutionsRequest struct {
	EpicTaskID string   `json:"epicTaskId,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// ListExecutionsResponse lists executions.
type ListExecutionsResponse struct {
	Executions []Execution `json:"executions"`
}

// ListSubtasksResponse lists the subtasks of an execution.
type ListSubtasksResponse struct {
	Subtasks []Subtask `json:"subtasks"`
}

// ListEpicsResponse lists epic tasks.
type ListEpicsResponse struct {
	Epics []Epic `json:"epics"`
}

// RegisterWorkerRequest adds a profile to the capability registry.
type RegisterWorkerRequest struct {
	Name          string   `json:"name"`
	Executor      string   `json:"executor,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	IsPlanner     bool     `json:"isPlanner,omitempty"`
	IsReviewer    bool     `json:"isReviewer,omitempty"`
	IsWorker      *bool    `json:"isWorker,omitempty"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
	Priority      int      `json:"priority,omitempty"`
}

// UpdateWorkerRequest changes a profile. Nil fields are left unchanged.
type UpdateWorkerRequest struct {
	ID            string   `json:"id,omitempty"`
	Executor      *string  `json:"executor,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	IsPlanner     *bool    `json:"isPlanner,omitempty"`
	IsReviewer    *bool    `json:"isReviewer,omitempty"`
	IsWorker      *bool    `json:"isWorker,omitempty"`
	MaxConcurrent *int     `json:"maxConcurrent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
}

// SetWorkerActiveRequest enables or disables a profile.
type SetWorkerActiveRequest struct {
	ID     string `json:"id,omitempty"`
	Active bool   `json:"active"`
}

// CreateSkillRequest adds a skill to the catalog.
type CreateSkillRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Category       string `json:"category,omitempty"`
	PromptModifier string `json:"promptModifier,omitempty"`
}

// UpdateSkillRequest changes a skill. Nil fields are left unchanged.
type UpdateSkillRequest struct {
	ID             string  `json:"id,omitempty"`
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	Category       *string `json:"category,omitempty"`
	PromptModifier *string `json:"promptModifier,omitempty"`
}

// ListSkillsRequest filters skill listings.
type ListSkillsRequest struct {
	Category string `json:"category,omitempty"`
}

// ListSkillsResponse lists skills.
type ListSkillsResponse struct {
	Skills []Skill `json:"skills"`
}

// WorkerSkillRequest assigns a skill to a worker or removes it.
// Proficiency ranges 1..5; 0 selects the default.
type WorkerSkillRequest struct {
	WorkerID    string `json:"workerId,omitempty"`
	SkillID     string `json:"skillId,omitempty"`
	Proficiency int    `json:"proficiency,omitempty"`
}

// ListWorkersRequest filters worker listings.
type ListWorkersRequest struct {
	ActiveOnly bool `json:"activeOnly,omitempty"`
}

// ListWorkersResponse lists workers.
type ListWorkersResponse struct {
	Workers []Worker `json:"workers"`
}

// AttemptRequest is a worker callback. AttemptToken may be empty for
// manual operator calls, which target the current attempt.
type AttemptRequest struct {
	ExecutionID  string `json:"executionId,omitempty"`
	SubtaskID    string `json:"subtaskId,omitempty"`
	AttemptToken string `json:"attemptToken,omitempty"`
	Message      string `json:"message,omitempty"`
	Output       string `json:"output,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// StartSubtaskRequest is sent to a worker to begin one attempt.
type StartSubtaskRequest struct {
	ExecutionID          string    `json:"executionId"`
	SubtaskID            string    `json:"subtaskId"`
	WorkItemID           string    `json:"workItemId"`
	AttemptToken         string    `json:"attemptToken"`
	Ref                  string    `json:"ref"`
	Title                string    `json:"title"`
	Description          string    `json:"description,omitempty"`
	RequiredCapabilities []string  `json:"requiredCapabilities,omitempty"`
	PromptModifiers      []string  `json:"promptModifiers,omitempty"`
	Workspace            string    `json:"workspace,omitempty"`
	BranchName           string    `json:"branchName"`
	CallbackAddr         string    `json:"callbackAddr"`
	Deadline             time.Time `json:"deadline"`
}

// StopSubtaskRequest asks a worker to abandon an attempt.
type StopSubtaskRequest struct {
	ExecutionID  string `json:"executionId"`
	SubtaskID    string `json:"subtaskId"`
	AttemptToken string `json:"attemptToken"`
	Reason       string `json:"reason,omitempty"`
}

// Empty is returned by calls with no payload.
type Empty struct{}

// ErrorResponse is the body of a failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
