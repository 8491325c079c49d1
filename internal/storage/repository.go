package storage

import (
	"context"
	"time"

	"github.com/example/epicflow/internal/domain"
)

// ListOptions provides filtering options for list operations.
type ListOptions struct {
	// IDs to filter by (empty = all)
	IDs []string

	// States to filter by (empty = all)
	ExecutionStatuses []domain.ExecutionStatus
	SubtaskStatuses   []domain.SubtaskStatus

	// EpicTaskID restricts execution listings to one epic.
	EpicTaskID string

	// Pagination
	Limit  int
	Offset int
}

// EpicTaskRepository provides access to EpicTask storage.
type EpicTaskRepository interface {
	// Create creates a new EpicTask.
	Create(ctx context.Context, epic *domain.EpicTask) error

	// Get retrieves an EpicTask by ID.
	Get(ctx context.Context, id string) (*domain.EpicTask, error)

	// Update updates an existing EpicTask.
	Update(ctx context.Context, epic *domain.EpicTask) error

	// List lists EpicTasks, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.EpicTask, error)

	// Delete deletes an EpicTask and, by cascade, its executions and subtasks.
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository provides access to Execution storage.
type ExecutionRepository interface {
	// Create creates a new Execution. Returns ErrAlreadyExists if the epic
	// already has an active execution.
	Create(ctx context.Context, exec *domain.Execution) error

	// Get retrieves an Execution by ID.
	Get(ctx context.Context, id string) (*domain.Execution, error)

	// GetActiveByEpic returns the non-terminal execution of an epic task.
	GetActiveByEpic(ctx context.Context, epicTaskID string) (*domain.Execution, error)

	// Update updates an existing Execution.
	Update(ctx context.Context, exec *domain.Execution) error

	// List lists Executions with optional filtering.
	List(ctx context.Context, opts ListOptions) ([]*domain.Execution, error)

	// ListPastDeadline lists running executions whose deadline is before now.
	ListPastDeadline(ctx context.Context, now time.Time) ([]*domain.Execution, error)
}

// SubtaskRepository provides access to Subtask storage.
//
// Every write validates the dependency list against the sibling set: refs
// must name siblings and the induced graph must stay acyclic.
type SubtaskRepository interface {
	// CreateBatch creates all subtasks of an execution.
	CreateBatch(ctx context.Context, executionID string, subtasks []*domain.Subtask) error

	// Get retrieves a Subtask by Execution ID and Subtask ID.
	Get(ctx context.Context, executionID, subtaskID string) (*domain.Subtask, error)

	// Update updates an existing Subtask.
	Update(ctx context.Context, subtask *domain.Subtask) error

	// List lists Subtasks of an Execution with optional filtering.
	List(ctx context.Context, executionID string, opts ListOptions) ([]*domain.Subtask, error)

	// ListStale lists assigned or running subtasks of running executions
	// whose last progress is before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Subtask, error)

	// ListDueRetries returns ids of running executions that have pending
	// subtasks whose retry backoff has elapsed.
	ListDueRetries(ctx context.Context, now time.Time) ([]string, error)

	// CountInFlightByWorker counts assigned and running subtasks per worker
	// across all executions.
	CountInFlightByWorker(ctx context.Context) (map[string]int, error)
}

// WorkerRepository provides access to the capability registry.
type WorkerRepository interface {
	// Create creates a new WorkerProfile. Names are unique.
	Create(ctx context.Context, w *domain.WorkerProfile) error

	// Get retrieves a WorkerProfile by ID.
	Get(ctx context.Context, id string) (*domain.WorkerProfile, error)

	// GetByName retrieves a WorkerProfile by name.
	GetByName(ctx context.Context, name string) (*domain.WorkerProfile, error)

	// Update updates an existing WorkerProfile.
	Update(ctx context.Context, w *domain.WorkerProfile) error

	// List returns profiles ordered by priority descending, then name.
	List(ctx context.Context, activeOnly bool) ([]*domain.WorkerProfile, error)

	// Delete deletes a WorkerProfile.
	Delete(ctx context.Context, id string) error

	// AddSkill assigns a catalog skill to a profile, replacing the
	// proficiency of an existing assignment. Unknown ids give ErrNotFound.
	AddSkill(ctx context.Context, workerID, skillID string, proficiency int) error

	// RemoveSkill drops an assignment. Missing assignments give ErrNotFound.
	RemoveSkill(ctx context.Context, workerID, skillID string) error
}

// SkillRepository provides access to the skill catalog.
type SkillRepository interface {
	// Create creates a new Skill. Names are unique.
	Create(ctx context.Context, s *domain.Skill) error

	// Get retrieves a Skill by ID.
	Get(ctx context.Context, id string) (*domain.Skill, error)

	// GetByName retrieves a Skill by name.
	GetByName(ctx context.Context, name string) (*domain.Skill, error)

	// Update updates an existing Skill.
	Update(ctx context.Context, s *domain.Skill) error

	// List returns skills ordered by category, then name. An empty
	// category lists all.
	List(ctx context.Context, category string) ([]*domain.Skill, error)

	// Delete deletes a Skill and, by cascade, its assignments.
	Delete(ctx context.Context, id string) error
}

// UnitOfWork provides transactional access to all repositories.
type UnitOfWork interface {
	// Repository accessors
	EpicTasks() EpicTaskRepository
	Executions() ExecutionRepository
	Subtasks() SubtaskRepository
	Workers() WorkerRepository
	Skills() SkillRepository

	// Transaction control
	Commit() error
	Rollback() error
}

// Storage provides the main entry point for storage operations.
type Storage interface {
	// Begin starts a new transaction and returns a UnitOfWork.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Close closes the storage connection.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}
