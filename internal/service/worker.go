package service

import (
	"context"
	"time"

	"github.com/example/epicflow/internal/domain"
)

// WorkerClient is the contract with the process that performs a subtask.
// Start returns once the worker has accepted the attempt; the outcome
// arrives later through the callback API.
type WorkerClient interface {
	Start(ctx context.Context, req *StartRequest) error
	Stop(ctx context.Context, req *StopRequest) error
}

// StartRequest describes one attempt of a subtask.
type StartRequest struct {
	ExecutionID          string
	SubtaskID            string
	WorkItemID           string
	AttemptToken         string
	Ref                  string
	Title                string
	Description          string
	RequiredCapabilities []string
	PromptModifiers      []string // from the worker's matching skills
	Workspace            string
	BranchName           string
	CallbackAddr         string
	Deadline             time.Time
}

// StopRequest asks a worker to abandon an attempt. Delivery is best effort.
type StopRequest struct {
	ExecutionID  string
	SubtaskID    string
	AttemptToken string
	Reason       string
}

// WorkerClientFactory resolves the client for a worker profile.
type WorkerClientFactory func(profile *domain.WorkerProfile) (WorkerClient, error)

// Planner turns an epic task into a decomposition plan.
type Planner interface {
	Plan(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error) {
	return f(ctx, epic)
}
