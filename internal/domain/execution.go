package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus describes the epic-level lifecycle of an Execution.
type ExecutionStatus int

const (
	ExecutionStatusUnknown   ExecutionStatus = 0
	ExecutionStatusPlanning  ExecutionStatus = 10 // Waiting for a plan
	ExecutionStatusPlanned   ExecutionStatus = 20 // Subtasks ingested, not started
	ExecutionStatusExecuting ExecutionStatus = 30 // Dispatching subtasks
	ExecutionStatusPaused    ExecutionStatus = 35 // Executing, new dispatch suspended
	ExecutionStatusCompleted ExecutionStatus = 40
	ExecutionStatusFailed    ExecutionStatus = 50
	ExecutionStatusCancelled ExecutionStatus = 60
)

func (s ExecutionStatus) String() string {
	switch s {
	case ExecutionStatusPlanning:
		return "planning"
	case ExecutionStatusPlanned:
		return "planned"
	case ExecutionStatusExecuting:
		return "executing"
	case ExecutionStatusPaused:
		return "paused"
	case ExecutionStatusCompleted:
		return "completed"
	case ExecutionStatusFailed:
		return "failed"
	case ExecutionStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseExecutionStatus is the inverse of String.
func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	for _, st := range []ExecutionStatus{
		ExecutionStatusPlanning, ExecutionStatusPlanned, ExecutionStatusExecuting,
		ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCancelled,
	} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return ExecutionStatusUnknown, fmt.Errorf("%w: unknown execution status %q", ErrInvalidArgument, s)
}

// IsTerminal returns true if no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// IsActive is the complement of IsTerminal for known states.
func (s ExecutionStatus) IsActive() bool {
	return s != ExecutionStatusUnknown && !s.IsTerminal()
}

// IsRunning returns true for executing and its paused sub-state.
func (s ExecutionStatus) IsRunning() bool {
	return s == ExecutionStatusExecuting || s == ExecutionStatusPaused
}

// ActiveExecutionStatuses lists every non-terminal status.
var ActiveExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPlanning,
	ExecutionStatusPlanned,
	ExecutionStatusExecuting,
	ExecutionStatusPaused,
}

// ValidExecutionTransition checks if a status transition is valid.
// planning -> planned -> executing <-> paused -> completed | failed | cancelled
func ValidExecutionTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionStatusPlanning:
		return to == ExecutionStatusPlanned || to == ExecutionStatusCancelled
	case ExecutionStatusPlanned:
		return to == ExecutionStatusExecuting || to == ExecutionStatusCancelled
	case ExecutionStatusExecuting:
		return to == ExecutionStatusPaused || to == ExecutionStatusCompleted ||
			to == ExecutionStatusFailed || to == ExecutionStatusCancelled
	case ExecutionStatusPaused:
		return to == ExecutionStatusExecuting || to == ExecutionStatusCompleted ||
			to == ExecutionStatusFailed || to == ExecutionStatusCancelled
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return false
	default:
		return to == ExecutionStatusPlanning
	}
}

// Execution is the tracked, stateful run of a plan for one epic task.
type Execution struct {
	ID                 string
	EpicTaskID         string
	Status             ExecutionStatus
	Plan               *Plan  // opaque planner output
	PlanDigest         string // BLAKE3 of the canonical plan
	MaxParallelWorkers int
	ErrorMessage       string
	Deadline           *time.Time
	CancelRequestedAt  *time.Time
	PlannedAt          *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64
}

// NewExecution creates an Execution in the planning state.
func NewExecution(id, epicTaskID string, maxParallel int) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:                 id,
		EpicTaskID:         epicTaskID,
		Status:             ExecutionStatusPlanning,
		MaxParallelWorkers: maxParallel,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
}

// SetStatus transitions the execution to a new status.
func (e *Execution) SetStatus(to ExecutionStatus) error {
	if !ValidExecutionTransition(e.Status, to) {
		return fmt.Errorf("%w: cannot transition execution from %s to %s",
			ErrInvalidState, e.Status, to)
	}
	now := time.Now().UTC()
	e.Status = to
	e.UpdatedAt = now
	if to.IsTerminal() {
		e.CompletedAt = &now
	}
	return nil
}

// MarkPlanned records the accepted plan.
func (e *Execution) MarkPlanned(plan *Plan, digest string) error {
	if err := e.SetStatus(ExecutionStatusPlanned); err != nil {
		return err
	}
	e.Plan = plan
	e.PlanDigest = digest
	e.ErrorMessage = ""
	planned := e.UpdatedAt
	e.PlannedAt = &planned
	return nil
}

// MarkStarted moves a planned execution to executing. A zero budget means
// no global deadline.
func (e *Execution) MarkStarted(budget time.Duration) error {
	if err := e.SetStatus(ExecutionStatusExecuting); err != nil {
		return err
	}
	started := e.UpdatedAt
	e.StartedAt = &started
	if budget > 0 {
		deadline := started.Add(budget)
		e.Deadline = &deadline
	}
	return nil
}

// RequestCancel records a durable cancel request.
func (e *Execution) RequestCancel() {
	if e.CancelRequestedAt != nil {
		return
	}
	now := time.Now().UTC()
	e.CancelRequestedAt = &now
	e.UpdatedAt = now
}

// CancelRequested reports whether a cancel has been recorded.
func (e *Execution) CancelRequested() bool {
	return e.CancelRequestedAt != nil
}

// Finish moves the execution to a terminal status with an optional message.
func (e *Execution) Finish(to ExecutionStatus, message string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidArgument, to)
	}
	if err := e.SetStatus(to); err != nil {
		return err
	}
	e.ErrorMessage = message
	return nil
}

// DeadlineExceeded reports whether the global deadline has passed.
func (e *Execution) DeadlineExceeded(now time.Time) bool {
	return e.Deadline != nil && now.After(*e.Deadline)
}
