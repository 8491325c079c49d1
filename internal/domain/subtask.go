package domain

import (
	"fmt"
	"strings"
	"time"
)

// SubtaskStatus describes the persisted lifecycle of a Subtask.
type SubtaskStatus int

const (
	SubtaskStatusUnknown   SubtaskStatus = 0
	SubtaskStatusPending   SubtaskStatus = 10 // Waiting for dependencies or a worker
	SubtaskStatusAssigned  SubtaskStatus = 20 // Worker chosen, start call in flight
	SubtaskStatusRunning   SubtaskStatus = 30 // Worker acknowledged start
	SubtaskStatusCompleted SubtaskStatus = 40
	SubtaskStatusFailed    SubtaskStatus = 50 // Terminal once retries are exhausted
	SubtaskStatusSkipped   SubtaskStatus = 60
)

// StatusBlocked is the display-only status of a pending subtask whose
// dependencies are not all completed. It is never stored.
const StatusBlocked = "blocked"

func (s SubtaskStatus) String() string {
	switch s {
	case SubtaskStatusPending:
		return "pending"
	case SubtaskStatusAssigned:
		return "assigned"
	case SubtaskStatusRunning:
		return "running"
	case SubtaskStatusCompleted:
		return "completed"
	case SubtaskStatusFailed:
		return "failed"
	case SubtaskStatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseSubtaskStatus is the inverse of String.
func ParseSubtaskStatus(s string) (SubtaskStatus, error) {
	for _, st := range []SubtaskStatus{
		SubtaskStatusPending, SubtaskStatusAssigned, SubtaskStatusRunning,
		SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusSkipped,
	} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return SubtaskStatusUnknown, fmt.Errorf("%w: unknown subtask status %q", ErrInvalidArgument, s)
}

// IsInFlight returns true for states that count against max_parallel_workers.
func (s SubtaskStatus) IsInFlight() bool {
	return s == SubtaskStatusAssigned || s == SubtaskStatusRunning
}

// IsTerminal returns true for completed, failed and skipped. A failed
// subtask with retries left is moved back to pending in the same
// transaction, so a stored failed status is always terminal.
func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed || s == SubtaskStatusSkipped
}

// IsUnreachableCause returns true if a dependency in this state can never
// complete.
func (s SubtaskStatus) IsUnreachableCause() bool {
	return s == SubtaskStatusFailed || s == SubtaskStatusSkipped
}

// ValidSubtaskTransition checks if a status transition is valid.
func ValidSubtaskTransition(from, to SubtaskStatus) bool {
	switch from {
	case SubtaskStatusPending:
		return to == SubtaskStatusAssigned || to == SubtaskStatusSkipped
	case SubtaskStatusAssigned:
		// completed covers a completion callback that overtakes the start ack
		return to == SubtaskStatusRunning || to == SubtaskStatusFailed ||
			to == SubtaskStatusCompleted || to == SubtaskStatusSkipped
	case SubtaskStatusRunning:
		return to == SubtaskStatusCompleted || to == SubtaskStatusFailed || to == SubtaskStatusSkipped
	case SubtaskStatusFailed:
		return to == SubtaskStatusPending // retry
	case SubtaskStatusCompleted, SubtaskStatusSkipped:
		return false
	default:
		return to == SubtaskStatusPending
	}
}

// Subtask is one independently executable unit produced by decomposition.
type Subtask struct {
	ID                   string
	ExecutionID          string
	Ref                  string // planner-local identifier
	WorkItemID           string // the unit-of-work entity a worker executes
	Title                string
	Description          string
	Position             int
	DependsOn            Refs
	RequiredCapabilities CapabilitySet
	Complexity           int
	BranchName           string
	AssignedWorkerID     string
	AttemptToken         string
	Status               SubtaskStatus
	RetryCount           int
	MaxRetries           int
	ErrorMessage         string
	Output               string
	NotBefore            *time.Time
	LastProgressAt       *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Version              int64
}

// SetStatus transitions the subtask to a new status.
func (s *Subtask) SetStatus(to SubtaskStatus) error {
	if !ValidSubtaskTransition(s.Status, to) {
		return fmt.Errorf("%w: cannot transition subtask %s from %s to %s",
			ErrInvalidState, s.Label(), s.Status, to)
	}
	now := time.Now().UTC()
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case SubtaskStatusRunning:
		s.StartedAt = &now
		s.LastProgressAt = &now
	case SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusSkipped:
		s.CompletedAt = &now
	}
	// Note: Version is managed by the storage layer, not here
	return nil
}

// Assign records the chosen worker and a fresh attempt token.
func (s *Subtask) Assign(workerID, token string) error {
	if err := s.SetStatus(SubtaskStatusAssigned); err != nil {
		return err
	}
	now := s.UpdatedAt
	s.AssignedWorkerID = workerID
	s.AttemptToken = token
	s.ErrorMessage = ""
	s.NotBefore = nil
	s.LastProgressAt = &now
	s.StartedAt = nil
	s.CompletedAt = nil
	return nil
}

// Touch records worker progress.
func (s *Subtask) Touch(now time.Time) {
	s.LastProgressAt = &now
	s.UpdatedAt = now
}

// Label is a short human-readable name used in messages.
func (s *Subtask) Label() string {
	if s.Ref != "" {
		return s.Ref
	}
	return s.ID
}

// ReadyAt reports whether the retry backoff has elapsed.
func (s *Subtask) ReadyAt(now time.Time) bool {
	return s.NotBefore == nil || !now.Before(*s.NotBefore)
}

// CanRetry reports whether another attempt is allowed.
func (s *Subtask) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}
