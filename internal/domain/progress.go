package domain

import "time"

// Progress is an aggregate view recomputed from subtask rows on every read.
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

// InFlight returns assigned plus running.
func (p Progress) InFlight() int {
	return p.Assigned + p.Running
}

// Done returns the number of terminal subtasks.
func (p Progress) Done() int {
	return p.Completed + p.Failed + p.Skipped
}

// EventType names a published state change.
type EventType string

const (
	EventExecutionCreated   EventType = "execution.created"
	EventExecutionPlanned   EventType = "execution.planned"
	EventExecutionStatus    EventType = "execution.status"
	EventSubtaskAssigned    EventType = "subtask.assigned"
	EventSubtaskRunning     EventType = "subtask.running"
	EventSubtaskProgress    EventType = "subtask.progress"
	EventSubtaskCompleted   EventType = "subtask.completed"
	EventSubtaskFailed      EventType = "subtask.failed"
	EventSubtaskRetrying    EventType = "subtask.retrying"
	EventSubtaskSkipped     EventType = "subtask.skipped"
	EventExecutionCancelReq EventType = "execution.cancel_requested"
)

// Event is emitted on every state transition.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	SubtaskID   string    `json:"subtask_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}
