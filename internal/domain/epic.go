package domain

import (
	"strings"
	"time"
)

// EpicTask is a user-declared unit of work too large to execute directly.
// Executions decompose it into subtasks.
type EpicTask struct {
	ID          string
	Title       string
	Description string
	Workspace   string // repository or workspace handed to workers
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}

// NewEpicTask creates a new EpicTask with the given ID.
func NewEpicTask(id, title, description string) *EpicTask {
	now := time.Now().UTC()
	return &EpicTask{
		ID:          id,
		Title:       strings.TrimSpace(title),
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}
