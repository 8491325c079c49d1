package service

import (
	"context"
	"fmt"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/graph"
	"github.com/example/epicflow/internal/storage"
)

// SubtaskView is a subtask with its derived display status.
type SubtaskView struct {
	*domain.Subtask
	DisplayStatus string
}

// ExecutionView is the read model returned by GetExecution.
type ExecutionView struct {
	Execution *domain.Execution
	Subtasks  []SubtaskView
	Progress  domain.Progress
}

// newExecutionView derives display statuses and progress from the rows.
func newExecutionView(exec *domain.Execution, subtasks []*domain.Subtask) *ExecutionView {
	g := graph.New(subtasks)
	view := &ExecutionView{
		Execution: exec,
		Subtasks:  make([]SubtaskView, 0, len(subtasks)),
		Progress:  g.Progress(),
	}
	for _, st := range g.Subtasks() {
		view.Subtasks = append(view.Subtasks, SubtaskView{Subtask: st, DisplayStatus: g.DisplayStatus(st)})
	}
	return view
}

func loadExecutionView(ctx context.Context, uow storage.UnitOfWork, execID string) (*ExecutionView, error) {
	exec, err := uow.Executions().Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	subtasks, err := uow.Subtasks().List(ctx, execID, storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load subtasks: %w", err)
	}
	return newExecutionView(exec, subtasks), nil
}
