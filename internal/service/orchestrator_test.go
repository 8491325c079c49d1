package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/storage"
)

func TestCreateEpicTaskRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.CreateEpicTask(env.ctx, &CreateEpicTaskRequest{Title: "  "})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	epic, err := env.orch.CreateEpicTask(env.ctx, &CreateEpicTaskRequest{Title: "Add login", Workspace: "/src"})
	require.NoError(t, err)
	got, err := env.orch.GetEpicTask(env.ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, "Add login", got.Title)
	assert.Equal(t, "/src", got.Workspace)

	epics, err := env.orch.ListEpicTasks(env.ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, epics, 1)
}

func TestCreateExecutionReturnsActive(t *testing.T) {
	env := newTestEnv(t)
	first := env.newExecution(0)
	assert.Equal(t, domain.ExecutionStatusPlanning, first.Status)
	assert.Equal(t, DefaultConfig().DefaultMaxParallel, first.MaxParallelWorkers)

	again, err := env.orch.CreateExecution(env.ctx, first.EpicTaskID, 3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = env.orch.CreateExecution(env.ctx, "missing", 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitPlanRejectsInvalidPlans(t *testing.T) {
	tests := []struct {
		name string
		plan *domain.Plan
		want error
	}{
		{
			name: "empty",
			plan: &domain.Plan{},
			want: domain.ErrPlanEmpty,
		},
		{
			name: "dangling",
			plan: &domain.Plan{Subtasks: []domain.PlannedSubtask{planned("a", "ghost")}},
			want: domain.ErrInvalidDependency,
		},
		{
			name: "cycle",
			plan: &domain.Plan{Subtasks: []domain.PlannedSubtask{planned("a", "b"), planned("b", "a")}},
			want: domain.ErrCyclicDependency,
		},
		{
			name: "self",
			plan: &domain.Plan{Subtasks: []domain.PlannedSubtask{planned("a", "a")}},
			want: domain.ErrPlanInvalid,
		},
		{
			name: "negative retries",
			plan: &domain.Plan{Subtasks: []domain.PlannedSubtask{{Ref: "a", MaxRetries: intPtr(-1)}}},
			want: domain.ErrPlanInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			exec := env.newExecution(1)

			_, err := env.orch.SubmitPlan(env.ctx, exec.ID, tt.plan)
			require.ErrorIs(t, err, tt.want)

			view := env.view(exec.ID)
			assert.Equal(t, domain.ExecutionStatusPlanning, view.Execution.Status)
			assert.Empty(t, view.Subtasks, "nothing is written for a rejected plan")
		})
	}
}

func TestSubmitPlanIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	exec := env.newExecution(2)
	plan := &domain.Plan{Summary: "two steps", Subtasks: []domain.PlannedSubtask{planned("a"), planned("b", "a")}}

	out, err := env.orch.SubmitPlan(env.ctx, exec.ID, plan)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusPlanned, out.Status)
	assert.NotEmpty(t, out.PlanDigest)

	again, err := env.orch.SubmitPlan(env.ctx, exec.ID, plan)
	require.NoError(t, err)
	assert.Equal(t, out.PlanDigest, again.PlanDigest)
	assert.Len(t, env.view(exec.ID).Subtasks, 2)

	other := &domain.Plan{Subtasks: []domain.PlannedSubtask{planned("x")}}
	_, err = env.orch.SubmitPlan(env.ctx, exec.ID, other)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSubmitPlanTranslatesRefs(t *testing.T) {
	env := newTestEnv(t)
	exec := env.newExecution(2)
	_, err := env.orch.SubmitPlan(env.ctx, exec.ID, &domain.Plan{Subtasks: []domain.PlannedSubtask{
		{Ref: "a", Title: " ", RequiredCapabilities: []string{"Backend"}, Complexity: 9},
		planned("b", "a"),
	}})
	require.NoError(t, err)

	a := env.subtask(exec.ID, "a")
	b := env.subtask(exec.ID, "b")
	assert.Equal(t, "a", a.Title, "blank titles fall back to the ref")
	assert.Equal(t, 5, a.Complexity)
	assert.True(t, a.RequiredCapabilities.Has("backend"))
	assert.Equal(t, DefaultConfig().DefaultMaxRetries, a.MaxRetries)
	assert.Equal(t, domain.Refs{a.ID}, b.DependsOn)
	assert.Equal(t, "pending", a.DisplayStatus)
	assert.Equal(t, domain.StatusBlocked, b.DisplayStatus)
	assert.NotEqual(t, a.WorkItemID, b.WorkItemID)
}

func TestGeneratePlanWithHeuristicPlanner(t *testing.T) {
	env := newTestEnv(t)
	epic, err := env.orch.CreateEpicTask(env.ctx, &CreateEpicTaskRequest{
		Title:       "Build a complete platform",
		Description: "A large undertaking.",
	})
	require.NoError(t, err)
	exec, err := env.orch.CreateExecution(env.ctx, epic.ID, 2)
	require.NoError(t, err)

	out, err := env.orch.GeneratePlan(env.ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusPlanned, out.Status)
	require.NotNil(t, out.Plan)
	assert.Len(t, env.view(exec.ID).Subtasks, 6)

	again, err := env.orch.GeneratePlan(env.ctx, exec.ID)
	require.NoError(t, err, "an execution that already has a plan is returned as is")
	assert.Equal(t, out.PlanDigest, again.PlanDigest)
}

func TestGeneratePlanRecordsPlannerError(t *testing.T) {
	env := newTestEnv(t)
	failing := PlannerFunc(func(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error) {
		return nil, errors.New("model unavailable")
	})
	orch := NewOrchestrator(env.store, env.dispatcher, failing, testConfig(), nil)
	exec := env.newExecution(1)

	_, err := orch.GeneratePlan(env.ctx, exec.ID)
	require.Error(t, err)

	got := env.view(exec.ID).Execution
	assert.Equal(t, domain.ExecutionStatusPlanning, got.Status)
	assert.Contains(t, got.ErrorMessage, "model unavailable")

	cyclic := PlannerFunc(func(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error) {
		return &domain.Plan{Subtasks: []domain.PlannedSubtask{planned("a", "b"), planned("b", "a")}}, nil
	})
	orch = NewOrchestrator(env.store, env.dispatcher, cyclic, testConfig(), nil)
	_, err = orch.GeneratePlan(env.ctx, exec.ID)
	require.ErrorIs(t, err, domain.ErrCyclicDependency)
	assert.Contains(t, env.view(exec.ID).Execution.ErrorMessage, "cycle")

	_, err = NewOrchestrator(env.store, env.dispatcher, nil, testConfig(), nil).GeneratePlan(env.ctx, exec.ID)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStartRequiresPlan(t *testing.T) {
	env := newTestEnv(t)
	exec := env.newExecution(1)
	_, err := env.orch.StartExecution(env.ctx, exec.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.orch.PauseExecution(env.ctx, exec.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.orch.StartExecution(env.ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteEpicTaskCancelsActiveExecution(t *testing.T) {
	env := newTestEnv(t)
	w := env.addWorker("w1", 0)
	execID := env.startPlan(1, planned("a"))
	env.waitStarts(w, 1)
	epicID := env.view(execID).Execution.EpicTaskID

	require.NoError(t, env.orch.DeleteEpicTask(env.ctx, epicID))

	_, err := env.orch.GetEpicTask(env.ctx, epicID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.orch.GetExecution(env.ctx, execID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Eventually(t, func() bool { return len(w.Stops()) == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, env.orch.DeleteEpicTask(env.ctx, epicID), domain.ErrNotFound)
}

func TestListExecutionsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.addWorker("w1", 0)
	running := env.startPlan(1, planned("a"))
	env.waitStarts(w, 1)
	env.newExecution(1)

	execs, err := env.orch.ListExecutions(env.ctx, storage.ListOptions{
		ExecutionStatuses: []domain.ExecutionStatus{domain.ExecutionStatusExecuting},
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, running, execs[0].ID)
}
