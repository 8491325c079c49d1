package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/client"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/pkg/api"
	"github.com/example/epicflow/pkg/plan"
)

func TestRetryThenSucceed(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	worker := env.AddWorker("w", 0)
	worker.Script = FailFirst("flaky", 2)

	execID := env.RunPlan(plan.New("retry").Subtask("flaky").MaxRetries(2).Build(), 1)
	detail := env.WaitExecution(execID)

	require.Equal(t, "completed", detail.Execution.Status)
	st := ByRef(detail)["flaky"]
	assert.Equal(t, 2, st.RetryCount)
	assert.Empty(t, st.ErrorMessage)
	starts := worker.Starts()
	require.Len(t, starts, 3)

	// Callbacks carrying a superseded token are rejected.
	_, err := env.Client.CompleteSubtask(ctx, &api.AttemptRequest{
		ExecutionID: execID, SubtaskID: st.ID, AttemptToken: starts[0].AttemptToken,
	})
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "FailedPrecondition", apiErr.Code)

	// Repeating the final outcome is a no-op.
	again, err := env.Client.CompleteSubtask(ctx, &api.AttemptRequest{
		ExecutionID: execID, SubtaskID: st.ID, AttemptToken: starts[2].AttemptToken, Output: "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", again.Status)
	assert.Equal(t, "flaky done by w", again.Output)
}

func TestExhaustedRetriesFailExecution(t *testing.T) {
	env := NewTestEnv(t)
	worker := env.AddWorker("w", 0)
	worker.Script = func(req *service.StartRequest, attempt int) Action {
		if req.Ref == "broken" {
			return Fail
		}
		return Complete
	}

	detail := env.WaitExecution(env.RunPlan(plan.New("partial").
		Subtask("broken").MaxRetries(1).
		Subtask("dependent").Needs("broken").
		Subtask("transitive").Needs("dependent").
		Subtask("independent").
		Build(), 2))

	assert.Equal(t, "failed", detail.Execution.Status)
	assert.Contains(t, detail.Execution.ErrorMessage, "broken")

	subtasks := ByRef(detail)
	assert.Equal(t, "failed", subtasks["broken"].Status)
	assert.Equal(t, 1, subtasks["broken"].RetryCount)
	assert.Contains(t, subtasks["broken"].ErrorMessage, "mock failure")
	assert.Equal(t, "skipped", subtasks["dependent"].Status)
	assert.Equal(t, "skipped", subtasks["transitive"].Status)
	assert.Equal(t, "completed", subtasks["independent"].Status)
	assert.Equal(t, 1, detail.Progress.Failed)
	assert.Equal(t, 2, detail.Progress.Skipped)

	assert.NotContains(t, worker.StartedRefs(), "dependent")
}

func TestWorkerStartErrorIsRetried(t *testing.T) {
	env := NewTestEnv(t)
	worker := env.AddWorker("w", 0)
	worker.Script = func(req *service.StartRequest, attempt int) Action {
		if attempt == 1 {
			return Refuse
		}
		return Complete
	}

	detail := env.WaitExecution(env.RunPlan(plan.New("refused").Subtask("a").MaxRetries(1).Build(), 1))

	require.Equal(t, "completed", detail.Execution.Status)
	assert.Equal(t, 1, ByRef(detail)["a"].RetryCount)
	assert.Len(t, worker.Starts(), 2)
}

func TestWorkerStartErrorWithoutRetries(t *testing.T) {
	env := NewTestEnv(t)
	worker := env.AddWorker("w", 0)
	worker.Script = func(*service.StartRequest, int) Action { return Refuse }

	detail := env.WaitExecution(env.RunPlan(plan.New("refused").Subtask("a").MaxRetries(0).Build(), 1))

	assert.Equal(t, "failed", detail.Execution.Status)
	st := ByRef(detail)["a"]
	assert.Equal(t, "failed", st.Status)
	assert.Contains(t, st.ErrorMessage, "worker start failed")
}

func TestCancelStopsRunningWork(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	worker := env.AddWorker("w", 0)
	worker.Script = HangOn("slow")

	execID := env.RunPlan(plan.New("cancel").
		Subtask("slow").
		Subtask("later").Needs("slow").
		Build(), 1)
	env.WaitSubtask(execID, "slow", "running")

	_, err := env.Client.Cancel(ctx, execID)
	require.NoError(t, err)
	detail := env.WaitExecution(execID)

	assert.Equal(t, "cancelled", detail.Execution.Status)
	subtasks := ByRef(detail)
	assert.Equal(t, "skipped", subtasks["slow"].Status)
	assert.Equal(t, "skipped", subtasks["later"].Status)

	stops := worker.Stops()
	require.Len(t, stops, 1)
	assert.Equal(t, worker.Starts()[0].AttemptToken, stops[0].AttemptToken)
	assert.Equal(t, []string{"slow"}, worker.StartedRefs())

	// A cancelled execution cannot be restarted.
	_, err = env.Client.Start(ctx, execID)
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestCancelBeforeStart(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	exec := env.CreateExecution("never run", 1)

	cancelled, err := env.Client.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)
}

func TestCancelPlannedExecutionSkipsSubtasks(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	worker := env.AddWorker("w", 0)
	exec := env.CreateExecution("planned only", 2)
	_, err := env.Client.SubmitPlan(ctx, exec.ID, plan.New("planned").
		Subtask("a").
		Subtask("b").Needs("a").
		Build())
	require.NoError(t, err)

	cancelled, err := env.Client.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)

	detail := env.WaitExecution(exec.ID)
	subtasks := ByRef(detail)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "skipped", subtasks["a"].Status)
	assert.Equal(t, "skipped", subtasks["b"].Status)
	assert.Equal(t, 2, detail.Progress.Skipped)
	assert.Empty(t, worker.Starts())
}

func TestSubtaskTimeout(t *testing.T) {
	env := NewTestEnv(t, func(cfg *service.Config) {
		cfg.SubtaskTimeout = 200 * time.Millisecond
		cfg.SweepInterval = 50 * time.Millisecond
	})
	worker := env.AddWorker("w", 0)
	worker.Script = HangOn("stuck")

	detail := env.WaitExecution(env.RunPlan(plan.New("timeout").Subtask("stuck").MaxRetries(0).Build(), 1))

	assert.Equal(t, "failed", detail.Execution.Status)
	st := ByRef(detail)["stuck"]
	assert.Equal(t, "failed", st.Status)
	assert.Contains(t, st.ErrorMessage, "subtask timed out")

	require.Eventually(t, func() bool { return len(worker.Stops()) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, "timeout", worker.Stops()[0].Reason)
}

func TestNoEligibleWorkerWaits(t *testing.T) {
	env := NewTestEnv(t)
	cpu := env.AddWorker("cpu-box", 0, "cpu")

	execID := env.RunPlan(plan.New("gpu").Subtask("train").Requires("gpu").Build(), 1)
	time.Sleep(100 * time.Millisecond)
	st := env.WaitSubtask(execID, "train", "pending")
	assert.Empty(t, st.AssignedWorkerID)
	assert.Empty(t, cpu.Starts())

	gpu := env.AddWorker("gpu-box", 0, "gpu", "cpu")
	detail := env.WaitExecution(execID)
	assert.Equal(t, "completed", detail.Execution.Status)
	assert.Equal(t, []string{"train"}, gpu.StartedRefs())
}

func TestRequestErrors(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()

	_, err := env.Client.GetExecution(ctx, "missing")
	assert.True(t, client.IsNotFound(err), "got %v", err)

	exec := env.CreateExecution("bad plans", 1)
	_, err = env.Client.SubmitPlan(ctx, exec.ID, &api.Plan{Subtasks: []api.PlannedSubtask{
		{Ref: "a", Title: "A", DependsOn: []string{"b"}},
		{Ref: "b", Title: "B", DependsOn: []string{"a"}},
	}})
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "dependency cycle")

	_, err = env.Client.SubmitPlan(ctx, exec.ID, plan.New("dangling").Subtask("a").Needs("ghost").Build())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	// A rejected plan leaves the execution in planning.
	_, err = env.Client.Start(ctx, exec.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = env.Client.ReportProgress(ctx, &api.AttemptRequest{ExecutionID: "missing", SubtaskID: "x", AttemptToken: "t"})
	assert.True(t, client.IsNotFound(err), "got %v", err)
}
