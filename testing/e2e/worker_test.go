package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/client"
	"github.com/example/epicflow/pkg/api"
	"github.com/example/epicflow/pkg/plan"
)

func TestWorkerRegistration(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()

	w, err := env.Client.RegisterWorker(ctx, &api.RegisterWorkerRequest{
		Name:         "builder",
		Executor:     "127.0.0.1:7001",
		Capabilities: []string{"Go", "backend", "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", "go"}, w.Capabilities)
	assert.True(t, w.IsWorker)
	assert.True(t, w.Active)

	// Same name and executor is idempotent.
	again, err := env.Client.RegisterWorker(ctx, &api.RegisterWorkerRequest{Name: "builder", Executor: "127.0.0.1:7001"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	_, err = env.Client.RegisterWorker(ctx, &api.RegisterWorkerRequest{Name: "builder", Executor: "127.0.0.1:7002"})
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "AlreadyExists", apiErr.Code)

	_, err = env.Client.RegisterWorker(ctx, &api.RegisterWorkerRequest{Name: "no-address"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	no := false
	planner, err := env.Client.RegisterWorker(ctx, &api.RegisterWorkerRequest{Name: "planner", IsPlanner: true, IsWorker: &no})
	require.NoError(t, err)
	assert.True(t, planner.IsPlanner)
	assert.False(t, planner.IsWorker)

	workers, err := env.Client.ListWorkers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}

func TestWorkerLifecycle(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	env.AddWorker("w", 0)
	id := env.WorkerID("w")

	disabled, err := env.Client.SetWorkerActive(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, disabled.Active)

	active, err := env.Client.ListWorkers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	prio := 7
	updated, err := env.Client.UpdateWorker(ctx, &api.UpdateWorkerRequest{
		ID:           id,
		Capabilities: []string{"rust"},
		Priority:     &prio,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rust"}, updated.Capabilities)
	assert.Equal(t, 7, updated.Priority)
	assert.False(t, updated.Active)

	require.NoError(t, env.Client.DeleteWorker(ctx, id))
	_, err = env.Client.GetWorker(ctx, id)
	assert.True(t, client.IsNotFound(err), "got %v", err)
}

func TestDisabledWorkerGetsNoWork(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	preferred := NewMockWorker(t)
	preferred.Name = "preferred"
	fallback := NewMockWorker(t)
	fallback.Name = "fallback"
	registerAt(t, env, preferred, 10)
	registerAt(t, env, fallback, 1)

	_, err := env.Client.SetWorkerActive(ctx, env.WorkerID("preferred"), false)
	require.NoError(t, err)

	detail := env.WaitExecution(env.RunPlan(plan.New("routing").Subtask("a").Subtask("b").Build(), 2))
	require.Equal(t, "completed", detail.Execution.Status)
	assert.Empty(t, preferred.Starts())
	assert.ElementsMatch(t, []string{"a", "b"}, fallback.StartedRefs())
}

func TestReenabledWorkerResumesDispatch(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	worker := env.AddWorker("only", 0)
	id := env.WorkerID("only")
	_, err := env.Client.SetWorkerActive(ctx, id, false)
	require.NoError(t, err)

	execID := env.RunPlan(plan.New("waiting").Subtask("a").Build(), 1)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, worker.Starts())

	_, err = env.Client.SetWorkerActive(ctx, id, true)
	require.NoError(t, err)
	detail := env.WaitExecution(execID)
	assert.Equal(t, "completed", detail.Execution.Status)
	assert.Equal(t, []string{"a"}, worker.StartedRefs())
}

func TestNonWorkerProfilesAreNeverAssigned(t *testing.T) {
	env := NewTestEnv(t)
	ctx := context.Background()
	reviewer := NewMockWorker(t)
	no := false
	_, err := env.Client.RegisterWorker(ctx, &api.RegisterWorkerRequest{
		Name:       "reviewer",
		Executor:   reviewer.Addr(),
		IsReviewer: true,
		IsWorker:   &no,
		Priority:   100,
	})
	require.NoError(t, err)
	worker := env.AddWorker("worker", 0)

	detail := env.WaitExecution(env.RunPlan(plan.New("roles").Subtask("a").Build(), 1))
	require.Equal(t, "completed", detail.Execution.Status)
	assert.Empty(t, reviewer.Starts())
	assert.Equal(t, []string{"a"}, worker.StartedRefs())
}
