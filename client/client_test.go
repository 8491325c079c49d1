package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/internal/storage/sqlite"
	"github.com/example/epicflow/internal/web"
	"github.com/example/epicflow/pkg/api"
)

type queueWorker struct {
	mu     sync.Mutex
	starts []*service.StartRequest
}

func (w *queueWorker) Start(ctx context.Context, req *service.StartRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts = append(w.starts, req)
	return nil
}

func (w *queueWorker) Stop(ctx context.Context, req *service.StopRequest) error { return nil }

func (w *queueWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.starts)
}

func (w *queueWorker) at(i int) *service.StartRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts[i]
}

func newTestClient(t *testing.T) (*Client, *queueWorker, *service.EventBroadcaster) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "epicflow.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	cfg := service.DefaultConfig()
	cfg.SweepInterval = 0
	cfg.StatusInterval = 0

	worker := &queueWorker{}
	dispatcher := service.NewDispatcher(store, func(*domain.WorkerProfile) (service.WorkerClient, error) {
		return worker, nil
	}, nil, cfg, nil, nil)
	t.Cleanup(dispatcher.Stop)
	orch := service.NewOrchestrator(store, dispatcher, service.HeuristicPlanner{}, cfg, nil)
	registry := service.NewWorkerRegistry(store)
	registry.OnChange(func(ctx context.Context) { dispatcher.TriggerAll(ctx, "registry") })

	srv := web.NewServer(":0", endpoint.MakeEndpoints(orch, registry, service.NewCallbackService(dispatcher)),
		web.WithEvents(dispatcher.Events()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL + "/"), worker, dispatcher.Events()
}

func TestClientDrivesExecution(t *testing.T) {
	c, worker, events := newTestClient(t)
	ctx := context.Background()

	w, err := c.RegisterWorker(ctx, &api.RegisterWorkerRequest{Name: "w1", Executor: "local", Capabilities: []string{"go"}})
	require.NoError(t, err)
	epic, err := c.CreateEpic(ctx, &api.CreateEpicRequest{Title: "Ship search"})
	require.NoError(t, err)
	exec, err := c.CreateExecution(ctx, epic.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.MaxParallelWorkers)

	exec, err = c.SubmitPlanYAML(ctx, exec.ID, []byte("subtasks:\n  - ref: a\n    title: A\n    required_capabilities: [go]\n  - ref: b\n    title: B\n    depends_on: [a]\n"))
	require.NoError(t, err)
	assert.Equal(t, "planned", exec.Status)

	streamed := make(chan []api.Event, 1)
	go func() {
		var got []api.Event
		_ = c.Events(ctx, exec.ID, func(ev api.Event) error {
			got = append(got, ev)
			return nil
		})
		streamed <- got
	}()
	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.Start(ctx, exec.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return worker.count() > i }, 2*time.Second, 5*time.Millisecond)
		req := worker.at(i)
		ref := &api.AttemptRequest{ExecutionID: req.ExecutionID, SubtaskID: req.SubtaskID, AttemptToken: req.AttemptToken}
		st, err := c.AcknowledgeStart(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "running", st.Status)
		assert.Equal(t, w.ID, st.AssignedWorkerID)
		ref.Output = "done " + req.Ref
		_, err = c.CompleteSubtask(ctx, ref)
		require.NoError(t, err)
	}

	progress, err := c.GetProgress(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Percent)

	subtasks, err := c.ListSubtasks(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)

	execs, err := c.ListExecutions(ctx, &api.ListExecutionsRequest{EpicTaskID: epic.ID, Statuses: []string{"completed"}})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	select {
	case got := <-streamed:
		require.NotEmpty(t, got)
		last := got[len(got)-1]
		assert.Equal(t, "execution.status", last.Type)
		assert.Equal(t, "completed", last.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("event stream did not end")
	}
}

func TestClientWorkers(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	w, err := c.RegisterWorker(ctx, &api.RegisterWorkerRequest{Name: "reviewer", IsReviewer: true, IsWorker: new(bool)})
	require.NoError(t, err)
	assert.False(t, w.IsWorker)

	w, err = c.SetWorkerActive(ctx, w.ID, false)
	require.NoError(t, err)
	assert.False(t, w.Active)

	active, err := c.ListWorkers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := c.ListWorkers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	prio := 7
	w, err = c.UpdateWorker(ctx, &api.UpdateWorkerRequest{ID: w.ID, Priority: &prio})
	require.NoError(t, err)
	assert.Equal(t, 7, w.Priority)

	require.NoError(t, c.DeleteWorker(ctx, w.ID))
	_, err = c.GetWorker(ctx, w.ID)
	assert.True(t, IsNotFound(err))
}

func TestClientErrors(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetExecution(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NotFound", apiErr.Code)

	_, err = c.CreateEpic(ctx, &api.CreateEpicRequest{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "InvalidArgument")
}

func TestClientPlainTextError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).ListEpics(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "epicflow: HTTP 502: bad gateway", apiErr.Error())
}
