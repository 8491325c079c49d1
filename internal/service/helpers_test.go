package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/storage/sqlite"
)

// fakeWorker records the calls the dispatcher makes.
type fakeWorker struct {
	mu       sync.Mutex
	starts   []*StartRequest
	stops    []*StopRequest
	startErr func(req *StartRequest) error
	stopErr  error
}

func (f *fakeWorker) Start(ctx context.Context, req *StartRequest) error {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	hook := f.startErr
	f.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return nil
}

func (f *fakeWorker) Stop(ctx context.Context, req *StopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, req)
	return f.stopErr
}

func (f *fakeWorker) Starts() []*StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*StartRequest(nil), f.starts...)
}

func (f *fakeWorker) Stops() []*StopRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*StopRequest(nil), f.stops...)
}

// testEnv wires the services over a temp-file database.
type testEnv struct {
	t          *testing.T
	ctx        context.Context
	store      *sqlite.SQLiteStorage
	dispatcher *Dispatcher
	orch       *OrchestratorService
	registry   *WorkerRegistry
	callbacks  *CallbackService

	mu      sync.Mutex
	workers map[string]*fakeWorker // by executor address
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.StatusInterval = 0
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	cfg.StartTimeout = time.Second
	cfg.StopTimeout = time.Second
	return cfg
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "epicflow.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		t:       t,
		ctx:     context.Background(),
		store:   store,
		workers: make(map[string]*fakeWorker),
	}
	env.dispatcher = NewDispatcher(store, env.clientFor, nil, cfg, nil, nil)
	env.orch = NewOrchestrator(store, env.dispatcher, HeuristicPlanner{MaxSubtasks: 10}, cfg, nil)
	env.registry = NewWorkerRegistry(store)
	env.registry.OnChange(func(ctx context.Context) {
		env.dispatcher.TriggerAll(ctx, "registry")
	})
	env.callbacks = NewCallbackService(env.dispatcher)
	t.Cleanup(env.dispatcher.Stop)
	return env
}

func (e *testEnv) clientFor(profile *domain.WorkerProfile) (WorkerClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[profile.Executor]
	if !ok {
		return nil, fmt.Errorf("no worker at %s", profile.Executor)
	}
	return w, nil
}

// addWorker registers a profile backed by a fake worker.
func (e *testEnv) addWorker(name string, maxConcurrent int, caps ...string) *fakeWorker {
	e.t.Helper()
	w := &fakeWorker{}
	addr := name + ":7000"
	e.mu.Lock()
	e.workers[addr] = w
	e.mu.Unlock()

	_, err := e.registry.RegisterWorker(e.ctx, &RegisterWorkerRequest{
		Name:          name,
		Executor:      addr,
		Capabilities:  caps,
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(e.t, err)
	return w
}

func (e *testEnv) newExecution(maxParallel int) *domain.Execution {
	e.t.Helper()
	epic, err := e.orch.CreateEpicTask(e.ctx, &CreateEpicTaskRequest{Title: "epic", Workspace: "/repo"})
	require.NoError(e.t, err)
	exec, err := e.orch.CreateExecution(e.ctx, epic.ID, maxParallel)
	require.NoError(e.t, err)
	return exec
}

// startPlan submits and starts a plan, returning the execution id.
func (e *testEnv) startPlan(maxParallel int, subtasks ...domain.PlannedSubtask) string {
	e.t.Helper()
	exec := e.newExecution(maxParallel)
	_, err := e.orch.SubmitPlan(e.ctx, exec.ID, &domain.Plan{Subtasks: subtasks})
	require.NoError(e.t, err)
	_, err = e.orch.StartExecution(e.ctx, exec.ID)
	require.NoError(e.t, err)
	return exec.ID
}

func (e *testEnv) view(execID string) *ExecutionView {
	e.t.Helper()
	v, err := e.orch.GetExecution(e.ctx, execID)
	require.NoError(e.t, err)
	return v
}

func (e *testEnv) subtask(execID, ref string) SubtaskView {
	e.t.Helper()
	for _, st := range e.view(execID).Subtasks {
		if st.Ref == ref {
			return st
		}
	}
	e.t.Fatalf("no subtask %s", ref)
	return SubtaskView{}
}

// waitStarts waits until w has received n start calls.
func (e *testEnv) waitStarts(w *fakeWorker, n int) []*StartRequest {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return len(w.Starts()) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d start calls", n)
	return w.Starts()
}

func (e *testEnv) waitSubtask(execID, ref string, status domain.SubtaskStatus) {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return e.subtask(execID, ref).Status == status },
		2*time.Second, 5*time.Millisecond, "subtask %s never reached %s", ref, status)
}

func (e *testEnv) waitExecution(execID string, status domain.ExecutionStatus) *domain.Execution {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return e.view(execID).Execution.Status == status },
		2*time.Second, 5*time.Millisecond, "execution never reached %s", status)
	return e.view(execID).Execution
}

func (e *testEnv) complete(req *StartRequest) {
	e.t.Helper()
	_, err := e.callbacks.CompleteSubtask(e.ctx, &CompleteSubtaskRequest{
		AttemptRef: attemptOf(req),
		Output:     "done " + req.Ref,
	})
	require.NoError(e.t, err)
}

func (e *testEnv) fail(req *StartRequest, reason string) {
	e.t.Helper()
	_, err := e.callbacks.FailSubtask(e.ctx, &FailSubtaskRequest{AttemptRef: attemptOf(req), Reason: reason})
	require.NoError(e.t, err)
}

func attemptOf(req *StartRequest) AttemptRef {
	return AttemptRef{ExecutionID: req.ExecutionID, SubtaskID: req.SubtaskID, AttemptToken: req.AttemptToken}
}

func refsOf(reqs []*StartRequest) []string {
	refs := make([]string, len(reqs))
	for i, r := range reqs {
		refs[i] = r.Ref
	}
	return refs
}

func planned(ref string, deps ...string) domain.PlannedSubtask {
	return domain.PlannedSubtask{Ref: ref, Title: "do " + ref, DependsOn: deps}
}

func intPtr(n int) *int { return &n }
