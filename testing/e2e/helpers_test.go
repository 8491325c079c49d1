// Package e2e runs the whole epicflow stack in-process: sqlite storage, the
// dispatcher, the gRPC callback server, the REST API and gRPC worker
// processes that report back the way real workers do.
package e2e

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/example/epicflow/client"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/internal/storage/sqlite"
	grpctransport "github.com/example/epicflow/internal/transport/grpc"
	"github.com/example/epicflow/internal/web"
	"github.com/example/epicflow/pkg/api"
)

const waitTimeout = 10 * time.Second

// TestEnv provides a complete test environment with all services configured.
type TestEnv struct {
	Client     *client.Client
	Dispatcher *service.Dispatcher
	Store      *sqlite.SQLiteStorage

	t *testing.T
}

// NewTestEnv starts the stack. configure may adjust the engine settings
// before anything is constructed.
func NewTestEnv(t *testing.T, configure ...func(*service.Config)) *TestEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "epicflow.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := service.DefaultConfig()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	cfg.SweepInterval = 0
	cfg.StatusInterval = 0
	cfg.StartTimeout = time.Second
	cfg.StopTimeout = time.Second
	cfg.CallbackAddress = lis.Addr().String()
	for _, fn := range configure {
		fn(&cfg)
	}

	dialer := grpctransport.NewWorkerDialer()
	dispatcher := service.NewDispatcher(store, dialer.ClientFor, nil, cfg, nil, nil)
	orch := service.NewOrchestrator(store, dispatcher, service.HeuristicPlanner{}, cfg, nil)
	registry := service.NewWorkerRegistry(store)
	registry.OnChange(func(ctx context.Context) {
		_ = dispatcher.TriggerAll(ctx, "worker change")
	})
	endpoints := endpoint.MakeEndpoints(orch, registry, service.NewCallbackService(dispatcher))

	grpcServer := grpctransport.NewServer(endpoints, grpctransport.WithEvents(dispatcher.Events()))
	go grpcServer.Serve(lis)

	ts := httptest.NewServer(web.NewServer(":0", endpoints, web.WithEvents(dispatcher.Events())).Handler())

	dispatcher.Start()
	t.Cleanup(func() {
		dispatcher.Stop()
		ts.Close()
		grpcServer.GracefulStop()
		dialer.Close()
		store.Close()
	})

	return &TestEnv{
		Client:     client.New(ts.URL),
		Dispatcher: dispatcher,
		Store:      store,
		t:          t,
	}
}

// AddWorker starts a mock worker process and registers it with caps.
func (e *TestEnv) AddWorker(name string, maxConcurrent int, caps ...string) *MockWorker {
	e.t.Helper()
	w := NewMockWorker(e.t)
	w.Name = name
	_, err := e.Client.RegisterWorker(context.Background(), &api.RegisterWorkerRequest{
		Name:          name,
		Executor:      w.Addr(),
		Capabilities:  caps,
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(e.t, err)
	return w
}

// WorkerID resolves a registered worker by name.
func (e *TestEnv) WorkerID(name string) string {
	e.t.Helper()
	workers, err := e.Client.ListWorkers(context.Background(), false)
	require.NoError(e.t, err)
	for _, w := range workers {
		if w.Name == name {
			return w.ID
		}
	}
	e.t.Fatalf("worker %s not registered", name)
	return ""
}

// CreateExecution creates an epic and an execution of it.
func (e *TestEnv) CreateExecution(title string, maxParallel int) *api.Execution {
	e.t.Helper()
	ctx := context.Background()
	epic, err := e.Client.CreateEpic(ctx, &api.CreateEpicRequest{Title: title, Workspace: "/src/" + title})
	require.NoError(e.t, err)
	exec, err := e.Client.CreateExecution(ctx, epic.ID, maxParallel)
	require.NoError(e.t, err)
	return exec
}

// RunPlan submits plan to a fresh execution and starts it.
func (e *TestEnv) RunPlan(plan *api.Plan, maxParallel int) string {
	e.t.Helper()
	ctx := context.Background()
	exec := e.CreateExecution(plan.Summary, maxParallel)
	_, err := e.Client.SubmitPlan(ctx, exec.ID, plan)
	require.NoError(e.t, err)
	_, err = e.Client.Start(ctx, exec.ID)
	require.NoError(e.t, err)
	return exec.ID
}

// WaitExecution polls until the execution reaches a terminal status.
func (e *TestEnv) WaitExecution(execID string) *api.ExecutionDetail {
	e.t.Helper()
	var detail *api.ExecutionDetail
	require.Eventually(e.t, func() bool {
		var err error
		detail, err = e.Client.GetExecution(context.Background(), execID)
		if err != nil {
			return false
		}
		switch detail.Execution.Status {
		case "completed", "failed", "cancelled":
			return true
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
	return detail
}

// WaitSubtask polls until the subtask with ref has status.
func (e *TestEnv) WaitSubtask(execID, ref, status string) api.Subtask {
	e.t.Helper()
	var found api.Subtask
	require.Eventually(e.t, func() bool {
		subtasks, err := e.Client.ListSubtasks(context.Background(), execID)
		if err != nil {
			return false
		}
		for _, st := range subtasks {
			if st.Ref == ref {
				found = st
				return st.Status == status
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
	return found
}

// ByRef indexes the subtasks of detail by ref.
func ByRef(detail *api.ExecutionDetail) map[string]api.Subtask {
	out := make(map[string]api.Subtask, len(detail.Subtasks))
	for _, st := range detail.Subtasks {
		out[st.Ref] = st
	}
	return out
}

// Action is what a mock worker does with one attempt.
type Action int

const (
	Complete Action = iota
	Fail
	Refuse // Start returns an error
	Hang   // acknowledge, then wait for Stop
)

// Script decides the action for an attempt. attempt counts the Start calls
// the worker has seen for the subtask, starting at 1.
type Script func(req *service.StartRequest, attempt int) Action

// MockWorker is a worker process serving the Worker gRPC service. It
// reports through the callback address carried by each start request.
type MockWorker struct {
	// Set before the worker receives work.
	Name   string
	Script Script
	Delay  time.Duration

	lis    net.Listener
	server *grpc.Server

	mu          sync.Mutex
	starts      []*service.StartRequest
	stops       []*service.StopRequest
	attempts    map[string]int
	running     map[string]context.CancelFunc
	inFlight    int
	maxInFlight int
	onStart     func(req *service.StartRequest)
	wg          sync.WaitGroup
}

// NewMockWorker starts a worker server on a loopback port.
func NewMockWorker(t *testing.T) *MockWorker {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w := &MockWorker{
		Delay:    20 * time.Millisecond,
		lis:      lis,
		server:   grpc.NewServer(),
		attempts: make(map[string]int),
		running:  make(map[string]context.CancelFunc),
	}
	grpctransport.RegisterWorkerServer(w.server, w)
	go w.server.Serve(lis)
	t.Cleanup(func() {
		w.server.Stop()
		w.mu.Lock()
		for _, cancel := range w.running {
			cancel()
		}
		w.mu.Unlock()
		w.wg.Wait()
	})
	return w
}

// Addr is the executor address of the worker.
func (w *MockWorker) Addr() string { return w.lis.Addr().String() }

// OnStart installs a hook called for every accepted attempt.
func (w *MockWorker) OnStart(fn func(req *service.StartRequest)) {
	w.mu.Lock()
	w.onStart = fn
	w.mu.Unlock()
}

// Start implements service.WorkerClient.
func (w *MockWorker) Start(ctx context.Context, req *service.StartRequest) error {
	w.mu.Lock()
	w.attempts[req.SubtaskID]++
	attempt := w.attempts[req.SubtaskID]
	w.starts = append(w.starts, req)
	action := Complete
	if w.Script != nil {
		action = w.Script(req, attempt)
	}
	if action == Refuse {
		w.mu.Unlock()
		return errors.New("worker busy")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w.running[req.AttemptToken] = cancel
	w.inFlight++
	w.maxInFlight = max(w.maxInFlight, w.inFlight)
	hook := w.onStart
	w.wg.Add(1)
	w.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	go w.run(runCtx, cancel, req, action)
	return nil
}

// Stop implements service.WorkerClient.
func (w *MockWorker) Stop(ctx context.Context, req *service.StopRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops = append(w.stops, req)
	if cancel, ok := w.running[req.AttemptToken]; ok {
		cancel()
	}
	return nil
}

func (w *MockWorker) run(ctx context.Context, cancel context.CancelFunc, req *service.StartRequest, action Action) {
	defer w.wg.Done()
	defer cancel()
	orch, err := grpctransport.Dial(req.CallbackAddr)
	if err != nil {
		w.finish(req.AttemptToken)
		return
	}
	defer orch.Close()

	attempt := &api.AttemptRequest{ExecutionID: req.ExecutionID, SubtaskID: req.SubtaskID, AttemptToken: req.AttemptToken}
	orch.AcknowledgeStart(ctx, attempt)

	if action == Hang {
		<-ctx.Done()
		w.finish(req.AttemptToken)
		return
	}

	select {
	case <-ctx.Done():
		w.finish(req.AttemptToken)
		return
	case <-time.After(w.Delay):
	}
	orch.ReportProgress(ctx, &api.AttemptRequest{
		ExecutionID: req.ExecutionID, SubtaskID: req.SubtaskID, AttemptToken: req.AttemptToken,
		Message: "working on " + req.Ref,
	})

	// The attempt leaves the worker's books before the orchestrator hears
	// about it, so the orchestrator never sees more work than the worker.
	w.finish(req.AttemptToken)
	if action == Fail {
		attempt.Reason = "mock failure"
		orch.FailSubtask(ctx, attempt)
		return
	}
	attempt.Output = req.Ref + " done by " + w.Name
	orch.CompleteSubtask(ctx, attempt)
}

func (w *MockWorker) finish(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[token]; ok {
		delete(w.running, token)
		w.inFlight--
	}
}

// Starts returns the start requests received so far.
func (w *MockWorker) Starts() []*service.StartRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*service.StartRequest(nil), w.starts...)
}

// StartedRefs returns the refs of received start requests in order.
func (w *MockWorker) StartedRefs() []string {
	var refs []string
	for _, req := range w.Starts() {
		refs = append(refs, req.Ref)
	}
	return refs
}

// Stops returns the stop requests received so far.
func (w *MockWorker) Stops() []*service.StopRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*service.StopRequest(nil), w.stops...)
}

// MaxInFlight is the highest number of attempts the worker held at once.
func (w *MockWorker) MaxInFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxInFlight
}

// FailFirst fails the first n attempts of subtasks with ref.
func FailFirst(ref string, n int) Script {
	return func(req *service.StartRequest, attempt int) Action {
		if req.Ref == ref && attempt <= n {
			return Fail
		}
		return Complete
	}
}

// HangOn hangs attempts of the given refs and completes the rest.
func HangOn(refs ...string) Script {
	return func(req *service.StartRequest, attempt int) Action {
		for _, ref := range refs {
			if req.Ref == ref {
				return Hang
			}
		}
		return Complete
	}
}
