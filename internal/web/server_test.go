package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/observability"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/internal/storage/sqlite"
	"github.com/example/epicflow/pkg/api"
)

type stubWorker struct {
	mu     sync.Mutex
	starts []*service.StartRequest
}

func (w *stubWorker) Start(ctx context.Context, req *service.StartRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts = append(w.starts, req)
	return nil
}

func (w *stubWorker) Stop(ctx context.Context, req *service.StopRequest) error { return nil }

func (w *stubWorker) started() []*service.StartRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*service.StartRequest(nil), w.starts...)
}

// testEnv serves the REST API over a temp-file database.
type testEnv struct {
	t          *testing.T
	server     *httptest.Server
	dispatcher *service.Dispatcher
	worker     *stubWorker
	metrics    *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	metrics := observability.NewMetrics()

	store, err := sqlite.NewWithMetrics(filepath.Join(t.TempDir(), "epicflow.db"), metrics)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	cfg := service.DefaultConfig()
	cfg.SweepInterval = 0
	cfg.StatusInterval = 0

	worker := &stubWorker{}
	factory := func(*domain.WorkerProfile) (service.WorkerClient, error) { return worker, nil }
	dispatcher := service.NewDispatcher(store, factory, nil, cfg, nil, metrics)
	t.Cleanup(dispatcher.Stop)
	orch := service.NewOrchestrator(store, dispatcher, service.HeuristicPlanner{}, cfg, nil)
	registry := service.NewWorkerRegistry(store)
	registry.OnChange(func(ctx context.Context) { dispatcher.TriggerAll(ctx, "registry") })
	callbacks := service.NewCallbackService(dispatcher)

	srv := NewServer(":0", endpoint.MakeEndpoints(orch, registry, callbacks),
		WithEvents(dispatcher.Events()), WithMetrics(metrics))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, server: ts, dispatcher: dispatcher, worker: worker, metrics: metrics}
}

// do sends a request and decodes a JSON response into out when non-nil.
func (e *testEnv) do(method, path, contentType, body string, out any) int {
	e.t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(e.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) post(path, body string, out any) int {
	return e.do(http.MethodPost, path, "application/json", body, out)
}

func (e *testEnv) get(path string, out any) int {
	return e.do(http.MethodGet, path, "", "", out)
}

func (e *testEnv) plannedExecution(planYAML string) *api.Execution {
	e.t.Helper()
	var epic api.Epic
	require.Equal(e.t, http.StatusCreated, e.post("/api/epics", `{"title":"Ship search","workspace":"/repo"}`, &epic))
	var exec api.Execution
	require.Equal(e.t, http.StatusCreated, e.post("/api/epics/"+epic.ID+"/executions", `{"maxParallelWorkers":2}`, &exec))
	require.Equal(e.t, http.StatusOK, e.do(http.MethodPut, "/api/executions/"+exec.ID+"/plan", "application/yaml", planYAML, &exec))
	return &exec
}

func (e *testEnv) waitStarts(n int) []*service.StartRequest {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return len(e.worker.started()) >= n }, 2*time.Second, 5*time.Millisecond)
	return e.worker.started()
}

const twoStepPlan = `
summary: search
subtasks:
  - ref: index
    title: Build index
    required_capabilities: [go]
  - ref: query
    title: Query API
    depends_on: [index]
`

func TestRouting(t *testing.T) {
	env := newTestEnv(t)

	var epic api.Epic
	require.Equal(t, http.StatusCreated, env.post("/api/epics", `{"title":"t"}`, &epic))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"list epics", http.MethodGet, "/api/epics", "", http.StatusOK},
		{"get epic", http.MethodGet, "/api/epics/" + epic.ID, "", http.StatusOK},
		{"missing epic", http.MethodGet, "/api/epics/nope", "", http.StatusNotFound},
		{"epic without title", http.MethodPost, "/api/epics", `{"title":" "}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/epics", `{`, http.StatusBadRequest},
		{"execution for missing epic", http.MethodPost, "/api/epics/nope/executions", "", http.StatusNotFound},
		{"list executions", http.MethodGet, "/api/executions?status=planning,executing", "", http.StatusOK},
		{"bad status filter", http.MethodGet, "/api/executions?status=bogus", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/executions?limit=x", "", http.StatusBadRequest},
		{"missing execution", http.MethodGet, "/api/executions/nope", "", http.StatusNotFound},
		{"missing execution events", http.MethodGet, "/api/executions/nope/events", "", http.StatusNotFound},
		{"list workers", http.MethodGet, "/api/workers?active=true", "", http.StatusOK},
		{"missing worker", http.MethodGet, "/api/workers/nope", "", http.StatusNotFound},
		{"worker without name", http.MethodPost, "/api/workers", `{}`, http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/executions/x/progress", "", http.StatusMethodNotAllowed},
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(tt.method, tt.path, "application/json", tt.body, nil))
		})
	}
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var w api.Worker
	require.Equal(t, http.StatusCreated, env.post("/api/workers",
		`{"name":"w1","executor":"local","capabilities":["go"]}`, &w))
	assert.True(t, w.Active)

	exec := env.plannedExecution(twoStepPlan)
	assert.Equal(t, "planned", exec.Status)
	assert.Equal(t, "search", exec.PlanSummary)

	var subtasks api.ListSubtasksResponse
	require.Equal(t, http.StatusOK, env.get("/api/executions/"+exec.ID+"/subtasks", &subtasks))
	require.Len(t, subtasks.Subtasks, 2)
	display := map[string]string{}
	for _, st := range subtasks.Subtasks {
		display[st.Ref] = st.DisplayStatus
	}
	assert.Equal(t, "pending", display["index"])
	assert.Equal(t, "blocked", display["query"])

	require.Equal(t, http.StatusOK, env.post("/api/executions/"+exec.ID+"/start", "", exec))
	assert.Equal(t, "executing", exec.Status)
	index := env.waitStarts(1)[0]
	assert.Equal(t, "index", index.Ref)

	base := "/api/executions/" + exec.ID + "/subtasks/" + index.SubtaskID
	token := `{"attemptToken":"` + index.AttemptToken + `"}`
	var st api.Subtask
	require.Equal(t, http.StatusOK, env.post(base+"/ack", token, &st))
	assert.Equal(t, "running", st.Status)
	require.Equal(t, http.StatusOK, env.post(base+"/progress",
		`{"attemptToken":"`+index.AttemptToken+`","message":"halfway"}`, &st))
	assert.Equal(t, http.StatusConflict, env.post(base+"/complete", `{"attemptToken":"stale"}`, nil))
	require.Equal(t, http.StatusOK, env.post(base+"/complete",
		`{"attemptToken":"`+index.AttemptToken+`","output":"indexed"}`, &st))
	assert.Equal(t, "completed", st.Status)

	var progress api.Progress
	require.Equal(t, http.StatusOK, env.get("/api/executions/"+exec.ID+"/progress", &progress))
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Completed)

	require.Equal(t, http.StatusOK, env.post("/api/executions/"+exec.ID+"/pause", "", exec))
	assert.Equal(t, "paused", exec.Status)
	require.Equal(t, http.StatusOK, env.post("/api/executions/"+exec.ID+"/resume", "", exec))
	assert.Equal(t, "executing", exec.Status)

	query := env.waitStarts(2)[1]
	require.Equal(t, http.StatusOK, env.post("/api/executions/"+exec.ID+"/subtasks/"+query.SubtaskID+"/complete",
		`{"attemptToken":"`+query.AttemptToken+`"}`, &st))

	var detail api.ExecutionDetail
	require.Equal(t, http.StatusOK, env.get("/api/executions/"+exec.ID, &detail))
	assert.Equal(t, "completed", detail.Execution.Status)
	assert.Equal(t, 100, detail.Progress.Percent)

	assert.Equal(t, http.StatusConflict, env.post("/api/executions/"+exec.ID+"/cancel", "", nil))

	var list api.ListExecutionsResponse
	require.Equal(t, http.StatusOK, env.get("/api/epics/"+exec.EpicTaskID+"/executions?status=completed", &list))
	require.Len(t, list.Executions, 1)

	snap := env.metrics.Snapshot()
	assert.Contains(t, snap.RequestDuration, "http POST /api/executions/{id}/start")
}

func TestSubmitPlanErrors(t *testing.T) {
	env := newTestEnv(t)

	var epic api.Epic
	require.Equal(t, http.StatusCreated, env.post("/api/epics", `{"title":"t"}`, &epic))
	var exec api.Execution
	require.Equal(t, http.StatusCreated, env.post("/api/epics/"+epic.ID+"/executions", "", &exec))
	path := "/api/executions/" + exec.ID + "/plan"

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, path, "application/json", "", nil))
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, path, "application/json", `{"subtasks":[]}`, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, path, "application/yaml", "subtasks: [", nil))
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, path, "application/json",
		`{"subtasks":[{"ref":"a","depends_on":["a"]}]}`, nil))

	req, err := http.NewRequest(http.MethodPut, env.server.URL+path,
		bytes.NewBufferString(`{"subtasks":[{"ref":"a","depends_on":["ghost"]}]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidArgument", body.Code)
	assert.Contains(t, body.Error, "ghost")

	var same api.Execution
	require.Equal(t, http.StatusOK, env.do(http.MethodPut, path, "application/json",
		`{"subtasks":[{"ref":"a","title":"A"}]}`, &same))
	assert.Equal(t, "planned", same.Status)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.post("/api/workers", `{"name":"w1","executor":"local","capabilities":["go"]}`, nil))
	exec := env.plannedExecution(twoStepPlan)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/executions/"+exec.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return env.dispatcher.Events().Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	var types []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				types = append(types, name)
			}
		}
	}()

	require.Equal(t, http.StatusOK, env.post("/api/executions/"+exec.ID+"/cancel", "", nil))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event stream did not end with the execution")
	}
	require.NotEmpty(t, types)
	assert.Equal(t, string(domain.EventExecutionStatus), types[len(types)-1])
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/epics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")
}

func TestStatusFor(t *testing.T) {
	tests := map[codes.Code]int{
		codes.InvalidArgument:    http.StatusBadRequest,
		codes.NotFound:           http.StatusNotFound,
		codes.FailedPrecondition: http.StatusConflict,
		codes.Aborted:            http.StatusConflict,
		codes.AlreadyExists:      http.StatusConflict,
		codes.Unavailable:        http.StatusServiceUnavailable,
		codes.DeadlineExceeded:   http.StatusGatewayTimeout,
		codes.Internal:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code.String())
	}
}
