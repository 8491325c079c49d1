// Package web serves the epicflow REST API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/logging"
	"github.com/example/epicflow/internal/observability"
	"github.com/example/epicflow/internal/service"
)

// Server is the REST HTTP server
type Server struct {
	addr      string
	endpoints endpoint.Endpoints
	events    *service.EventBroadcaster
	logger    *slog.Logger
	metrics   *observability.Metrics
	mux       *http.ServeMux
	http      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables the /events stream over the given broadcaster.
func WithEvents(events *service.EventBroadcaster) Option {
	return func(s *Server) { s.events = events }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records request durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new REST server
func NewServer(addr string, endpoints endpoint.Endpoints, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		endpoints: endpoints,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "http")
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/epics", s.listEpics)
	s.mux.HandleFunc("POST /api/epics", s.createEpic)
	s.mux.HandleFunc("GET /api/epics/{id}", s.getEpic)
	s.mux.HandleFunc("DELETE /api/epics/{id}", s.deleteEpic)
	s.mux.HandleFunc("GET /api/epics/{id}/executions", s.listEpicExecutions)
	s.mux.HandleFunc("POST /api/epics/{id}/executions", s.createExecution)

	s.mux.HandleFunc("GET /api/executions", s.listExecutions)
	s.mux.HandleFunc("GET /api/executions/{id}", s.getExecution)
	s.mux.HandleFunc("GET /api/executions/{id}/progress", s.getProgress)
	s.mux.HandleFunc("GET /api/executions/{id}/subtasks", s.listSubtasks)
	s.mux.HandleFunc("POST /api/executions/{id}/plan", s.lifecycle(func(e endpoint.Endpoints) endpoint.Endpoint { return e.GeneratePlan }))
	s.mux.HandleFunc("PUT /api/executions/{id}/plan", s.submitPlan)
	s.mux.HandleFunc("POST /api/executions/{id}/start", s.lifecycle(func(e endpoint.Endpoints) endpoint.Endpoint { return e.StartExecution }))
	s.mux.HandleFunc("POST /api/executions/{id}/pause", s.lifecycle(func(e endpoint.Endpoints) endpoint.Endpoint { return e.PauseExecution }))
	s.mux.HandleFunc("POST /api/executions/{id}/resume", s.lifecycle(func(e endpoint.Endpoints) endpoint.Endpoint { return e.ResumeExecution }))
	s.mux.HandleFunc("POST /api/executions/{id}/cancel", s.lifecycle(func(e endpoint.Endpoints) endpoint.Endpoint { return e.CancelExecution }))
	s.mux.HandleFunc("POST /api/executions/{id}/subtasks/{sid}/ack", s.callback(func(e endpoint.Endpoints) endpoint.Endpoint { return e.AcknowledgeStart }))
	s.mux.HandleFunc("POST /api/executions/{id}/subtasks/{sid}/progress", s.callback(func(e endpoint.Endpoints) endpoint.Endpoint { return e.ReportProgress }))
	s.mux.HandleFunc("POST /api/executions/{id}/subtasks/{sid}/complete", s.callback(func(e endpoint.Endpoints) endpoint.Endpoint { return e.CompleteSubtask }))
	s.mux.HandleFunc("POST /api/executions/{id}/subtasks/{sid}/fail", s.callback(func(e endpoint.Endpoints) endpoint.Endpoint { return e.FailSubtask }))
	s.mux.HandleFunc("GET /api/executions/{id}/events", s.streamEvents)

	s.mux.HandleFunc("GET /api/workers", s.listWorkers)
	s.mux.HandleFunc("POST /api/workers", s.registerWorker)
	s.mux.HandleFunc("GET /api/workers/{id}", s.getWorker)
	s.mux.HandleFunc("PATCH /api/workers/{id}", s.updateWorker)
	s.mux.HandleFunc("DELETE /api/workers/{id}", s.deleteWorker)
	s.mux.HandleFunc("PUT /api/workers/{id}/active", s.setWorkerActive)
	s.mux.HandleFunc("GET /api/workers/{id}/skills", s.listWorkerSkills)
	s.mux.HandleFunc("PUT /api/workers/{id}/skills/{skillId}", s.workerSkill(func(e endpoint.Endpoints) endpoint.Endpoint { return e.AssignSkill }))
	s.mux.HandleFunc("DELETE /api/workers/{id}/skills/{skillId}", s.workerSkill(func(e endpoint.Endpoints) endpoint.Endpoint { return e.UnassignSkill }))

	s.mux.HandleFunc("GET /api/skills", s.listSkills)
	s.mux.HandleFunc("POST /api/skills", s.createSkill)
	s.mux.HandleFunc("GET /api/skills/{id}", s.getSkill)
	s.mux.HandleFunc("PATCH /api/skills/{id}", s.updateSkill)
	s.mux.HandleFunc("DELETE /api/skills/{id}", s.deleteSkill)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// instrument records the duration of every request under its route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestDuration().WithLabels("http " + route).Since(start)
		if rec.status >= http.StatusInternalServerError {
			s.logger.WarnContext(r.Context(), "request failed",
				"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		} else {
			s.logger.DebugContext(r.Context(), "request",
				"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets the event stream flush through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.instrument(s.mux))
}
