package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/pkg/api"
)

const keepAliveInterval = 15 * time.Second

// streamEvents handles GET /api/executions/{id}/events as a server-sent
// event stream. The stream ends after the execution reaches a terminal
// status.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotImplemented, &api.ErrorResponse{Error: "event streaming is not enabled", Code: "Unimplemented"})
		return
	}
	execID := r.PathValue("id")
	// 404 for unknown executions instead of an idle stream.
	if _, err := s.endpoints.GetProgress(r.Context(), &api.ExecutionRequest{ExecutionID: execID}); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, &api.ErrorResponse{Error: "streaming unsupported", Code: "Internal"})
		return
	}

	events, cancel := s.events.Subscribe(execID, 256)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(endpoint.EventToAPI(ev))
			if err != nil {
				s.logger.Error("failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			if ev.Type == domain.EventExecutionStatus {
				if st, err := domain.ParseExecutionStatus(ev.Status); err == nil && st.IsTerminal() {
					return
				}
			}
		}
	}
}
