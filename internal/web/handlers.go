package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/pkg/api"
)

const maxBodyBytes = 4 << 20

// serve runs ep and writes its response, or the mapped error.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, ep endpoint.Endpoint, req any, okStatus int) {
	resp, err := ep(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, okStatus, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// decodePlan accepts a plan document as JSON or, by content type, YAML.
func decodePlan(r *http.Request) (*api.Plan, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, domain.ErrPlanEmpty
	}

	var plan api.Plan
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		if err := yaml.Unmarshal(body, &plan); err != nil {
			return nil, fmt.Errorf("%w: malformed YAML: %v", domain.ErrPlanInvalid, err)
		}
	default:
		if err := json.Unmarshal(body, &plan); err != nil {
			return nil, fmt.Errorf("%w: malformed JSON: %v", domain.ErrPlanInvalid, err)
		}
	}
	return &plan, nil
}

func (s *Server) createEpic(w http.ResponseWriter, r *http.Request) {
	var req api.CreateEpicRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serve(w, r, s.endpoints.CreateEpic, &req, http.StatusCreated)
}

func (s *Server) listEpics(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.ListEpics, nil, http.StatusOK)
}

func (s *Server) getEpic(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.GetEpic, r.PathValue("id"), http.StatusOK)
}

func (s *Server) deleteEpic(w http.ResponseWriter, r *http.Request) {
	if _, err := s.endpoints.DeleteEpic(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEpicExecutions(w http.ResponseWriter, r *http.Request) {
	req, err := listRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.EpicTaskID = r.PathValue("id")
	s.serve(w, r, s.endpoints.ListExecutions, req, http.StatusOK)
}

func (s *Server) createExecution(w http.ResponseWriter, r *http.Request) {
	var req api.CreateExecutionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.EpicTaskID = r.PathValue("id")
	s.serve(w, r, s.endpoints.CreateExecution, &req, http.StatusCreated)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	req, err := listRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serve(w, r, s.endpoints.ListExecutions, req, http.StatusOK)
}

// listRequest reads ?epic=, ?status= (repeatable or comma separated) and ?limit=.
func listRequest(r *http.Request) (*api.ListExecutionsRequest, error) {
	q := r.URL.Query()
	req := &api.ListExecutionsRequest{EpicTaskID: q.Get("epic")}
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				req.Statuses = append(req.Statuses, st)
			}
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidArgument)
		}
		req.Limit = n
	}
	return req, nil
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.GetExecution, &api.ExecutionRequest{ExecutionID: r.PathValue("id")}, http.StatusOK)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.GetProgress, &api.ExecutionRequest{ExecutionID: r.PathValue("id")}, http.StatusOK)
}

func (s *Server) listSubtasks(w http.ResponseWriter, r *http.Request) {
	resp, err := s.endpoints.GetExecution(r.Context(), &api.ExecutionRequest{ExecutionID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail := resp.(*api.ExecutionDetail)
	writeJSON(w, http.StatusOK, &api.ListSubtasksResponse{Subtasks: detail.Subtasks})
}

func (s *Server) submitPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := decodePlan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serve(w, r, s.endpoints.SubmitPlan, &api.SubmitPlanRequest{ExecutionID: r.PathValue("id"), Plan: plan}, http.StatusOK)
}

// lifecycle serves an execution lifecycle call with an empty body.
func (s *Server) lifecycle(pick func(endpoint.Endpoints) endpoint.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, pick(s.endpoints), &api.ExecutionRequest{ExecutionID: r.PathValue("id")}, http.StatusOK)
	}
}

// callback serves a worker callback; the path names the attempt's subtask.
func (s *Server) callback(pick func(endpoint.Endpoints) endpoint.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.AttemptRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		req.ExecutionID = r.PathValue("id")
		req.SubtaskID = r.PathValue("sid")
		s.serve(w, r, pick(s.endpoints), &req, http.StatusOK)
	}
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	s.serve(w, r, s.endpoints.ListWorkers, &api.ListWorkersRequest{ActiveOnly: activeOnly}, http.StatusOK)
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterWorkerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serve(w, r, s.endpoints.RegisterWorker, &req, http.StatusCreated)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.GetWorker, r.PathValue("id"), http.StatusOK)
}

func (s *Server) updateWorker(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateWorkerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ID = r.PathValue("id")
	s.serve(w, r, s.endpoints.UpdateWorker, &req, http.StatusOK)
}

func (s *Server) setWorkerActive(w http.ResponseWriter, r *http.Request) {
	var req api.SetWorkerActiveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ID = r.PathValue("id")
	s.serve(w, r, s.endpoints.SetWorkerActive, &req, http.StatusOK)
}

func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	if _, err := s.endpoints.DeleteWorker(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkerSkills(w http.ResponseWriter, r *http.Request) {
	resp, err := s.endpoints.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.(*api.Worker).Skills)
}

// workerSkill serves skill assignment on a worker. An empty body selects
// the default proficiency.
func (s *Server) workerSkill(pick func(endpoint.Endpoints) endpoint.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.WorkerSkillRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		req.WorkerID = r.PathValue("id")
		req.SkillID = r.PathValue("skillId")
		s.serve(w, r, pick(s.endpoints), &req, http.StatusOK)
	}
}

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.ListSkills, &api.ListSkillsRequest{Category: r.URL.Query().Get("category")}, http.StatusOK)
}

func (s *Server) createSkill(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSkillRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serve(w, r, s.endpoints.CreateSkill, &req, http.StatusCreated)
}

func (s *Server) getSkill(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.endpoints.GetSkill, r.PathValue("id"), http.StatusOK)
}

func (s *Server) updateSkill(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateSkillRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ID = r.PathValue("id")
	s.serve(w, r, s.endpoints.UpdateSkill, &req, http.StatusOK)
}

func (s *Server) deleteSkill(w http.ResponseWriter, r *http.Request) {
	if _, err := s.endpoints.DeleteSkill(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := status.Convert(endpoint.MapErrorToStatus(err))
	code := statusFor(st.Code())
	if code >= http.StatusInternalServerError && !errors.Is(err, r.Context().Err()) {
		s.logger.ErrorContext(r.Context(), "request error", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, &api.ErrorResponse{Error: st.Message(), Code: st.Code().String()})
}

// statusFor maps a gRPC code to its HTTP status.
func statusFor(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
