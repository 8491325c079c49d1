// Package client is a Go client for the epicflow REST API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/epicflow/pkg/api"
)

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Code       string // gRPC-style code name, e.g. "NotFound"
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("epicflow: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("epicflow: %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a NotFound response.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// Client calls an epicflow server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body api.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		e.Code = body.Code
		e.Message = body.Error
	} else {
		e.Message = strings.TrimSpace(string(data))
	}
	return e
}

func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func executionPath(execID string, parts ...string) string {
	return "/api/executions/" + url.PathEscape(execID) + joinPath(parts)
}

func joinPath(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// CreateEpic creates an epic task.
func (c *Client) CreateEpic(ctx context.Context, req *api.CreateEpicRequest) (*api.Epic, error) {
	var out api.Epic
	if err := c.send(ctx, http.MethodPost, "/api/epics", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEpics lists epic tasks.
func (c *Client) ListEpics(ctx context.Context) ([]api.Epic, error) {
	var out api.ListEpicsResponse
	if err := c.get(ctx, "/api/epics", &out); err != nil {
		return nil, err
	}
	return out.Epics, nil
}

// GetEpic returns an epic task.
func (c *Client) GetEpic(ctx context.Context, epicID string) (*api.Epic, error) {
	var out api.Epic
	if err := c.get(ctx, "/api/epics/"+url.PathEscape(epicID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteEpic deletes an epic task with its executions.
func (c *Client) DeleteEpic(ctx context.Context, epicID string) error {
	return c.send(ctx, http.MethodDelete, "/api/epics/"+url.PathEscape(epicID), nil, nil)
}

// CreateExecution creates an execution of an epic, or returns the active one.
// maxParallel of zero uses the server default.
func (c *Client) CreateExecution(ctx context.Context, epicID string, maxParallel int) (*api.Execution, error) {
	var out api.Execution
	path := "/api/epics/" + url.PathEscape(epicID) + "/executions"
	if err := c.send(ctx, http.MethodPost, path, &api.CreateExecutionRequest{MaxParallelWorkers: maxParallel}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListExecutions lists executions matching req.
func (c *Client) ListExecutions(ctx context.Context, req *api.ListExecutionsRequest) ([]api.Execution, error) {
	q := url.Values{}
	if req != nil {
		if req.EpicTaskID != "" {
			q.Set("epic", req.EpicTaskID)
		}
		for _, st := range req.Statuses {
			q.Add("status", st)
		}
		if req.Limit > 0 {
			q.Set("limit", strconv.Itoa(req.Limit))
		}
	}
	path := "/api/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.ListExecutionsResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// GetExecution returns an execution with its subtasks and progress.
func (c *Client) GetExecution(ctx context.Context, execID string) (*api.ExecutionDetail, error) {
	var out api.ExecutionDetail
	if err := c.get(ctx, executionPath(execID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProgress returns the progress summary of an execution.
func (c *Client) GetProgress(ctx context.Context, execID string) (*api.Progress, error) {
	var out api.Progress
	if err := c.get(ctx, executionPath(execID, "progress"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubtasks returns the subtasks of an execution.
func (c *Client) ListSubtasks(ctx context.Context, execID string) ([]api.Subtask, error) {
	var out api.ListSubtasksResponse
	if err := c.get(ctx, executionPath(execID, "subtasks"), &out); err != nil {
		return nil, err
	}
	return out.Subtasks, nil
}

// GeneratePlan asks the server's planner for a plan.
func (c *Client) GeneratePlan(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, execID, "plan")
}

// SubmitPlan submits a plan document.
func (c *Client) SubmitPlan(ctx context.Context, execID string, plan *api.Plan) (*api.Execution, error) {
	var out api.Execution
	if err := c.send(ctx, http.MethodPut, executionPath(execID, "plan"), plan, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitPlanYAML submits a plan document in YAML form.
func (c *Client) SubmitPlanYAML(ctx context.Context, execID string, doc []byte) (*api.Execution, error) {
	var out api.Execution
	if err := c.do(ctx, http.MethodPut, executionPath(execID, "plan"), "application/yaml", bytes.NewReader(doc), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start begins dispatching a planned execution.
func (c *Client) Start(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, execID, "start")
}

// Pause stops new dispatches.
func (c *Client) Pause(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, execID, "pause")
}

// Resume resumes a paused execution.
func (c *Client) Resume(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, execID, "resume")
}

// Cancel requests cancellation.
func (c *Client) Cancel(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, execID, "cancel")
}

func (c *Client) lifecycle(ctx context.Context, execID, op string) (*api.Execution, error) {
	var out api.Execution
	if err := c.send(ctx, http.MethodPost, executionPath(execID, op), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcknowledgeStart reports that a worker began an attempt.
func (c *Client) AcknowledgeStart(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, req, "ack")
}

// ReportProgress records attempt progress.
func (c *Client) ReportProgress(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, req, "progress")
}

// CompleteSubtask reports success.
func (c *Client) CompleteSubtask(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, req, "complete")
}

// FailSubtask reports failure.
func (c *Client) FailSubtask(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, req, "fail")
}

func (c *Client) callback(ctx context.Context, req *api.AttemptRequest, op string) (*api.Subtask, error) {
	var out api.Subtask
	body := &api.AttemptRequest{AttemptToken: req.AttemptToken, Message: req.Message, Output: req.Output, Reason: req.Reason}
	if err := c.send(ctx, http.MethodPost, executionPath(req.ExecutionID, "subtasks", req.SubtaskID, op), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterWorker adds a profile to the capability registry.
func (c *Client) RegisterWorker(ctx context.Context, req *api.RegisterWorkerRequest) (*api.Worker, error) {
	var out api.Worker
	if err := c.send(ctx, http.MethodPost, "/api/workers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkers lists registered workers.
func (c *Client) ListWorkers(ctx context.Context, activeOnly bool) ([]api.Worker, error) {
	path := "/api/workers"
	if activeOnly {
		path += "?active=true"
	}
	var out api.ListWorkersResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// GetWorker returns one worker profile.
func (c *Client) GetWorker(ctx context.Context, workerID string) (*api.Worker, error) {
	var out api.Worker
	if err := c.get(ctx, "/api/workers/"+url.PathEscape(workerID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWorker changes the non-nil fields of a profile.
func (c *Client) UpdateWorker(ctx context.Context, req *api.UpdateWorkerRequest) (*api.Worker, error) {
	var out api.Worker
	if err := c.send(ctx, http.MethodPatch, "/api/workers/"+url.PathEscape(req.ID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetWorkerActive enables or disables a worker.
func (c *Client) SetWorkerActive(ctx context.Context, workerID string, active bool) (*api.Worker, error) {
	var out api.Worker
	path := "/api/workers/" + url.PathEscape(workerID) + "/active"
	if err := c.send(ctx, http.MethodPut, path, &api.SetWorkerActiveRequest{Active: active}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorker removes a worker profile.
func (c *Client) DeleteWorker(ctx context.Context, workerID string) error {
	return c.send(ctx, http.MethodDelete, "/api/workers/"+url.PathEscape(workerID), nil, nil)
}

// WorkerSkills lists the catalog skills a worker holds.
func (c *Client) WorkerSkills(ctx context.Context, workerID string) ([]api.WorkerSkill, error) {
	var out []api.WorkerSkill
	if err := c.get(ctx, "/api/workers/"+url.PathEscape(workerID)+"/skills", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignSkill gives a worker a catalog skill. Proficiency ranges 1..5;
// 0 selects the default.
func (c *Client) AssignSkill(ctx context.Context, workerID, skillID string, proficiency int) (*api.Worker, error) {
	var out api.Worker
	path := "/api/workers/" + url.PathEscape(workerID) + "/skills/" + url.PathEscape(skillID)
	if err := c.send(ctx, http.MethodPut, path, &api.WorkerSkillRequest{Proficiency: proficiency}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnassignSkill removes a skill from a worker.
func (c *Client) UnassignSkill(ctx context.Context, workerID, skillID string) (*api.Worker, error) {
	var out api.Worker
	path := "/api/workers/" + url.PathEscape(workerID) + "/skills/" + url.PathEscape(skillID)
	if err := c.send(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSkill adds a skill to the catalog.
func (c *Client) CreateSkill(ctx context.Context, req *api.CreateSkillRequest) (*api.Skill, error) {
	var out api.Skill
	if err := c.send(ctx, http.MethodPost, "/api/skills", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSkills lists the catalog, optionally restricted to one category.
func (c *Client) ListSkills(ctx context.Context, category string) ([]api.Skill, error) {
	path := "/api/skills"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var out api.ListSkillsResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

// GetSkill returns one catalog entry.
func (c *Client) GetSkill(ctx context.Context, skillID string) (*api.Skill, error) {
	var out api.Skill
	if err := c.get(ctx, "/api/skills/"+url.PathEscape(skillID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSkill changes the non-nil fields of a skill.
func (c *Client) UpdateSkill(ctx context.Context, req *api.UpdateSkillRequest) (*api.Skill, error) {
	var out api.Skill
	if err := c.send(ctx, http.MethodPatch, "/api/skills/"+url.PathEscape(req.ID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSkill removes a skill and every assignment of it.
func (c *Client) DeleteSkill(ctx context.Context, skillID string) error {
	return c.send(ctx, http.MethodDelete, "/api/skills/"+url.PathEscape(skillID), nil, nil)
}

// Events streams the server-sent events of an execution to fn. It returns
// nil when the server ends the stream after the execution finishes.
func (c *Client) Events(ctx context.Context, execID string, fn func(api.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+executionPath(execID, "events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout on the configured client.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
