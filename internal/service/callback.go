package service

import (
	"context"
	"fmt"

	"github.com/example/epicflow/internal/domain"
)

// CallbackService handles callbacks from workers and manual overrides from
// the API. Every request is keyed by execution, subtask and attempt token.
type CallbackService struct {
	dispatcher *Dispatcher
}

// NewCallbackService creates a new callback service.
func NewCallbackService(dispatcher *Dispatcher) *CallbackService {
	return &CallbackService{dispatcher: dispatcher}
}

// AttemptRef identifies the attempt a callback is about. An empty
// AttemptToken targets the current attempt.
type AttemptRef struct {
	ExecutionID  string
	SubtaskID    string
	AttemptToken string
}

func (r AttemptRef) validate() error {
	if r.ExecutionID == "" || r.SubtaskID == "" {
		return fmt.Errorf("%w: execution_id and subtask_id are required", domain.ErrInvalidArgument)
	}
	return nil
}

// AcknowledgeStart marks an assigned attempt as running.
func (s *CallbackService) AcknowledgeStart(ctx context.Context, ref AttemptRef) (*domain.Subtask, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	return s.dispatcher.acknowledgeStart(ctx, ref.ExecutionID, ref.SubtaskID, ref.AttemptToken)
}

// ReportProgressRequest is the request for ReportProgress.
type ReportProgressRequest struct {
	AttemptRef
	Message string
}

// ReportProgress records a heartbeat for an attempt.
func (s *CallbackService) ReportProgress(ctx context.Context, req *ReportProgressRequest) (*domain.Subtask, error) {
	if req == nil {
		return nil, domain.ErrInvalidArgument
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.dispatcher.reportProgress(ctx, req.ExecutionID, req.SubtaskID, req.AttemptToken, req.Message)
}

// CompleteSubtaskRequest is the request for CompleteSubtask.
type CompleteSubtaskRequest struct {
	AttemptRef
	Output string
}

// CompleteSubtask records a successful attempt.
func (s *CallbackService) CompleteSubtask(ctx context.Context, req *CompleteSubtaskRequest) (*domain.Subtask, error) {
	if req == nil {
		return nil, domain.ErrInvalidArgument
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.dispatcher.completeAttempt(ctx, req.ExecutionID, req.SubtaskID, req.AttemptToken, req.Output)
}

// FailSubtaskRequest is the request for FailSubtask.
type FailSubtaskRequest struct {
	AttemptRef
	Reason string
}

// FailSubtask records a failed attempt. The subtask is retried while it has
// retries left.
func (s *CallbackService) FailSubtask(ctx context.Context, req *FailSubtaskRequest) (*domain.Subtask, error) {
	if req == nil {
		return nil, domain.ErrInvalidArgument
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return s.dispatcher.failReported(ctx, req.ExecutionID, req.SubtaskID, req.AttemptToken, reason)
}
