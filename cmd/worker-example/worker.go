package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/pkg/api"
)

// callbacks is the part of the orchestrator API a worker reports through.
type callbacks interface {
	AcknowledgeStart(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error)
	ReportProgress(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error)
	CompleteSubtask(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error)
	FailSubtask(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error)
}

type workerOptions struct {
	Steps     int
	StepDelay time.Duration
	FailRate  float64
}

// exampleWorker implements service.WorkerClient. Each accepted attempt runs
// in its own goroutine until it finishes or is stopped.
type exampleWorker struct {
	orch   callbacks
	opts   workerOptions
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // attempt token -> cancel
	wg      sync.WaitGroup
}

func newExampleWorker(orch callbacks, opts workerOptions, logger *slog.Logger) *exampleWorker {
	if opts.Steps <= 0 {
		opts.Steps = 1
	}
	return &exampleWorker{
		orch:    orch,
		opts:    opts,
		logger:  logger.With("component", "worker"),
		running: make(map[string]context.CancelFunc),
	}
}

// Start accepts an attempt and returns immediately.
func (w *exampleWorker) Start(ctx context.Context, req *service.StartRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.running[req.AttemptToken]; dup {
		return nil
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if req.Deadline.IsZero() {
		runCtx, cancel = context.WithCancel(context.Background())
	} else {
		runCtx, cancel = context.WithDeadline(context.Background(), req.Deadline)
	}
	w.running[req.AttemptToken] = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.forget(req.AttemptToken)
		w.run(runCtx, req)
	}()
	return nil
}

// Stop abandons an attempt. Unknown tokens are ignored.
func (w *exampleWorker) Stop(ctx context.Context, req *service.StopRequest) error {
	w.mu.Lock()
	cancel, ok := w.running[req.AttemptToken]
	w.mu.Unlock()
	if ok {
		w.logger.Info("stopping attempt", "subtask_id", req.SubtaskID, "reason", req.Reason)
		cancel()
	}
	return nil
}

// StopAll cancels every attempt and waits for them to return.
func (w *exampleWorker) StopAll() {
	w.mu.Lock()
	for _, cancel := range w.running {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *exampleWorker) forget(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.running[token]; ok {
		cancel()
		delete(w.running, token)
	}
}

func (w *exampleWorker) active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *exampleWorker) run(ctx context.Context, req *service.StartRequest) {
	logger := w.logger.With("execution_id", req.ExecutionID, "subtask_id", req.SubtaskID, "ref", req.Ref)
	ref := api.AttemptRequest{ExecutionID: req.ExecutionID, SubtaskID: req.SubtaskID, AttemptToken: req.AttemptToken}

	if !w.report(ctx, logger, "ack", w.orch.AcknowledgeStart, ref) {
		return
	}
	logger.Info("working", "title", req.Title, "branch", req.BranchName, "prompt_modifiers", len(req.PromptModifiers))

	for step := 1; step <= w.opts.Steps; step++ {
		select {
		case <-ctx.Done():
			logger.Info("attempt abandoned", "step", step)
			return
		case <-time.After(w.opts.StepDelay):
		}
		progress := ref
		progress.Message = fmt.Sprintf("step %d/%d", step, w.opts.Steps)
		if !w.report(ctx, logger, "progress", w.orch.ReportProgress, progress) {
			return
		}
	}

	if w.opts.FailRate > 0 && rand.Float64() < w.opts.FailRate {
		failed := ref
		failed.Reason = "simulated failure"
		w.report(ctx, logger, "fail", w.orch.FailSubtask, failed)
		return
	}
	done := ref
	done.Output = fmt.Sprintf("%s done on %s", req.Title, req.BranchName)
	if w.report(ctx, logger, "complete", w.orch.CompleteSubtask, done) {
		logger.Info("attempt completed")
	}
}

// report sends one callback. It returns false when the attempt should end:
// the context is done or the orchestrator no longer knows the token.
func (w *exampleWorker) report(ctx context.Context, logger *slog.Logger, what string,
	call func(context.Context, *api.AttemptRequest) (*api.Subtask, error), req api.AttemptRequest) bool {
	if ctx.Err() != nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := call(cctx, &req); err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			logger.Info("attempt superseded", "callback", what)
		} else {
			logger.Warn("callback failed", "callback", what, "error", err)
		}
		return false
	}
	return true
}
