package service

import (
	"context"
	"fmt"

	"github.com/example/epicflow/internal/domain"
)

// resolveAttempt finds the attempt a callback targets. It returns false
// when the attempt is already resolved, which makes repeated callbacks
// no-ops. An empty token targets whatever attempt is current.
func resolveAttempt(p *pass, subtaskID, token string) (*domain.Subtask, bool, error) {
	st, ok := p.graph.Get(subtaskID)
	if !ok {
		return nil, false, fmt.Errorf("%w: subtask %s in execution %s", domain.ErrNotFound, subtaskID, p.exec.ID)
	}
	if token != "" && token != st.AttemptToken {
		return nil, false, fmt.Errorf("%w: subtask %s", domain.ErrStaleAttempt, st.Label())
	}
	if st.Status.IsInFlight() {
		return st, true, nil
	}
	if token == "" && !st.Status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: subtask %s has no attempt in flight", domain.ErrInvalidState, st.Label())
	}
	return st, false, nil
}

// acknowledgeStart moves an assigned attempt to running.
func (d *Dispatcher) acknowledgeStart(ctx context.Context, execID, subtaskID, token string) (*domain.Subtask, error) {
	var out *domain.Subtask
	_, err := d.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		st, active, err := resolveAttempt(p, subtaskID, token)
		out = st
		if err != nil || !active || st.Status != domain.SubtaskStatusAssigned {
			return err
		}
		if err := st.SetStatus(domain.SubtaskStatusRunning); err != nil {
			return err
		}
		if err := p.update(ctx, st); err != nil {
			return err
		}
		p.emit(domain.EventSubtaskRunning, st, "")
		return nil
	})
	return out, err
}

// reportProgress records a heartbeat, moving an assigned attempt to
// running when the start acknowledgement was lost.
func (d *Dispatcher) reportProgress(ctx context.Context, execID, subtaskID, token, message string) (*domain.Subtask, error) {
	var out *domain.Subtask
	_, err := d.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		st, active, err := resolveAttempt(p, subtaskID, token)
		out = st
		if err != nil || !active {
			return err
		}
		if st.Status == domain.SubtaskStatusAssigned {
			if err := st.SetStatus(domain.SubtaskStatusRunning); err != nil {
				return err
			}
			p.emit(domain.EventSubtaskRunning, st, "")
		}
		st.Touch(p.now)
		if err := p.update(ctx, st); err != nil {
			return err
		}
		p.emit(domain.EventSubtaskProgress, st, message)
		return nil
	})
	return out, err
}

// completeAttempt records a successful attempt and re-triggers dispatch.
func (d *Dispatcher) completeAttempt(ctx context.Context, execID, subtaskID, token, output string) (*domain.Subtask, error) {
	var out *domain.Subtask
	_, err := d.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		st, active, err := resolveAttempt(p, subtaskID, token)
		out = st
		if err != nil || !active {
			return err
		}
		if err := st.SetStatus(domain.SubtaskStatusCompleted); err != nil {
			return err
		}
		st.Output = output
		st.ErrorMessage = ""
		if err := p.update(ctx, st); err != nil {
			return err
		}
		p.emit(domain.EventSubtaskCompleted, st, "")
		d.metrics.SubtaskOutcomes().WithLabels(domain.SubtaskStatusCompleted.String()).Inc()
		d.logger.Info("subtask completed",
			"execution_id", execID, "subtask_id", st.ID, "ref", st.Ref)
		p.retrigger = "completion"
		return nil
	})
	return out, err
}

// failReported records a failure reported by the worker.
func (d *Dispatcher) failReported(ctx context.Context, execID, subtaskID, token, reason string) (*domain.Subtask, error) {
	var out *domain.Subtask
	_, err := d.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		st, active, err := resolveAttempt(p, subtaskID, token)
		out = st
		if err != nil || !active {
			return err
		}
		p.retrigger = "failure"
		return d.failAttempt(ctx, p, st, domain.ErrWorkerExecutionFailed, reason)
	})
	return out, err
}

// startFailed records a failed WorkerClient.Start call.
func (d *Dispatcher) startFailed(ctx context.Context, execID, subtaskID, token string, cause error) {
	_, err := d.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		st, ok := p.graph.Get(subtaskID)
		if !ok || st.AttemptToken != token || !st.Status.IsInFlight() {
			return nil
		}
		p.retrigger = "start_failure"
		return d.failAttempt(ctx, p, st, domain.ErrWorkerStartFailed, cause.Error())
	})
	if err != nil {
		d.logger.Error("failed to record start failure",
			"execution_id", execID, "subtask_id", subtaskID, "error", err)
	}
}
