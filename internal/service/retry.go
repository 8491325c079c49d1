package service

import (
	"context"
	"fmt"
	"time"

	"github.com/example/epicflow/internal/domain"
)

// RetryPolicy computes the backoff before a failed subtask is retried.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration // 0 means uncapped
}

// Delay returns base·2^(attempt-1), capped at MaxDelay. attempt starts at 1.
func (r RetryPolicy) Delay(attempt int) time.Duration {
	if r.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := r.BaseDelay
	for i := 1; i < attempt; i++ {
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// failAttempt records the failure of the current attempt of st. The subtask
// goes back to pending with a backoff while retries remain; otherwise it is
// terminally failed and its pending dependents are skipped. While a cancel
// is draining, failures are recorded as skipped and never retried.
func (d *Dispatcher) failAttempt(ctx context.Context, p *pass, st *domain.Subtask, cause error, detail string) error {
	reason := cause.Error()
	if detail != "" {
		reason = fmt.Sprintf("%s: %s", cause, detail)
	}

	if p.exec.CancelRequested() || !p.exec.Status.IsRunning() {
		return d.skip(ctx, p, st, "execution cancelled: "+reason)
	}

	if err := st.SetStatus(domain.SubtaskStatusFailed); err != nil {
		return err
	}
	st.ErrorMessage = reason

	if st.CanRetry() && !p.exec.DeadlineExceeded(p.now) {
		st.RetryCount++
		if err := st.SetStatus(domain.SubtaskStatusPending); err != nil {
			return err
		}
		delay := d.retry.Delay(st.RetryCount)
		notBefore := p.now.Add(delay)
		st.NotBefore = &notBefore
		st.AssignedWorkerID = ""
		st.StartedAt = nil
		st.CompletedAt = nil
		if err := p.update(ctx, st); err != nil {
			return err
		}
		p.emit(domain.EventSubtaskRetrying, st,
			fmt.Sprintf("retry %d/%d in %s: %s", st.RetryCount, st.MaxRetries, delay, reason))
		p.retryAfter(delay)
		d.metrics.RetriesScheduled().Inc()
		d.logger.Info("subtask retry scheduled",
			"execution_id", st.ExecutionID, "subtask_id", st.ID, "ref", st.Ref,
			"attempt", st.RetryCount, "delay", delay, "reason", reason)
		return nil
	}

	if err := p.update(ctx, st); err != nil {
		return err
	}
	p.emit(domain.EventSubtaskFailed, st, reason)
	d.metrics.SubtaskOutcomes().WithLabels(domain.SubtaskStatusFailed.String()).Inc()
	d.logger.Warn("subtask failed",
		"execution_id", st.ExecutionID, "subtask_id", st.ID, "ref", st.Ref, "reason", reason)

	for _, dep := range p.graph.Dependents(st.ID) {
		if dep.Status != domain.SubtaskStatusPending {
			continue
		}
		if err := d.skip(ctx, p, dep, "dependency unreachable: "+st.Label()); err != nil {
			return err
		}
		d.metrics.CascadeSkips().Inc()
	}
	return nil
}

// skip moves st to skipped with reason.
func (d *Dispatcher) skip(ctx context.Context, p *pass, st *domain.Subtask, reason string) error {
	if err := st.SetStatus(domain.SubtaskStatusSkipped); err != nil {
		return err
	}
	st.ErrorMessage = reason
	if err := p.update(ctx, st); err != nil {
		return err
	}
	p.emit(domain.EventSubtaskSkipped, st, reason)
	d.metrics.SubtaskOutcomes().WithLabels(domain.SubtaskStatusSkipped.String()).Inc()
	return nil
}

// skipPending skips every pending subtask of the pass.
func (d *Dispatcher) skipPending(ctx context.Context, p *pass, reason string) error {
	for _, st := range p.graph.Subtasks() {
		if st.Status != domain.SubtaskStatusPending {
			continue
		}
		if err := d.skip(ctx, p, st, reason); err != nil {
			return err
		}
	}
	return nil
}

// skipUnreachable skips pending subtasks with a failed or skipped
// dependency until none remain.
func (d *Dispatcher) skipUnreachable(ctx context.Context, p *pass) error {
	for {
		unreachable := p.graph.Unreachable()
		if len(unreachable) == 0 {
			return nil
		}
		for _, st := range unreachable {
			cause := ""
			for _, depID := range st.DependsOn {
				if dep, ok := p.graph.Get(depID); ok && dep.Status.IsUnreachableCause() {
					cause = dep.Label()
					break
				}
			}
			if err := d.skip(ctx, p, st, "dependency unreachable: "+cause); err != nil {
				return err
			}
			d.metrics.CascadeSkips().Inc()
		}
	}
}
