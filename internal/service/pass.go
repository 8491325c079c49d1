package service

import (
	"context"
	"fmt"
	"time"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/graph"
	"github.com/example/epicflow/internal/storage"
)

// pass is one locked unit of work on an execution. Side effects collected
// during the pass run only after the transaction commits and the execution
// lock is released.
type pass struct {
	uow   storage.UnitOfWork
	exec  *domain.Execution
	graph *graph.Graph
	now   time.Time

	execDirty bool
	events    []domain.Event
	starts    []assignment
	stops     []stopCall
	retries   []time.Duration
	retrigger string // non-empty re-runs dispatch with this trigger name
	gate      bool
}

type assignment struct {
	worker *domain.WorkerProfile
	req    *StartRequest
}

type stopCall struct {
	worker *domain.WorkerProfile
	req    *StopRequest
	// skipOnAck marks the attempt skipped once the worker confirms the stop
	skipOnAck bool
}

func (p *pass) update(ctx context.Context, st *domain.Subtask) error {
	if err := p.uow.Subtasks().Update(ctx, st); err != nil {
		return fmt.Errorf("failed to update subtask %s: %w", st.Label(), err)
	}
	return nil
}

func (p *pass) emit(typ domain.EventType, st *domain.Subtask, message string) {
	ev := domain.Event{
		Type:        typ,
		ExecutionID: p.exec.ID,
		Message:     message,
		At:          time.Now().UTC(),
	}
	if st != nil {
		ev.SubtaskID = st.ID
		ev.Status = st.Status.String()
	} else {
		ev.Status = p.exec.Status.String()
	}
	p.events = append(p.events, ev)
}

func (p *pass) retryAfter(delay time.Duration) {
	p.retries = append(p.retries, delay)
}

// finish moves the execution to a terminal status.
func (p *pass) finish(to domain.ExecutionStatus, message string) error {
	if err := p.exec.Finish(to, message); err != nil {
		return err
	}
	p.execDirty = true
	p.emit(domain.EventExecutionStatus, nil, message)
	return nil
}

// stopAttempt queues a best-effort Stop for the current attempt of st.
func (p *pass) stopAttempt(ctx context.Context, st *domain.Subtask, reason string, skipOnAck bool) {
	if st.AssignedWorkerID == "" || st.AttemptToken == "" {
		return
	}
	w, err := p.uow.Workers().Get(ctx, st.AssignedWorkerID)
	if err != nil {
		return
	}
	p.stops = append(p.stops, stopCall{
		worker: w,
		req: &StopRequest{
			ExecutionID:  st.ExecutionID,
			SubtaskID:    st.ID,
			AttemptToken: st.AttemptToken,
			Reason:       reason,
		},
		skipOnAck: skipOnAck,
	})
}

// withExecution runs fn as one pass on execID, settles the execution,
// commits and then applies the collected side effects.
func (d *Dispatcher) withExecution(ctx context.Context, execID string, fn func(ctx context.Context, p *pass) error) (*pass, error) {
	p, err := d.locked(ctx, execID, fn)
	if err != nil {
		return nil, err
	}
	d.apply(ctx, p)
	return p, nil
}

func (d *Dispatcher) locked(ctx context.Context, execID string, fn func(ctx context.Context, p *pass) error) (*pass, error) {
	unlock := d.locks.Lock(execID)
	defer unlock()

	uow, err := d.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	exec, err := uow.Executions().Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	subtasks, err := uow.Subtasks().List(ctx, execID, storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load subtasks: %w", err)
	}

	p := &pass{
		uow:   uow,
		exec:  exec,
		graph: graph.New(subtasks),
		now:   time.Now().UTC(),
	}
	if err := fn(ctx, p); err != nil {
		return nil, err
	}
	if err := d.settle(p); err != nil {
		return nil, err
	}
	if p.execDirty {
		if err := uow.Executions().Update(ctx, exec); err != nil {
			return nil, fmt.Errorf("failed to update execution: %w", err)
		}
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return p, nil
}

// apply performs the side effects of a committed pass.
func (d *Dispatcher) apply(ctx context.Context, p *pass) {
	execID := p.exec.ID
	bg := context.WithoutCancel(ctx)
	if p.exec.Status.IsTerminal() {
		d.metrics.InFlight().Delete(execID)
	} else {
		d.metrics.InFlight().Set(execID, float64(p.graph.InFlight()))
	}

	for _, ev := range p.events {
		d.events.Publish(ev)
	}
	for _, s := range p.stops {
		s := s
		d.goTracked(func() { d.stop(bg, s) })
	}
	for _, a := range p.starts {
		a := a
		d.goTracked(func() { d.start(bg, a) })
	}
	for _, delay := range p.retries {
		d.scheduleTrigger(execID, delay)
	}
	if p.gate && d.gate != nil && d.markGating(execID) {
		d.goTracked(func() { d.runGate(bg, execID) })
	}
	if p.retrigger != "" {
		if err := d.Trigger(bg, execID, p.retrigger); err != nil {
			d.logger.Error("dispatch pass failed", "execution_id", execID, "trigger", p.retrigger, "error", err)
		}
	}
}
