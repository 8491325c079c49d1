package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/logging"
	"github.com/example/epicflow/internal/observability"
	"github.com/example/epicflow/internal/storage"
	"github.com/example/epicflow/pkg/id"
)

const tracerName = "github.com/example/epicflow/internal/service"

// Dispatcher assigns ready subtasks to workers. It is event driven: every
// state change that can free capacity or unblock a subtask triggers a pass,
// and a periodic sweep handles timeouts, deadlines and due retries.
type Dispatcher struct {
	storage storage.Storage
	locks   *KeyedMutex
	clients WorkerClientFactory
	events  *EventBroadcaster
	config  Config
	retry   RetryPolicy
	gate    CompletionGate
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	gatingMu sync.Mutex
	gating   map[string]bool

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher. A nil logger discards output and
// nil metrics are replaced by a private registry.
func NewDispatcher(
	store storage.Storage,
	clients WorkerClientFactory,
	events *EventBroadcaster,
	config Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if events == nil {
		events = NewEventBroadcaster()
	}
	return &Dispatcher{
		storage: store,
		locks:   NewKeyedMutex(),
		clients: clients,
		events:  events,
		config:  config,
		retry:   config.retryPolicy(),
		metrics: metrics,
		logger:  logging.OrDiscard(logger).With("component", "dispatcher"),
		tracer:  otel.Tracer(tracerName),
		gating:  make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// SetClientFactory replaces the worker client factory.
func (d *Dispatcher) SetClientFactory(factory WorkerClientFactory) {
	d.clients = factory
}

// SetCompletionGate installs a gate consulted before an execution whose
// subtasks all succeeded is marked completed. nil disables the gate.
func (d *Dispatcher) SetCompletionGate(gate CompletionGate) {
	d.gate = gate
}

// Events returns the broadcaster state changes are published on.
func (d *Dispatcher) Events() *EventBroadcaster {
	return d.events
}

// Start begins the sweep and status loops and re-triggers every executing
// execution so work interrupted by a restart resumes.
func (d *Dispatcher) Start() {
	d.goTracked(d.sweepLoop)
	d.goTracked(d.statusLoop)
	d.goTracked(func() {
		if err := d.TriggerAll(context.Background(), "recovery"); err != nil {
			d.logger.Error("recovery pass failed", "error", err)
		}
	})
}

// Stop gracefully stops the dispatcher and waits for in-progress worker
// calls to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) goTracked(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Trigger runs one dispatch pass on an execution. Errors are returned to
// the caller for logging; state changes are recorded on the rows.
func (d *Dispatcher) Trigger(ctx context.Context, execID, reason string) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.pass", trace.WithAttributes(
		attribute.String("execution.id", execID),
		attribute.String("trigger", reason),
	))
	defer span.End()

	begin := time.Now()
	defer d.metrics.DispatchPassDuration().WithLabels(reason).Since(begin)

	p, err := d.withExecution(ctx, execID, d.dispatch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.Int("assigned", len(p.starts)),
		attribute.String("execution.status", p.exec.Status.String()),
	)
	return nil
}

// TriggerAll runs a pass on every executing execution.
func (d *Dispatcher) TriggerAll(ctx context.Context, reason string) error {
	execs, err := d.listExecutions(ctx, storage.ListOptions{
		ExecutionStatuses: []domain.ExecutionStatus{domain.ExecutionStatusExecuting},
	})
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if err := d.Trigger(ctx, exec.ID, reason); err != nil {
			d.logger.Error("dispatch pass failed", "execution_id", exec.ID, "trigger", reason, "error", err)
		}
	}
	return nil
}

// dispatch is the body of a pass. Settlement runs afterwards in locked.
func (d *Dispatcher) dispatch(ctx context.Context, p *pass) error {
	exec := p.exec
	if !exec.Status.IsRunning() {
		return nil
	}
	if exec.CancelRequested() {
		return d.skipPending(ctx, p, "execution cancelled")
	}
	if err := d.skipUnreachable(ctx, p); err != nil {
		return err
	}
	if exec.Status != domain.ExecutionStatusExecuting {
		return nil
	}

	capacity := exec.MaxParallelWorkers - p.graph.InFlight()
	if capacity <= 0 {
		return nil
	}
	ready := p.graph.Ready(p.now)
	if len(ready) == 0 {
		return nil
	}

	workers, err := p.uow.Workers().List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	load, err := p.uow.Subtasks().CountInFlightByWorker(ctx)
	if err != nil {
		return fmt.Errorf("failed to count worker load: %w", err)
	}
	epic, err := p.uow.EpicTasks().Get(ctx, exec.EpicTaskID)
	if err != nil {
		return fmt.Errorf("failed to load epic task: %w", err)
	}

	for _, st := range ready {
		if capacity == 0 {
			break
		}
		w := SelectWorker(workers, load, st.RequiredCapabilities)
		if w == nil {
			d.logger.Debug("subtask not assigned",
				"execution_id", exec.ID, "subtask_id", st.ID, "ref", st.Ref,
				"required", st.RequiredCapabilities.String(), "error", domain.ErrNoEligibleWorker)
			continue
		}
		if err := st.Assign(w.ID, id.Generate()); err != nil {
			return err
		}
		if err := p.update(ctx, st); err != nil {
			return err
		}
		load[w.ID]++
		capacity--
		p.emit(domain.EventSubtaskAssigned, st, w.Name)
		p.starts = append(p.starts, assignment{worker: w, req: d.startRequest(p, epic, st, w)})
		d.logger.Info("subtask assigned",
			"execution_id", exec.ID, "subtask_id", st.ID, "ref", st.Ref, "worker", w.Name)
	}
	return nil
}

func (d *Dispatcher) startRequest(p *pass, epic *domain.EpicTask, st *domain.Subtask, w *domain.WorkerProfile) *StartRequest {
	var deadline time.Time
	if d.config.SubtaskTimeout > 0 {
		deadline = p.now.Add(d.config.SubtaskTimeout)
	}
	if p.exec.Deadline != nil && (deadline.IsZero() || p.exec.Deadline.Before(deadline)) {
		deadline = *p.exec.Deadline
	}
	return &StartRequest{
		ExecutionID:          st.ExecutionID,
		SubtaskID:            st.ID,
		WorkItemID:           st.WorkItemID,
		AttemptToken:         st.AttemptToken,
		Ref:                  st.Ref,
		Title:                st.Title,
		Description:          st.Description,
		RequiredCapabilities: append([]string(nil), st.RequiredCapabilities...),
		PromptModifiers:      w.PromptModifiers(st.RequiredCapabilities),
		Workspace:            epic.Workspace,
		BranchName:           st.BranchName,
		CallbackAddr:         d.config.CallbackAddress,
		Deadline:             deadline,
	}
}

// start calls the worker for one assignment. Success acknowledges the
// start; failure goes through the retry path.
func (d *Dispatcher) start(ctx context.Context, a assignment) {
	ctx, cancel := withOptionalTimeout(ctx, d.config.StartTimeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "worker.start", trace.WithAttributes(
		attribute.String("execution.id", a.req.ExecutionID),
		attribute.String("subtask.id", a.req.SubtaskID),
		attribute.String("worker", a.worker.Name),
	))
	defer span.End()

	begin := time.Now()
	err := d.callStart(ctx, a)
	d.metrics.WorkerStartLatency().WithLabels(a.worker.Name).Since(begin)

	bg := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("worker start failed",
			"execution_id", a.req.ExecutionID, "subtask_id", a.req.SubtaskID,
			"worker", a.worker.Name, "error", err)
		d.startFailed(bg, a.req.ExecutionID, a.req.SubtaskID, a.req.AttemptToken, err)
		return
	}
	if _, err := d.acknowledgeStart(bg, a.req.ExecutionID, a.req.SubtaskID, a.req.AttemptToken); err != nil {
		d.logger.Warn("failed to acknowledge start",
			"execution_id", a.req.ExecutionID, "subtask_id", a.req.SubtaskID, "error", err)
	}
}

func (d *Dispatcher) callStart(ctx context.Context, a assignment) error {
	if d.clients == nil {
		return fmt.Errorf("no worker client factory configured")
	}
	client, err := d.clients(a.worker)
	if err != nil {
		return fmt.Errorf("failed to resolve client for %s: %w", a.worker.Name, err)
	}
	return client.Start(ctx, a.req)
}

// stop asks a worker to abandon an attempt. Delivery is best effort.
func (d *Dispatcher) stop(ctx context.Context, s stopCall) {
	if d.clients == nil {
		return
	}
	client, err := d.clients(s.worker)
	if err != nil {
		d.logger.Debug("no client for stop", "worker", s.worker.Name, "error", err)
		return
	}
	stopCtx, cancel := withOptionalTimeout(ctx, d.config.StopTimeout)
	err = client.Stop(stopCtx, s.req)
	cancel()
	if err != nil {
		d.logger.Warn("worker stop failed",
			"execution_id", s.req.ExecutionID, "subtask_id", s.req.SubtaskID,
			"worker", s.worker.Name, "error", err)
		return
	}
	if !s.skipOnAck {
		return
	}
	_, err = d.withExecution(ctx, s.req.ExecutionID, func(ctx context.Context, p *pass) error {
		st, ok := p.graph.Get(s.req.SubtaskID)
		if !ok || st.AttemptToken != s.req.AttemptToken || !st.Status.IsInFlight() {
			return nil
		}
		return d.skip(ctx, p, st, "stopped: "+s.req.Reason)
	})
	if err != nil {
		d.logger.Warn("failed to record stop",
			"execution_id", s.req.ExecutionID, "subtask_id", s.req.SubtaskID, "error", err)
	}
}

func (d *Dispatcher) scheduleTrigger(execID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		d.goTracked(func() {
			if err := d.Trigger(context.Background(), execID, "retry"); err != nil {
				d.logger.Error("retry pass failed", "execution_id", execID, "error", err)
			}
		})
	})
}

func (d *Dispatcher) markGating(execID string) bool {
	d.gatingMu.Lock()
	defer d.gatingMu.Unlock()
	if d.gating[execID] {
		return false
	}
	d.gating[execID] = true
	return true
}

func (d *Dispatcher) unmarkGating(execID string) {
	d.gatingMu.Lock()
	delete(d.gating, execID)
	d.gatingMu.Unlock()
}

// sweepLoop periodically runs Sweep.
func (d *Dispatcher) sweepLoop() {
	if d.config.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Sweep(context.Background()); err != nil {
				d.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails attempts without recent progress, fails executions past
// their deadline and re-triggers executions with due retries.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	begin := time.Now()
	defer d.metrics.SweepDuration().Since(begin)

	now := begin.UTC()
	var cutoff time.Time
	var stale []*domain.Subtask
	var expired []*domain.Execution
	var due []string
	err := d.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		if d.config.SubtaskTimeout > 0 {
			cutoff = now.Add(-d.config.SubtaskTimeout)
			if stale, err = uow.Subtasks().ListStale(ctx, cutoff); err != nil {
				return err
			}
		}
		if expired, err = uow.Executions().ListPastDeadline(ctx, now); err != nil {
			return err
		}
		due, err = uow.Subtasks().ListDueRetries(ctx, now)
		return err
	})
	if err != nil {
		return err
	}

	for _, st := range stale {
		if err := d.timeoutAttempt(ctx, st, cutoff); err != nil {
			d.logger.Error("failed to time out subtask",
				"execution_id", st.ExecutionID, "subtask_id", st.ID, "error", err)
		}
	}
	for _, exec := range expired {
		d.logger.Warn("execution deadline exceeded", "execution_id", exec.ID)
		if _, err := d.withExecution(ctx, exec.ID, d.expire); err != nil {
			d.logger.Error("failed to expire execution", "execution_id", exec.ID, "error", err)
		}
	}
	for _, execID := range due {
		if err := d.Trigger(ctx, execID, "retry"); err != nil {
			d.logger.Error("retry pass failed", "execution_id", execID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) timeoutAttempt(ctx context.Context, stale *domain.Subtask, cutoff time.Time) error {
	_, err := d.withExecution(ctx, stale.ExecutionID, func(ctx context.Context, p *pass) error {
		st, ok := p.graph.Get(stale.ID)
		if !ok || st.AttemptToken != stale.AttemptToken || !st.Status.IsInFlight() {
			return nil
		}
		if st.LastProgressAt != nil && !st.LastProgressAt.Before(cutoff) {
			return nil
		}
		d.logger.Warn("subtask timed out",
			"execution_id", st.ExecutionID, "subtask_id", st.ID, "ref", st.Ref)
		p.stopAttempt(ctx, st, "timeout", false)
		p.retrigger = "timeout"
		return d.failAttempt(ctx, p, st, domain.ErrTimeout,
			fmt.Sprintf("no progress for %s", d.config.SubtaskTimeout))
	})
	return err
}

// expire ends an execution whose global deadline has passed.
func (d *Dispatcher) expire(ctx context.Context, p *pass) error {
	if !p.exec.Status.IsRunning() || !p.exec.DeadlineExceeded(p.now) {
		return nil
	}
	const reason = "execution deadline exceeded"
	cancelling := p.exec.CancelRequested()

	if err := d.skipPending(ctx, p, reason); err != nil {
		return err
	}
	for _, st := range p.graph.Subtasks() {
		if !st.Status.IsInFlight() {
			continue
		}
		p.stopAttempt(ctx, st, reason, false)
		if cancelling {
			if err := d.skip(ctx, p, st, reason); err != nil {
				return err
			}
			continue
		}
		if err := st.SetStatus(domain.SubtaskStatusFailed); err != nil {
			return err
		}
		st.ErrorMessage = fmt.Sprintf("%s: %s", domain.ErrTimeout, reason)
		if err := p.update(ctx, st); err != nil {
			return err
		}
		p.emit(domain.EventSubtaskFailed, st, st.ErrorMessage)
		d.metrics.SubtaskOutcomes().WithLabels(domain.SubtaskStatusFailed.String()).Inc()
	}
	if cancelling {
		return p.finish(domain.ExecutionStatusCancelled, reason)
	}
	return p.finish(domain.ExecutionStatusFailed, reason)
}

// statusLoop periodically logs dispatcher status.
func (d *Dispatcher) statusLoop() {
	if d.config.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.logStatus(context.Background())
		}
	}
}

func (d *Dispatcher) logStatus(ctx context.Context) {
	var running []*domain.Execution
	var load map[string]int
	err := d.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		running, err = uow.Executions().List(ctx, storage.ListOptions{
			ExecutionStatuses: []domain.ExecutionStatus{domain.ExecutionStatusExecuting, domain.ExecutionStatusPaused},
		})
		if err != nil {
			return err
		}
		load, err = uow.Subtasks().CountInFlightByWorker(ctx)
		return err
	})
	if err != nil {
		d.logger.Error("status: failed to read state", "error", err)
		return
	}
	if len(running) == 0 {
		return
	}
	total := 0
	for _, n := range load {
		total += n
	}
	d.logger.Info("dispatcher status",
		"running_executions", len(running), "in_flight", total, "load_by_worker", load)
}

func (d *Dispatcher) read(ctx context.Context, fn func(uow storage.UnitOfWork) error) error {
	uow, err := d.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	return fn(uow)
}

func (d *Dispatcher) listExecutions(ctx context.Context, opts storage.ListOptions) ([]*domain.Execution, error) {
	var execs []*domain.Execution
	err := d.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		execs, err = uow.Executions().List(ctx, opts)
		return err
	})
	return execs, err
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
