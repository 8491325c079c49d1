package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/logging"
	"github.com/example/epicflow/internal/storage"
	"github.com/example/epicflow/pkg/id"
)

// OrchestratorService owns the lifecycle of epic tasks and executions.
// Mutations of an execution go through the dispatcher's locked passes so
// they serialize with dispatch and worker callbacks.
type OrchestratorService struct {
	storage     storage.Storage
	dispatcher  *Dispatcher
	planner     Planner
	plannerName string
	ingestor    *Ingestor
	config      Config
	logger      *slog.Logger
}

// NewOrchestrator creates a new OrchestratorService. planner may be nil, in
// which case plans must be submitted.
func NewOrchestrator(store storage.Storage, dispatcher *Dispatcher, planner Planner, config Config, logger *slog.Logger) *OrchestratorService {
	name := "none"
	if planner != nil {
		name = strings.TrimPrefix(fmt.Sprintf("%T", planner), "*")
	}
	return &OrchestratorService{
		storage:     store,
		dispatcher:  dispatcher,
		planner:     planner,
		plannerName: name,
		ingestor:    NewIngestor(config),
		config:      config,
		logger:      logging.OrDiscard(logger).With("component", "orchestrator"),
	}
}

// CreateEpicTaskRequest is the request for CreateEpicTask.
type CreateEpicTaskRequest struct {
	Title       string
	Description string
	Workspace   string
}

// CreateEpicTask creates a new EpicTask.
func (s *OrchestratorService) CreateEpicTask(ctx context.Context, req *CreateEpicTaskRequest) (*domain.EpicTask, error) {
	if req == nil || strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidArgument)
	}
	epic := domain.NewEpicTask(id.Generate(), req.Title, req.Description)
	epic.Workspace = req.Workspace

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.EpicTasks().Create(ctx, epic); err != nil {
		return nil, fmt.Errorf("failed to create epic task: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return epic, nil
}

// GetEpicTask retrieves an EpicTask by ID.
func (s *OrchestratorService) GetEpicTask(ctx context.Context, epicID string) (*domain.EpicTask, error) {
	var epic *domain.EpicTask
	err := s.dispatcher.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		epic, err = uow.EpicTasks().Get(ctx, epicID)
		return err
	})
	return epic, err
}

// ListEpicTasks lists epic tasks, newest first.
func (s *OrchestratorService) ListEpicTasks(ctx context.Context, opts storage.ListOptions) ([]*domain.EpicTask, error) {
	var epics []*domain.EpicTask
	err := s.dispatcher.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		epics, err = uow.EpicTasks().List(ctx, opts)
		return err
	})
	return epics, err
}

// DeleteEpicTask cancels the epic's active execution, if any, and deletes
// the epic together with its executions and subtasks.
func (s *OrchestratorService) DeleteEpicTask(ctx context.Context, epicID string) error {
	var active *domain.Execution
	err := s.dispatcher.read(ctx, func(uow storage.UnitOfWork) error {
		if _, err := uow.EpicTasks().Get(ctx, epicID); err != nil {
			return err
		}
		exec, err := uow.Executions().GetActiveByEpic(ctx, epicID)
		if err == nil {
			active = exec
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	if active != nil {
		if _, err := s.CancelExecution(ctx, active.ID); err != nil {
			return fmt.Errorf("failed to cancel execution %s: %w", active.ID, err)
		}
		unlock := s.dispatcher.locks.Lock(active.ID)
		defer unlock()
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	if err := uow.EpicTasks().Delete(ctx, epicID); err != nil {
		return err
	}
	return uow.Commit()
}

// CreateExecution starts planning an epic. If the epic already has an
// active execution, that execution is returned instead.
func (s *OrchestratorService) CreateExecution(ctx context.Context, epicID string, maxParallel int) (*domain.Execution, error) {
	if epicID == "" {
		return nil, fmt.Errorf("%w: epic_task_id is required", domain.ErrInvalidArgument)
	}
	if maxParallel <= 0 {
		maxParallel = s.config.DefaultMaxParallel
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if _, err := uow.EpicTasks().Get(ctx, epicID); err != nil {
		return nil, err
	}
	existing, err := uow.Executions().GetActiveByEpic(ctx, epicID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	exec := domain.NewExecution(id.Generate(), epicID, maxParallel)
	if err := uow.Executions().Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.dispatcher.events.Publish(domain.Event{
		Type:        domain.EventExecutionCreated,
		ExecutionID: exec.ID,
		Status:      exec.Status.String(),
		At:          exec.CreatedAt,
	})
	s.logger.Info("execution created", "execution_id", exec.ID, "epic_task_id", epicID, "max_parallel", maxParallel)
	return exec, nil
}

// GeneratePlan asks the planner for a plan and submits it. The planner runs
// outside any lock or transaction. A planner error is recorded on the
// execution, which stays in planning.
func (s *OrchestratorService) GeneratePlan(ctx context.Context, execID string) (*domain.Execution, error) {
	if s.planner == nil {
		return nil, fmt.Errorf("%w: no planner configured", domain.ErrInvalidArgument)
	}

	var exec *domain.Execution
	var epic *domain.EpicTask
	err := s.dispatcher.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		if exec, err = uow.Executions().Get(ctx, execID); err != nil {
			return err
		}
		epic, err = uow.EpicTasks().Get(ctx, exec.EpicTaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case exec.Status == domain.ExecutionStatusPlanning:
	case exec.Status.IsActive() && exec.Plan != nil:
		return exec, nil
	default:
		return nil, fmt.Errorf("%w: execution is %s", domain.ErrInvalidState, exec.Status)
	}

	begin := time.Now()
	plan, err := s.planner.Plan(ctx, epic)
	s.dispatcher.metrics.PlanDuration().WithLabels(s.plannerName).Since(begin)
	if err != nil {
		s.recordPlanError(ctx, execID, err)
		return nil, fmt.Errorf("planner failed: %w", err)
	}

	out, err := s.SubmitPlan(ctx, execID, plan)
	if err != nil && (errors.Is(err, domain.ErrPlanInvalid) || errors.Is(err, domain.ErrPlanEmpty)) {
		s.recordPlanError(ctx, execID, err)
	}
	return out, err
}

func (s *OrchestratorService) recordPlanError(ctx context.Context, execID string, cause error) {
	s.logger.Warn("planning failed", "execution_id", execID, "error", cause)
	_, err := s.dispatcher.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		if p.exec.Status != domain.ExecutionStatusPlanning {
			return nil
		}
		p.exec.ErrorMessage = cause.Error()
		p.exec.UpdatedAt = p.now
		p.execDirty = true
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record planning error", "execution_id", execID, "error", err)
	}
}

// SubmitPlan validates plan, creates its subtasks and moves the execution
// to planned, all in one transaction. Resubmitting the accepted plan is a
// no-op.
func (s *OrchestratorService) SubmitPlan(ctx context.Context, execID string, plan *domain.Plan) (*domain.Execution, error) {
	if plan == nil {
		return nil, domain.ErrPlanEmpty
	}
	digest, err := plan.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	p, err := s.dispatcher.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		exec := p.exec
		if exec.Status != domain.ExecutionStatusPlanning {
			if exec.PlanDigest == digest && exec.Status.IsActive() {
				return nil
			}
			return fmt.Errorf("%w: execution is %s", domain.ErrInvalidState, exec.Status)
		}

		subtasks, err := s.ingestor.Ingest(exec, plan)
		if err != nil {
			return err
		}
		if err := p.uow.Subtasks().CreateBatch(ctx, exec.ID, subtasks); err != nil {
			return fmt.Errorf("failed to create subtasks: %w", err)
		}
		if err := exec.MarkPlanned(plan, digest); err != nil {
			return err
		}
		p.execDirty = true
		p.emit(domain.EventExecutionPlanned, nil, fmt.Sprintf("%d subtasks", len(subtasks)))
		s.logger.Info("plan accepted", "execution_id", exec.ID, "subtasks", len(subtasks), "digest", digest[:12])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.exec, nil
}

// StartExecution begins dispatching a planned execution.
func (s *OrchestratorService) StartExecution(ctx context.Context, execID string) (*domain.Execution, error) {
	return s.lifecycle(ctx, execID, func(p *pass) error {
		switch p.exec.Status {
		case domain.ExecutionStatusExecuting, domain.ExecutionStatusPaused:
			return nil
		case domain.ExecutionStatusPlanned:
		default:
			return fmt.Errorf("%w: cannot start a %s execution", domain.ErrInvalidState, p.exec.Status)
		}
		if err := p.exec.MarkStarted(s.config.ExecutionTimeout); err != nil {
			return err
		}
		p.execDirty = true
		p.emit(domain.EventExecutionStatus, nil, "started")
		p.retrigger = "start"
		return nil
	})
}

// PauseExecution suspends new dispatch. In-flight subtasks keep running.
func (s *OrchestratorService) PauseExecution(ctx context.Context, execID string) (*domain.Execution, error) {
	return s.lifecycle(ctx, execID, func(p *pass) error {
		switch p.exec.Status {
		case domain.ExecutionStatusPaused:
			return nil
		case domain.ExecutionStatusExecuting:
		default:
			return fmt.Errorf("%w: cannot pause a %s execution", domain.ErrInvalidState, p.exec.Status)
		}
		if err := p.exec.SetStatus(domain.ExecutionStatusPaused); err != nil {
			return err
		}
		p.execDirty = true
		p.emit(domain.EventExecutionStatus, nil, "paused")
		return nil
	})
}

// ResumeExecution resumes dispatch of a paused execution.
func (s *OrchestratorService) ResumeExecution(ctx context.Context, execID string) (*domain.Execution, error) {
	return s.lifecycle(ctx, execID, func(p *pass) error {
		switch p.exec.Status {
		case domain.ExecutionStatusExecuting:
			return nil
		case domain.ExecutionStatusPaused:
		default:
			return fmt.Errorf("%w: cannot resume a %s execution", domain.ErrInvalidState, p.exec.Status)
		}
		if err := p.exec.SetStatus(domain.ExecutionStatusExecuting); err != nil {
			return err
		}
		p.execDirty = true
		p.emit(domain.EventExecutionStatus, nil, "resumed")
		p.retrigger = "resume"
		return nil
	})
}

// CancelExecution records a durable cancel. Executions that have not
// started are cancelled at once; running ones skip pending work, ask
// in-flight workers to stop and become cancelled once drained.
func (s *OrchestratorService) CancelExecution(ctx context.Context, execID string) (*domain.Execution, error) {
	return s.lifecycle(ctx, execID, func(p *pass) error {
		exec := p.exec
		switch {
		case exec.Status == domain.ExecutionStatusCancelled:
			return nil
		case exec.Status.IsTerminal():
			return fmt.Errorf("%w: cannot cancel a %s execution", domain.ErrInvalidState, exec.Status)
		case !exec.Status.IsRunning():
			exec.RequestCancel()
			if err := s.dispatcher.skipPending(ctx, p, "execution cancelled"); err != nil {
				return err
			}
			return p.finish(domain.ExecutionStatusCancelled, "cancelled by request")
		}

		first := !exec.CancelRequested()
		exec.RequestCancel()
		p.execDirty = true
		if err := s.dispatcher.skipPending(ctx, p, "execution cancelled"); err != nil {
			return err
		}
		if !first {
			return nil
		}
		for _, st := range p.graph.Subtasks() {
			if st.Status.IsInFlight() {
				p.stopAttempt(ctx, st, "execution cancelled", true)
			}
		}
		p.emit(domain.EventExecutionCancelReq, nil, fmt.Sprintf("%d subtasks in flight", p.graph.InFlight()))
		s.logger.Info("cancel requested", "execution_id", exec.ID, "in_flight", p.graph.InFlight())
		return nil
	})
}

func (s *OrchestratorService) lifecycle(ctx context.Context, execID string, fn func(p *pass) error) (*domain.Execution, error) {
	p, err := s.dispatcher.withExecution(ctx, execID, func(_ context.Context, p *pass) error {
		return fn(p)
	})
	if err != nil {
		return nil, err
	}
	return p.exec, nil
}

// GetExecution returns an execution with its subtasks and progress.
func (s *OrchestratorService) GetExecution(ctx context.Context, execID string) (*ExecutionView, error) {
	var view *ExecutionView
	err := s.dispatcher.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		view, err = loadExecutionView(ctx, uow, execID)
		return err
	})
	return view, err
}

// ListExecutions lists executions with optional filtering.
func (s *OrchestratorService) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*domain.Execution, error) {
	return s.dispatcher.listExecutions(ctx, opts)
}

// GetProgress returns the aggregate progress of an execution.
func (s *OrchestratorService) GetProgress(ctx context.Context, execID string) (domain.Progress, error) {
	view, err := s.GetExecution(ctx, execID)
	if err != nil {
		return domain.Progress{}, err
	}
	return view.Progress, nil
}
