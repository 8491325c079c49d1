package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/storage"
	"github.com/example/epicflow/pkg/id"
)

// WorkerRegistry manages the capability registry.
type WorkerRegistry struct {
	storage storage.Storage
	onChange func(ctx context.Context)
}

// NewWorkerRegistry creates a new registry service.
func NewWorkerRegistry(store storage.Storage) *WorkerRegistry {
	return &WorkerRegistry{storage: store}
}

// OnChange registers a hook run after a profile is added or re-enabled, so
// starved subtasks get another dispatch pass.
func (r *WorkerRegistry) OnChange(fn func(ctx context.Context)) {
	r.onChange = fn
}

// RegisterWorkerRequest is the request for RegisterWorker.
type RegisterWorkerRequest struct {
	Name          string
	Executor      string
	Capabilities  []string
	IsPlanner     bool
	IsReviewer    bool
	IsWorker      *bool // defaults to true
	MaxConcurrent int
	Priority      int
}

// RegisterWorker adds a profile to the registry. Registering an existing
// name with the same executor returns the stored profile.
func (r *WorkerRegistry) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*domain.WorkerProfile, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: worker name is required", domain.ErrInvalidArgument)
	}
	if req.MaxConcurrent < 0 {
		return nil, fmt.Errorf("%w: max_concurrent must not be negative", domain.ErrInvalidArgument)
	}

	w := domain.NewWorkerProfile(id.Generate(), strings.TrimSpace(req.Name), req.Executor, req.Capabilities...)
	w.IsPlanner = req.IsPlanner
	w.IsReviewer = req.IsReviewer
	if req.IsWorker != nil {
		w.IsWorker = *req.IsWorker
	}
	w.MaxConcurrent = req.MaxConcurrent
	w.Priority = req.Priority
	if w.IsWorker && w.Executor == "" {
		return nil, fmt.Errorf("%w: worker %s needs an executor address", domain.ErrInvalidArgument, w.Name)
	}

	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	existing, err := uow.Workers().GetByName(ctx, w.Name)
	if err == nil {
		if existing.Executor == w.Executor {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: worker %s", domain.ErrAlreadyExists, w.Name)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := uow.Workers().Create(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	r.changed(ctx)
	return w, nil
}

// UpdateWorkerRequest carries the mutable fields of a profile; nil fields
// are left unchanged.
type UpdateWorkerRequest struct {
	ID            string
	Executor      *string
	Capabilities  []string
	IsPlanner     *bool
	IsReviewer    *bool
	IsWorker      *bool
	MaxConcurrent *int
	Priority      *int
}

// UpdateWorker modifies a profile.
func (r *WorkerRegistry) UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*domain.WorkerProfile, error) {
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("%w: worker id is required", domain.ErrInvalidArgument)
	}
	var w *domain.WorkerProfile
	err := r.update(ctx, req.ID, func(p *domain.WorkerProfile) error {
		if req.Executor != nil {
			p.Executor = *req.Executor
		}
		if req.Capabilities != nil {
			p.Capabilities = domain.NewCapabilitySet(req.Capabilities...)
		}
		if req.IsPlanner != nil {
			p.IsPlanner = *req.IsPlanner
		}
		if req.IsReviewer != nil {
			p.IsReviewer = *req.IsReviewer
		}
		if req.IsWorker != nil {
			p.IsWorker = *req.IsWorker
		}
		if req.MaxConcurrent != nil {
			if *req.MaxConcurrent < 0 {
				return fmt.Errorf("%w: max_concurrent must not be negative", domain.ErrInvalidArgument)
			}
			p.MaxConcurrent = *req.MaxConcurrent
		}
		if req.Priority != nil {
			p.Priority = *req.Priority
		}
		w = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.changed(ctx)
	return w, nil
}

// SetWorkerActive enables or disables a profile for new assignments.
// Subtasks already assigned to it are unaffected.
func (r *WorkerRegistry) SetWorkerActive(ctx context.Context, workerID string, active bool) (*domain.WorkerProfile, error) {
	var w *domain.WorkerProfile
	err := r.update(ctx, workerID, func(p *domain.WorkerProfile) error {
		p.Active = active
		w = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if active {
		r.changed(ctx)
	}
	return w, nil
}

func (r *WorkerRegistry) update(ctx context.Context, workerID string, fn func(*domain.WorkerProfile) error) error {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	w, err := uow.Workers().Get(ctx, workerID)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	if err := uow.Workers().Update(ctx, w); err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	return uow.Commit()
}

// GetWorker retrieves a profile by ID.
func (r *WorkerRegistry) GetWorker(ctx context.Context, workerID string) (*domain.WorkerProfile, error) {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	return uow.Workers().Get(ctx, workerID)
}

// ListWorkers returns profiles ordered by priority, then name.
func (r *WorkerRegistry) ListWorkers(ctx context.Context, activeOnly bool) ([]*domain.WorkerProfile, error) {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	return uow.Workers().List(ctx, activeOnly)
}

// DeleteWorker removes a profile. In-flight subtasks keep their worker id.
func (r *WorkerRegistry) DeleteWorker(ctx context.Context, workerID string) error {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	if err := uow.Workers().Delete(ctx, workerID); err != nil {
		return err
	}
	return uow.Commit()
}

func (r *WorkerRegistry) changed(ctx context.Context) {
	if r.onChange != nil {
		r.onChange(context.WithoutCancel(ctx))
	}
}

// SelectWorker returns the first eligible profile in priority order whose
// capabilities cover required and which has headroom given the per-worker
// in-flight counts, or nil. workers must already be sorted.
func SelectWorker(workers []*domain.WorkerProfile, inFlight map[string]int, required domain.CapabilitySet) *domain.WorkerProfile {
	for _, w := range workers {
		if w.Eligible(required) && w.HasHeadroom(inFlight[w.ID]) {
			return w
		}
	}
	return nil
}

// CreateSkillRequest is the request for CreateSkill.
type CreateSkillRequest struct {
	Name           string
	Description    string
	Category       string
	PromptModifier string
}

// CreateSkill adds an entry to the skill catalog.
func (r *WorkerRegistry) CreateSkill(ctx context.Context, req *CreateSkillRequest) (*domain.Skill, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: skill name is required", domain.ErrInvalidArgument)
	}
	s := domain.NewSkill(id.Generate(), req.Name, req.Description, req.Category)
	s.PromptModifier = strings.TrimSpace(req.PromptModifier)

	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	if err := uow.Skills().Create(ctx, s); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: skill %s", domain.ErrAlreadyExists, s.Name)
		}
		return nil, fmt.Errorf("failed to create skill: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s, nil
}

// UpdateSkillRequest carries the mutable fields of a skill; nil fields are
// left unchanged.
type UpdateSkillRequest struct {
	ID             string
	Name           *string
	Description    *string
	Category       *string
	PromptModifier *string
}

// UpdateSkill modifies a catalog entry. Renaming a skill renames the
// capability tag of every profile holding it.
func (r *WorkerRegistry) UpdateSkill(ctx context.Context, req *UpdateSkillRequest) (*domain.Skill, error) {
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("%w: skill id is required", domain.ErrInvalidArgument)
	}
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	s, err := uow.Skills().Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: skill name must not be empty", domain.ErrInvalidArgument)
		}
		s.Name = name
	}
	if req.Description != nil {
		s.Description = *req.Description
	}
	if req.Category != nil {
		s.Category = strings.TrimSpace(*req.Category)
		if s.Category == "" {
			s.Category = domain.DefaultSkillCategory
		}
	}
	if req.PromptModifier != nil {
		s.PromptModifier = strings.TrimSpace(*req.PromptModifier)
	}
	s.UpdatedAt = time.Now().UTC()
	if err := uow.Skills().Update(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to update skill: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	if req.Name != nil {
		r.changed(ctx)
	}
	return s, nil
}

// GetSkill retrieves a catalog entry by ID.
func (r *WorkerRegistry) GetSkill(ctx context.Context, skillID string) (*domain.Skill, error) {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	return uow.Skills().Get(ctx, skillID)
}

// ListSkills returns the catalog ordered by category, then name. An empty
// category lists every skill.
func (r *WorkerRegistry) ListSkills(ctx context.Context, category string) ([]*domain.Skill, error) {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	return uow.Skills().List(ctx, category)
}

// DeleteSkill removes a catalog entry and every assignment of it.
func (r *WorkerRegistry) DeleteSkill(ctx context.Context, skillID string) error {
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	if err := uow.Skills().Delete(ctx, skillID); err != nil {
		return err
	}
	return uow.Commit()
}

// AssignSkill gives a profile a catalog skill at the given proficiency
// (0 selects the default). Assigning a held skill updates its proficiency.
func (r *WorkerRegistry) AssignSkill(ctx context.Context, workerID, skillID string, proficiency int) (*domain.WorkerProfile, error) {
	level, err := domain.ValidateProficiency(proficiency)
	if err != nil {
		return nil, err
	}
	w, err := r.changeSkills(ctx, workerID, skillID, func(uow storage.UnitOfWork) error {
		return uow.Workers().AddSkill(ctx, workerID, skillID, level)
	})
	if err != nil {
		return nil, err
	}
	r.changed(ctx)
	return w, nil
}

// UnassignSkill removes a skill from a profile.
func (r *WorkerRegistry) UnassignSkill(ctx context.Context, workerID, skillID string) (*domain.WorkerProfile, error) {
	return r.changeSkills(ctx, workerID, skillID, func(uow storage.UnitOfWork) error {
		return uow.Workers().RemoveSkill(ctx, workerID, skillID)
	})
}

func (r *WorkerRegistry) changeSkills(ctx context.Context, workerID, skillID string, fn func(storage.UnitOfWork) error) (*domain.WorkerProfile, error) {
	if workerID == "" || skillID == "" {
		return nil, fmt.Errorf("%w: worker id and skill id are required", domain.ErrInvalidArgument)
	}
	uow, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	w, err := uow.Workers().Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if _, err := uow.Skills().Get(ctx, skillID); err != nil {
		return nil, err
	}
	if err := fn(uow); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now().UTC()
	if err := uow.Workers().Update(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to update worker: %w", err)
	}
	if w, err = uow.Workers().Get(ctx, workerID); err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return w, nil
}
