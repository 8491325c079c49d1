package endpoint

import (
	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/internal/storage"
	"github.com/example/epicflow/pkg/api"
)

// EpicToAPI converts a domain epic task.
func EpicToAPI(e *domain.EpicTask) *api.Epic {
	return &api.Epic{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Workspace:   e.Workspace,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// ExecutionToAPI converts a domain execution.
func ExecutionToAPI(e *domain.Execution) *api.Execution {
	out := &api.Execution{
		ID:                 e.ID,
		EpicTaskID:         e.EpicTaskID,
		Status:             e.Status.String(),
		MaxParallelWorkers: e.MaxParallelWorkers,
		PlanDigest:         e.PlanDigest,
		ErrorMessage:       e.ErrorMessage,
		CancelRequested:    e.CancelRequested(),
		Deadline:           e.Deadline,
		PlannedAt:          e.PlannedAt,
		StartedAt:          e.StartedAt,
		CompletedAt:        e.CompletedAt,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	if e.Plan != nil {
		out.PlanSummary = e.Plan.Summary
	}
	return out
}

// SubtaskToAPI converts a domain subtask with its display status.
func SubtaskToAPI(s *domain.Subtask, display string) *api.Subtask {
	return &api.Subtask{
		ID:                   s.ID,
		Ref:                  s.Ref,
		WorkItemID:           s.WorkItemID,
		Title:                s.Title,
		Description:          s.Description,
		Status:               s.Status.String(),
		DisplayStatus:        display,
		DependsOn:            []string(s.DependsOn),
		RequiredCapabilities: []string(s.RequiredCapabilities),
		Complexity:           s.Complexity,
		BranchName:           s.BranchName,
		AssignedWorkerID:     s.AssignedWorkerID,
		RetryCount:           s.RetryCount,
		MaxRetries:           s.MaxRetries,
		ErrorMessage:         s.ErrorMessage,
		Output:               s.Output,
		NotBefore:            s.NotBefore,
		LastProgressAt:       s.LastProgressAt,
		StartedAt:            s.StartedAt,
		CompletedAt:          s.CompletedAt,
	}
}

// ProgressToAPI converts aggregate progress.
func ProgressToAPI(p domain.Progress) api.Progress {
	return api.Progress{
		Total:     p.Total,
		Pending:   p.Pending,
		Blocked:   p.Blocked,
		Assigned:  p.Assigned,
		Running:   p.Running,
		Completed: p.Completed,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Percent:   p.Percent,
	}
}

// ViewToAPI converts an execution read model.
func ViewToAPI(v *service.ExecutionView) *api.ExecutionDetail {
	out := &api.ExecutionDetail{
		Execution: *ExecutionToAPI(v.Execution),
		Subtasks:  make([]api.Subtask, 0, len(v.Subtasks)),
		Progress:  ProgressToAPI(v.Progress),
	}
	for _, st := range v.Subtasks {
		out.Subtasks = append(out.Subtasks, *SubtaskToAPI(st.Subtask, st.DisplayStatus))
	}
	return out
}

// WorkerToAPI converts a registry profile.
func WorkerToAPI(w *domain.WorkerProfile) *api.Worker {
	caps := []string(w.Capabilities)
	if caps == nil {
		caps = []string{}
	}
	skills := make([]api.WorkerSkill, 0, len(w.Skills))
	for _, sk := range w.Skills {
		skills = append(skills, api.WorkerSkill{
			SkillID:        sk.SkillID,
			Name:           sk.Name,
			Category:       sk.Category,
			PromptModifier: sk.PromptModifier,
			Proficiency:    sk.Proficiency,
		})
	}
	return &api.Worker{
		ID:            w.ID,
		Name:          w.Name,
		Executor:      w.Executor,
		Capabilities:  caps,
		IsPlanner:     w.IsPlanner,
		IsReviewer:    w.IsReviewer,
		IsWorker:      w.IsWorker,
		MaxConcurrent: w.MaxConcurrent,
		Priority:      w.Priority,
		Active:        w.Active,
		Skills:        skills,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

// SkillToAPI converts a catalog entry.
func SkillToAPI(s *domain.Skill) *api.Skill {
	return &api.Skill{
		ID:             s.ID,
		Name:           s.Name,
		Description:    s.Description,
		Category:       s.Category,
		PromptModifier: s.PromptModifier,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// EventToAPI converts a published event.
func EventToAPI(ev domain.Event) api.Event {
	return api.Event{
		Type:        string(ev.Type),
		ExecutionID: ev.ExecutionID,
		SubtaskID:   ev.SubtaskID,
		Status:      ev.Status,
		Message:     ev.Message,
		At:          ev.At,
	}
}

// PlanFromAPI converts a plan document.
func PlanFromAPI(p *api.Plan) *domain.Plan {
	if p == nil {
		return nil
	}
	out := &domain.Plan{Summary: p.Summary, Subtasks: make([]domain.PlannedSubtask, len(p.Subtasks))}
	for i, st := range p.Subtasks {
		out.Subtasks[i] = domain.PlannedSubtask{
			Ref:                  st.Ref,
			Title:                st.Title,
			Description:          st.Description,
			DependsOn:            st.DependsOn,
			RequiredCapabilities: st.RequiredCapabilities,
			Complexity:           st.Complexity,
			MaxRetries:           st.MaxRetries,
		}
	}
	return out
}

// StartToAPI converts a worker start request.
func StartToAPI(req *service.StartRequest) *api.StartSubtaskRequest {
	return &api.StartSubtaskRequest{
		ExecutionID:          req.ExecutionID,
		SubtaskID:            req.SubtaskID,
		WorkItemID:           req.WorkItemID,
		AttemptToken:         req.AttemptToken,
		Ref:                  req.Ref,
		Title:                req.Title,
		Description:          req.Description,
		RequiredCapabilities: req.RequiredCapabilities,
		PromptModifiers:      req.PromptModifiers,
		Workspace:            req.Workspace,
		BranchName:           req.BranchName,
		CallbackAddr:         req.CallbackAddr,
		Deadline:             req.Deadline,
	}
}

// StartFromAPI is the inverse of StartToAPI.
func StartFromAPI(req *api.StartSubtaskRequest) *service.StartRequest {
	return &service.StartRequest{
		ExecutionID:          req.ExecutionID,
		SubtaskID:            req.SubtaskID,
		WorkItemID:           req.WorkItemID,
		AttemptToken:         req.AttemptToken,
		Ref:                  req.Ref,
		Title:                req.Title,
		Description:          req.Description,
		RequiredCapabilities: req.RequiredCapabilities,
		PromptModifiers:      req.PromptModifiers,
		Workspace:            req.Workspace,
		BranchName:           req.BranchName,
		CallbackAddr:         req.CallbackAddr,
		Deadline:             req.Deadline,
	}
}

// StopToAPI converts a worker stop request.
func StopToAPI(req *service.StopRequest) *api.StopSubtaskRequest {
	return &api.StopSubtaskRequest{
		ExecutionID:  req.ExecutionID,
		SubtaskID:    req.SubtaskID,
		AttemptToken: req.AttemptToken,
		Reason:       req.Reason,
	}
}

// StopFromAPI is the inverse of StopToAPI.
func StopFromAPI(req *api.StopSubtaskRequest) *service.StopRequest {
	return &service.StopRequest{
		ExecutionID:  req.ExecutionID,
		SubtaskID:    req.SubtaskID,
		AttemptToken: req.AttemptToken,
		Reason:       req.Reason,
	}
}

func listOptions(req *api.ListExecutionsRequest) (storage.ListOptions, error) {
	opts := storage.ListOptions{EpicTaskID: req.EpicTaskID, Limit: req.Limit}
	for _, s := range req.Statuses {
		st, err := domain.ParseExecutionStatus(s)
		if err != nil {
			return opts, err
		}
		opts.ExecutionStatuses = append(opts.ExecutionStatuses, st)
	}
	return opts, nil
}
