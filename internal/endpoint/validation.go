package endpoint

import (
	"fmt"
	"strings"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/pkg/api"
)

func requireID(what, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, what)
	}
	return nil
}

func validateCreateEpicRequest(req *api.CreateEpicRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title is required", domain.ErrInvalidArgument)
	}
	return nil
}

func validateCreateExecutionRequest(req *api.CreateExecutionRequest) error {
	if err := requireID("epic_task_id", req.EpicTaskID); err != nil {
		return err
	}
	if req.MaxParallelWorkers < 0 {
		return fmt.Errorf("%w: max_parallel_workers must not be negative", domain.ErrInvalidArgument)
	}
	return nil
}

func validateSubmitPlanRequest(req *api.SubmitPlanRequest) error {
	if err := requireID("execution id", req.ExecutionID); err != nil {
		return err
	}
	if req.Plan == nil || len(req.Plan.Subtasks) == 0 {
		return domain.ErrPlanEmpty
	}
	return nil
}

func validateAttemptRequest(req *api.AttemptRequest) error {
	if err := requireID("execution_id", req.ExecutionID); err != nil {
		return err
	}
	return requireID("subtask_id", req.SubtaskID)
}

func validateWorkerSkillRequest(req *api.WorkerSkillRequest) error {
	if err := requireID("worker id", req.WorkerID); err != nil {
		return err
	}
	if err := requireID("skill id", req.SkillID); err != nil {
		return err
	}
	_, err := domain.ValidateProficiency(req.Proficiency)
	return err
}
