package endpoint

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/internal/storage"
	"github.com/example/epicflow/pkg/api"
)

// Endpoint is a function that takes a request and returns a response.
type Endpoint func(ctx context.Context, request any) (response any, err error)

// Endpoints holds all endpoint handlers. Requests and responses are the
// wire types of package api; ID-only requests are plain strings.
type Endpoints struct {
	CreateEpic      Endpoint
	GetEpic         Endpoint
	ListEpics       Endpoint
	DeleteEpic      Endpoint
	CreateExecution Endpoint
	ListExecutions  Endpoint
	GetExecution    Endpoint
	GetProgress     Endpoint
	GeneratePlan    Endpoint
	SubmitPlan      Endpoint
	StartExecution  Endpoint
	PauseExecution  Endpoint
	ResumeExecution Endpoint
	CancelExecution Endpoint

	RegisterWorker  Endpoint
	UpdateWorker    Endpoint
	SetWorkerActive Endpoint
	GetWorker       Endpoint
	ListWorkers     Endpoint
	DeleteWorker    Endpoint

	CreateSkill   Endpoint
	UpdateSkill   Endpoint
	GetSkill      Endpoint
	ListSkills    Endpoint
	DeleteSkill   Endpoint
	AssignSkill   Endpoint
	UnassignSkill Endpoint

	AcknowledgeStart Endpoint
	ReportProgress   Endpoint
	CompleteSubtask  Endpoint
	FailSubtask      Endpoint
}

// MakeEndpoints creates all endpoints from the services.
func MakeEndpoints(orch *service.OrchestratorService, registry *service.WorkerRegistry, callbacks *service.CallbackService) Endpoints {
	return Endpoints{
		CreateEpic:      makeCreateEpicEndpoint(orch),
		GetEpic:         makeGetEpicEndpoint(orch),
		ListEpics:       makeListEpicsEndpoint(orch),
		DeleteEpic:      makeDeleteEpicEndpoint(orch),
		CreateExecution: makeCreateExecutionEndpoint(orch),
		ListExecutions:  makeListExecutionsEndpoint(orch),
		GetExecution:    makeGetExecutionEndpoint(orch),
		GetProgress:     makeGetProgressEndpoint(orch),
		GeneratePlan:    makeLifecycleEndpoint(orch.GeneratePlan),
		SubmitPlan:      makeSubmitPlanEndpoint(orch),
		StartExecution:  makeLifecycleEndpoint(orch.StartExecution),
		PauseExecution:  makeLifecycleEndpoint(orch.PauseExecution),
		ResumeExecution: makeLifecycleEndpoint(orch.ResumeExecution),
		CancelExecution: makeLifecycleEndpoint(orch.CancelExecution),

		RegisterWorker:  makeRegisterWorkerEndpoint(registry),
		UpdateWorker:    makeUpdateWorkerEndpoint(registry),
		SetWorkerActive: makeSetWorkerActiveEndpoint(registry),
		GetWorker:       makeGetWorkerEndpoint(registry),
		ListWorkers:     makeListWorkersEndpoint(registry),
		DeleteWorker:    makeDeleteWorkerEndpoint(registry),

		CreateSkill:   makeCreateSkillEndpoint(registry),
		UpdateSkill:   makeUpdateSkillEndpoint(registry),
		GetSkill:      makeGetSkillEndpoint(registry),
		ListSkills:    makeListSkillsEndpoint(registry),
		DeleteSkill:   makeDeleteSkillEndpoint(registry),
		AssignSkill:   makeWorkerSkillEndpoint(registry.AssignSkill),
		UnassignSkill: makeWorkerSkillEndpoint(func(ctx context.Context, workerID, skillID string, _ int) (*domain.WorkerProfile, error) {
			return registry.UnassignSkill(ctx, workerID, skillID)
		}),

		AcknowledgeStart: makeCallbackEndpoint(func(ctx context.Context, req *api.AttemptRequest) (*domain.Subtask, error) {
			return callbacks.AcknowledgeStart(ctx, attemptRef(req))
		}),
		ReportProgress: makeCallbackEndpoint(func(ctx context.Context, req *api.AttemptRequest) (*domain.Subtask, error) {
			return callbacks.ReportProgress(ctx, &service.ReportProgressRequest{AttemptRef: attemptRef(req), Message: req.Message})
		}),
		CompleteSubtask: makeCallbackEndpoint(func(ctx context.Context, req *api.AttemptRequest) (*domain.Subtask, error) {
			return callbacks.CompleteSubtask(ctx, &service.CompleteSubtaskRequest{AttemptRef: attemptRef(req), Output: req.Output})
		}),
		FailSubtask: makeCallbackEndpoint(func(ctx context.Context, req *api.AttemptRequest) (*domain.Subtask, error) {
			return callbacks.FailSubtask(ctx, &service.FailSubtaskRequest{AttemptRef: attemptRef(req), Reason: req.Reason})
		}),
	}
}

func makeCreateEpicEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.CreateEpicRequest)
		if err := validateCreateEpicRequest(req); err != nil {
			return nil, err
		}
		epic, err := svc.CreateEpicTask(ctx, &service.CreateEpicTaskRequest{
			Title:       req.Title,
			Description: req.Description,
			Workspace:   req.Workspace,
		})
		if err != nil {
			return nil, err
		}
		return EpicToAPI(epic), nil
	}
}

func makeGetEpicEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if err := requireID("epic id", id); err != nil {
			return nil, err
		}
		epic, err := svc.GetEpicTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return EpicToAPI(epic), nil
	}
}

func makeListEpicsEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		epics, err := svc.ListEpicTasks(ctx, storage.ListOptions{})
		if err != nil {
			return nil, err
		}
		resp := &api.ListEpicsResponse{Epics: make([]api.Epic, 0, len(epics))}
		for _, e := range epics {
			resp.Epics = append(resp.Epics, *EpicToAPI(e))
		}
		return resp, nil
	}
}

func makeDeleteEpicEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if err := requireID("epic id", id); err != nil {
			return nil, err
		}
		if err := svc.DeleteEpicTask(ctx, id); err != nil {
			return nil, err
		}
		return &api.Empty{}, nil
	}
}

func makeCreateExecutionEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.CreateExecutionRequest)
		if err := validateCreateExecutionRequest(req); err != nil {
			return nil, err
		}
		exec, err := svc.CreateExecution(ctx, req.EpicTaskID, req.MaxParallelWorkers)
		if err != nil {
			return nil, err
		}
		return ExecutionToAPI(exec), nil
	}
}

func makeListExecutionsEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.ListExecutionsRequest)
		opts, err := listOptions(req)
		if err != nil {
			return nil, err
		}
		execs, err := svc.ListExecutions(ctx, opts)
		if err != nil {
			return nil, err
		}
		resp := &api.ListExecutionsResponse{Executions: make([]api.Execution, 0, len(execs))}
		for _, e := range execs {
			resp.Executions = append(resp.Executions, *ExecutionToAPI(e))
		}
		return resp, nil
	}
}

func makeGetExecutionEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.ExecutionRequest)
		if err := requireID("execution id", req.ExecutionID); err != nil {
			return nil, err
		}
		view, err := svc.GetExecution(ctx, req.ExecutionID)
		if err != nil {
			return nil, err
		}
		return ViewToAPI(view), nil
	}
}

func makeGetProgressEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.ExecutionRequest)
		if err := requireID("execution id", req.ExecutionID); err != nil {
			return nil, err
		}
		p, err := svc.GetProgress(ctx, req.ExecutionID)
		if err != nil {
			return nil, err
		}
		out := ProgressToAPI(p)
		return &out, nil
	}
}

func makeSubmitPlanEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.SubmitPlanRequest)
		if err := validateSubmitPlanRequest(req); err != nil {
			return nil, err
		}
		exec, err := svc.SubmitPlan(ctx, req.ExecutionID, PlanFromAPI(req.Plan))
		if err != nil {
			return nil, err
		}
		return ExecutionToAPI(exec), nil
	}
}

// makeLifecycleEndpoint adapts an execution-id operation.
func makeLifecycleEndpoint(op func(ctx context.Context, execID string) (*domain.Execution, error)) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.ExecutionRequest)
		if err := requireID("execution id", req.ExecutionID); err != nil {
			return nil, err
		}
		exec, err := op(ctx, req.ExecutionID)
		if err != nil {
			return nil, err
		}
		return ExecutionToAPI(exec), nil
	}
}

func makeRegisterWorkerEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.RegisterWorkerRequest)
		w, err := svc.RegisterWorker(ctx, &service.RegisterWorkerRequest{
			Name:          req.Name,
			Executor:      req.Executor,
			Capabilities:  req.Capabilities,
			IsPlanner:     req.IsPlanner,
			IsReviewer:    req.IsReviewer,
			IsWorker:      req.IsWorker,
			MaxConcurrent: req.MaxConcurrent,
			Priority:      req.Priority,
		})
		if err != nil {
			return nil, err
		}
		return WorkerToAPI(w), nil
	}
}

func makeUpdateWorkerEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.UpdateWorkerRequest)
		if err := requireID("worker id", req.ID); err != nil {
			return nil, err
		}
		w, err := svc.UpdateWorker(ctx, &service.UpdateWorkerRequest{
			ID:            req.ID,
			Executor:      req.Executor,
			Capabilities:  req.Capabilities,
			IsPlanner:     req.IsPlanner,
			IsReviewer:    req.IsReviewer,
			IsWorker:      req.IsWorker,
			MaxConcurrent: req.MaxConcurrent,
			Priority:      req.Priority,
		})
		if err != nil {
			return nil, err
		}
		return WorkerToAPI(w), nil
	}
}

func makeSetWorkerActiveEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.SetWorkerActiveRequest)
		if err := requireID("worker id", req.ID); err != nil {
			return nil, err
		}
		w, err := svc.SetWorkerActive(ctx, req.ID, req.Active)
		if err != nil {
			return nil, err
		}
		return WorkerToAPI(w), nil
	}
}

func makeGetWorkerEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if err := requireID("worker id", id); err != nil {
			return nil, err
		}
		w, err := svc.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		return WorkerToAPI(w), nil
	}
}

func makeListWorkersEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.ListWorkersRequest)
		workers, err := svc.ListWorkers(ctx, req.ActiveOnly)
		if err != nil {
			return nil, err
		}
		resp := &api.ListWorkersResponse{Workers: make([]api.Worker, 0, len(workers))}
		for _, w := range workers {
			resp.Workers = append(resp.Workers, *WorkerToAPI(w))
		}
		return resp, nil
	}
}

func makeDeleteWorkerEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if err := requireID("worker id", id); err != nil {
			return nil, err
		}
		if err := svc.DeleteWorker(ctx, id); err != nil {
			return nil, err
		}
		return &api.Empty{}, nil
	}
}

func makeCreateSkillEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.CreateSkillRequest)
		s, err := svc.CreateSkill(ctx, &service.CreateSkillRequest{
			Name:           req.Name,
			Description:    req.Description,
			Category:       req.Category,
			PromptModifier: req.PromptModifier,
		})
		if err != nil {
			return nil, err
		}
		return SkillToAPI(s), nil
	}
}

func makeUpdateSkillEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.UpdateSkillRequest)
		if err := requireID("skill id", req.ID); err != nil {
			return nil, err
		}
		s, err := svc.UpdateSkill(ctx, &service.UpdateSkillRequest{
			ID:             req.ID,
			Name:           req.Name,
			Description:    req.Description,
			Category:       req.Category,
			PromptModifier: req.PromptModifier,
		})
		if err != nil {
			return nil, err
		}
		return SkillToAPI(s), nil
	}
}

func makeGetSkillEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if err := requireID("skill id", id); err != nil {
			return nil, err
		}
		s, err := svc.GetSkill(ctx, id)
		if err != nil {
			return nil, err
		}
		return SkillToAPI(s), nil
	}
}

func makeListSkillsEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.ListSkillsRequest)
		skills, err := svc.ListSkills(ctx, req.Category)
		if err != nil {
			return nil, err
		}
		resp := &api.ListSkillsResponse{Skills: make([]api.Skill, 0, len(skills))}
		for _, s := range skills {
			resp.Skills = append(resp.Skills, *SkillToAPI(s))
		}
		return resp, nil
	}
}

func makeDeleteSkillEndpoint(svc *service.WorkerRegistry) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if err := requireID("skill id", id); err != nil {
			return nil, err
		}
		if err := svc.DeleteSkill(ctx, id); err != nil {
			return nil, err
		}
		return &api.Empty{}, nil
	}
}

func makeWorkerSkillEndpoint(call func(ctx context.Context, workerID, skillID string, proficiency int) (*domain.WorkerProfile, error)) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.WorkerSkillRequest)
		if err := validateWorkerSkillRequest(req); err != nil {
			return nil, err
		}
		w, err := call(ctx, req.WorkerID, req.SkillID, req.Proficiency)
		if err != nil {
			return nil, err
		}
		return WorkerToAPI(w), nil
	}
}

func makeCallbackEndpoint(call func(ctx context.Context, req *api.AttemptRequest) (*domain.Subtask, error)) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*api.AttemptRequest)
		if err := validateAttemptRequest(req); err != nil {
			return nil, err
		}
		st, err := call(ctx, req)
		if err != nil {
			return nil, err
		}
		return SubtaskToAPI(st, st.Status.String()), nil
	}
}

func attemptRef(req *api.AttemptRequest) service.AttemptRef {
	return service.AttemptRef{
		ExecutionID:  req.ExecutionID,
		SubtaskID:    req.SubtaskID,
		AttemptToken: req.AttemptToken,
	}
}

// MapErrorToStatus maps domain errors to gRPC status codes.
func MapErrorToStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrStaleAttempt):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrConcurrentModify):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrPlanInvalid),
		errors.Is(err, domain.ErrPlanEmpty):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrNoEligibleWorker):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// Code returns the gRPC code err maps to.
func Code(err error) codes.Code {
	return status.Code(MapErrorToStatus(err))
}
