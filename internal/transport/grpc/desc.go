package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/pkg/api"
)

// Service names. Every method takes and returns a google.protobuf.Struct.
const (
	OrchestratorService = "epicflow.v1.Orchestrator"
	WorkerService       = "epicflow.v1.Worker"
)

var orchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: OrchestratorService,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		method("CreateEpic", func(e endpoint.Endpoints) endpoint.Endpoint { return e.CreateEpic }, as[api.CreateEpicRequest]),
		method("GetEpic", func(e endpoint.Endpoints) endpoint.Endpoint { return e.GetEpic }, field("id")),
		method("ListEpics", func(e endpoint.Endpoints) endpoint.Endpoint { return e.ListEpics }, as[api.Empty]),
		method("DeleteEpic", func(e endpoint.Endpoints) endpoint.Endpoint { return e.DeleteEpic }, field("id")),
		method("CreateExecution", func(e endpoint.Endpoints) endpoint.Endpoint { return e.CreateExecution }, as[api.CreateExecutionRequest]),
		method("ListExecutions", func(e endpoint.Endpoints) endpoint.Endpoint { return e.ListExecutions }, as[api.ListExecutionsRequest]),
		method("GetExecution", func(e endpoint.Endpoints) endpoint.Endpoint { return e.GetExecution }, as[api.ExecutionRequest]),
		method("GetProgress", func(e endpoint.Endpoints) endpoint.Endpoint { return e.GetProgress }, as[api.ExecutionRequest]),
		method("GeneratePlan", func(e endpoint.Endpoints) endpoint.Endpoint { return e.GeneratePlan }, as[api.ExecutionRequest]),
		method("SubmitPlan", func(e endpoint.Endpoints) endpoint.Endpoint { return e.SubmitPlan }, as[api.SubmitPlanRequest]),
		method("StartExecution", func(e endpoint.Endpoints) endpoint.Endpoint { return e.StartExecution }, as[api.ExecutionRequest]),
		method("PauseExecution", func(e endpoint.Endpoints) endpoint.Endpoint { return e.PauseExecution }, as[api.ExecutionRequest]),
		method("ResumeExecution", func(e endpoint.Endpoints) endpoint.Endpoint { return e.ResumeExecution }, as[api.ExecutionRequest]),
		method("CancelExecution", func(e endpoint.Endpoints) endpoint.Endpoint { return e.CancelExecution }, as[api.ExecutionRequest]),
		method("RegisterWorker", func(e endpoint.Endpoints) endpoint.Endpoint { return e.RegisterWorker }, as[api.RegisterWorkerRequest]),
		method("UpdateWorker", func(e endpoint.Endpoints) endpoint.Endpoint { return e.UpdateWorker }, as[api.UpdateWorkerRequest]),
		method("SetWorkerActive", func(e endpoint.Endpoints) endpoint.Endpoint { return e.SetWorkerActive }, as[api.SetWorkerActiveRequest]),
		method("ListWorkers", func(e endpoint.Endpoints) endpoint.Endpoint { return e.ListWorkers }, as[api.ListWorkersRequest]),
		method("GetWorker", func(e endpoint.Endpoints) endpoint.Endpoint { return e.GetWorker }, field("id")),
		method("DeleteWorker", func(e endpoint.Endpoints) endpoint.Endpoint { return e.DeleteWorker }, field("id")),
		method("CreateSkill", func(e endpoint.Endpoints) endpoint.Endpoint { return e.CreateSkill }, as[api.CreateSkillRequest]),
		method("UpdateSkill", func(e endpoint.Endpoints) endpoint.Endpoint { return e.UpdateSkill }, as[api.UpdateSkillRequest]),
		method("GetSkill", func(e endpoint.Endpoints) endpoint.Endpoint { return e.GetSkill }, field("id")),
		method("ListSkills", func(e endpoint.Endpoints) endpoint.Endpoint { return e.ListSkills }, as[api.ListSkillsRequest]),
		method("DeleteSkill", func(e endpoint.Endpoints) endpoint.Endpoint { return e.DeleteSkill }, field("id")),
		method("AssignSkill", func(e endpoint.Endpoints) endpoint.Endpoint { return e.AssignSkill }, as[api.WorkerSkillRequest]),
		method("UnassignSkill", func(e endpoint.Endpoints) endpoint.Endpoint { return e.UnassignSkill }, as[api.WorkerSkillRequest]),
		method("AcknowledgeStart", func(e endpoint.Endpoints) endpoint.Endpoint { return e.AcknowledgeStart }, as[api.AttemptRequest]),
		method("ReportProgress", func(e endpoint.Endpoints) endpoint.Endpoint { return e.ReportProgress }, as[api.AttemptRequest]),
		method("CompleteSubtask", func(e endpoint.Endpoints) endpoint.Endpoint { return e.CompleteSubtask }, as[api.AttemptRequest]),
		method("FailSubtask", func(e endpoint.Endpoints) endpoint.Endpoint { return e.FailSubtask }, as[api.AttemptRequest]),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchExecution",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Server).watch(in, stream)
			},
		},
	},
}

// method builds the descriptor of one unary Orchestrator method.
func method(name string, pick func(endpoint.Endpoints) endpoint.Endpoint, decode decoder) grpc.MethodDesc {
	fullMethod := "/" + OrchestratorService + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			handler := func(ctx context.Context, req any) (any, error) {
				return s.call(ctx, pick(s.endpoints), decode, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}
