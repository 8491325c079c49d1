package grpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/epicflow/pkg/api"
)

// OrchestratorClient calls the Orchestrator service. Workers use it for
// callbacks and registration.
type OrchestratorClient struct {
	conn *grpc.ClientConn
}

// Dial connects to an Orchestrator server without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*OrchestratorClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &OrchestratorClient{conn: conn}, nil
}

// NewOrchestratorClient wraps an existing connection.
func NewOrchestratorClient(conn *grpc.ClientConn) *OrchestratorClient {
	return &OrchestratorClient{conn: conn}
}

// Close closes the underlying gRPC connection.
func (c *OrchestratorClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *OrchestratorClient) invoke(ctx context.Context, name string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+OrchestratorService+"/"+name, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func call[T any](ctx context.Context, c *OrchestratorClient, name string, in any) (*T, error) {
	out := new(T)
	if err := c.invoke(ctx, name, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrchestratorClient) CreateEpic(ctx context.Context, req *api.CreateEpicRequest) (*api.Epic, error) {
	return call[api.Epic](ctx, c, "CreateEpic", req)
}

func (c *OrchestratorClient) GetEpic(ctx context.Context, id string) (*api.Epic, error) {
	return call[api.Epic](ctx, c, "GetEpic", map[string]string{"id": id})
}

func (c *OrchestratorClient) CreateExecution(ctx context.Context, req *api.CreateExecutionRequest) (*api.Execution, error) {
	return call[api.Execution](ctx, c, "CreateExecution", req)
}

func (c *OrchestratorClient) GetExecution(ctx context.Context, execID string) (*api.ExecutionDetail, error) {
	return call[api.ExecutionDetail](ctx, c, "GetExecution", &api.ExecutionRequest{ExecutionID: execID})
}

func (c *OrchestratorClient) GeneratePlan(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, "GeneratePlan", execID)
}

func (c *OrchestratorClient) SubmitPlan(ctx context.Context, execID string, plan *api.Plan) (*api.Execution, error) {
	return call[api.Execution](ctx, c, "SubmitPlan", &api.SubmitPlanRequest{ExecutionID: execID, Plan: plan})
}

func (c *OrchestratorClient) StartExecution(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, "StartExecution", execID)
}

func (c *OrchestratorClient) PauseExecution(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, "PauseExecution", execID)
}

func (c *OrchestratorClient) ResumeExecution(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, "ResumeExecution", execID)
}

func (c *OrchestratorClient) CancelExecution(ctx context.Context, execID string) (*api.Execution, error) {
	return c.lifecycle(ctx, "CancelExecution", execID)
}

func (c *OrchestratorClient) lifecycle(ctx context.Context, name, execID string) (*api.Execution, error) {
	return call[api.Execution](ctx, c, name, &api.ExecutionRequest{ExecutionID: execID})
}

func (c *OrchestratorClient) RegisterWorker(ctx context.Context, req *api.RegisterWorkerRequest) (*api.Worker, error) {
	return call[api.Worker](ctx, c, "RegisterWorker", req)
}

func (c *OrchestratorClient) ListWorkers(ctx context.Context, activeOnly bool) ([]api.Worker, error) {
	out := new(api.ListWorkersResponse)
	if err := c.invoke(ctx, "ListWorkers", &api.ListWorkersRequest{ActiveOnly: activeOnly}, out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

func (c *OrchestratorClient) CreateSkill(ctx context.Context, req *api.CreateSkillRequest) (*api.Skill, error) {
	return call[api.Skill](ctx, c, "CreateSkill", req)
}

func (c *OrchestratorClient) ListSkills(ctx context.Context, category string) ([]api.Skill, error) {
	out := new(api.ListSkillsResponse)
	if err := c.invoke(ctx, "ListSkills", &api.ListSkillsRequest{Category: category}, out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

// AssignSkill gives a worker a catalog skill; proficiency 0 selects the
// default.
func (c *OrchestratorClient) AssignSkill(ctx context.Context, workerID, skillID string, proficiency int) (*api.Worker, error) {
	return call[api.Worker](ctx, c, "AssignSkill", &api.WorkerSkillRequest{WorkerID: workerID, SkillID: skillID, Proficiency: proficiency})
}

func (c *OrchestratorClient) AcknowledgeStart(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, "AcknowledgeStart", req)
}

func (c *OrchestratorClient) ReportProgress(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, "ReportProgress", req)
}

func (c *OrchestratorClient) CompleteSubtask(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, "CompleteSubtask", req)
}

func (c *OrchestratorClient) FailSubtask(ctx context.Context, req *api.AttemptRequest) (*api.Subtask, error) {
	return c.callback(ctx, "FailSubtask", req)
}

func (c *OrchestratorClient) callback(ctx context.Context, name string, req *api.AttemptRequest) (*api.Subtask, error) {
	return call[api.Subtask](ctx, c, name, req)
}

// Watch streams the events of an execution to fn until the execution
// finishes, fn returns an error or ctx is done.
func (c *OrchestratorClient) Watch(ctx context.Context, execID string, fn func(api.Event) error) error {
	desc := &grpc.StreamDesc{StreamName: "WatchExecution", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+OrchestratorService+"/WatchExecution")
	if err != nil {
		return err
	}
	req, err := toStruct(&api.ExecutionRequest{ExecutionID: execID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev api.Event
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
