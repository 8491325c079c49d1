package grpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/pkg/api"
)

// WorkerDialer resolves gRPC worker clients by executor address. It caches
// one connection per address and satisfies service.WorkerClientFactory
// through ClientFor.
type WorkerDialer struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewWorkerDialer creates a dialer. Connections are insecure unless opts
// say otherwise.
func NewWorkerDialer(opts ...grpc.DialOption) *WorkerDialer {
	return &WorkerDialer{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}
}

// ClientFor returns the client for a worker profile.
func (d *WorkerDialer) ClientFor(profile *domain.WorkerProfile) (service.WorkerClient, error) {
	if profile.Executor == "" {
		return nil, fmt.Errorf("%w: worker %s has no executor address", domain.ErrInvalidArgument, profile.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.conns[profile.Executor]
	if !ok {
		var err error
		conn, err = grpc.NewClient(profile.Executor, d.opts...)
		if err != nil {
			return nil, fmt.Errorf("dial worker %s: %w", profile.Name, err)
		}
		d.conns[profile.Executor] = conn
	}
	return &workerClient{conn: conn}, nil
}

// Close closes every cached connection.
func (d *WorkerDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for addr, conn := range d.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.conns, addr)
	}
	return first
}

type workerClient struct {
	conn *grpc.ClientConn
}

func (c *workerClient) Start(ctx context.Context, req *service.StartRequest) error {
	return c.invoke(ctx, "Start", endpoint.StartToAPI(req))
}

func (c *workerClient) Stop(ctx context.Context, req *service.StopRequest) error {
	return c.invoke(ctx, "Stop", endpoint.StopToAPI(req))
}

func (c *workerClient) invoke(ctx context.Context, name string, in any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, "/"+WorkerService+"/"+name, req, new(structpb.Struct))
}

// RegisterWorkerServer registers the Worker service on s. Worker processes
// implement the same contract the dispatcher calls.
func RegisterWorkerServer(s *grpc.Server, w service.WorkerClient) {
	s.RegisterService(&workerServiceDesc, w)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerService,
	HandlerType: (*service.WorkerClient)(nil),
	Methods: []grpc.MethodDesc{
		workerMethod("Start", func(ctx context.Context, w service.WorkerClient, in *structpb.Struct) error {
			var req api.StartSubtaskRequest
			if err := fromStruct(in, &req); err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			return w.Start(ctx, endpoint.StartFromAPI(&req))
		}),
		workerMethod("Stop", func(ctx context.Context, w service.WorkerClient, in *structpb.Struct) error {
			var req api.StopSubtaskRequest
			if err := fromStruct(in, &req); err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			return w.Stop(ctx, endpoint.StopFromAPI(&req))
		}),
	},
}

func workerMethod(name string, call func(ctx context.Context, w service.WorkerClient, in *structpb.Struct) error) grpc.MethodDesc {
	fullMethod := "/" + WorkerService + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				if err := call(ctx, srv.(service.WorkerClient), req.(*structpb.Struct)); err != nil {
					return nil, workerStatus(err)
				}
				return &structpb.Struct{}, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// workerStatus keeps the worker's message for errors outside the domain set.
func workerStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if endpoint.Code(err) == codes.Internal {
		return status.Error(codes.Unknown, err.Error())
	}
	return endpoint.MapErrorToStatus(err)
}
