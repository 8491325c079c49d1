package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/logging"
	"github.com/example/epicflow/internal/observability"
	"github.com/example/epicflow/internal/service"
)

// Server is the gRPC server for the Orchestrator service.
type Server struct {
	endpoints  endpoint.Endpoints
	events     *service.EventBroadcaster
	logger     *slog.Logger
	metrics    *observability.Metrics
	health     *health.Server
	grpcServer *grpc.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithEvents enables WatchExecution over the given broadcaster.
func WithEvents(events *service.EventBroadcaster) ServerOption {
	return func(s *Server) {
		s.events = events
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records request durations.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a new gRPC server.
func NewServer(endpoints endpoint.Endpoints, opts ...ServerOption) *Server {
	s := &Server{
		endpoints: endpoints,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "grpc")
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(s.logger, s.metrics),
			RecoveryInterceptor(s.logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(s.logger),
		),
	)

	s.grpcServer.RegisterService(&orchestratorServiceDesc, s)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(OrchestratorService, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for grpcurl and other tools
	reflection.Register(s.grpcServer)

	return s
}

// Serve accepts connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// GracefulStop marks the server not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// call runs one unary method: decode, endpoint, encode.
func (s *Server) call(ctx context.Context, ep endpoint.Endpoint, decode decoder, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode(in)
	if err != nil {
		return nil, err
	}
	resp, err := ep(ctx, req)
	if err != nil {
		return nil, endpoint.MapErrorToStatus(err)
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// watch streams the events of one execution until it ends or the client
// goes away.
func (s *Server) watch(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.events == nil {
		return status.Error(codes.Unimplemented, "event streaming is not enabled")
	}
	execID := in.GetFields()["executionId"].GetStringValue()
	if execID == "" {
		return status.Error(codes.InvalidArgument, "executionId is required")
	}

	events, cancel := s.events.Subscribe(execID, 256)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := toStruct(endpoint.EventToAPI(ev))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if ev.Type == domain.EventExecutionStatus {
				if st, err := domain.ParseExecutionStatus(ev.Status); err == nil && st.IsTerminal() {
					return nil
				}
			}
		}
	}
}

// LoggingInterceptor returns a gRPC interceptor that logs requests and their duration.
func LoggingInterceptor(logger *slog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)
		metrics.RequestDuration().WithLabels(info.FullMethod).Observe(duration)

		attrs := []any{"method", info.FullMethod, "duration", duration}
		if execID := extractExecutionID(req); execID != "" {
			attrs = append(attrs, "execution_id", execID)
		}
		if err != nil {
			attrs = append(attrs, "code", status.Code(err).String(), "error", err)
			logger.WarnContext(ctx, "gRPC call failed", attrs...)
		} else {
			logger.DebugContext(ctx, "gRPC call", attrs...)
		}
		return resp, err
	}
}

func extractExecutionID(req any) string {
	if s, ok := req.(*structpb.Struct); ok {
		return s.GetFields()["executionId"].GetStringValue()
	}
	return ""
}

// RecoveryInterceptor returns a gRPC interceptor that recovers from panics.
func RecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "gRPC panic recovered",
					"method", info.FullMethod, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streaming calls.
func StreamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC stream panic recovered", "method", info.FullMethod, "panic", fmt.Sprint(r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}
