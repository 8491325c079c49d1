// Command worker-example is a worker process for epicflow. It registers a
// profile with the orchestrator, accepts subtask attempts over the Worker
// gRPC service and simulates the work, reporting progress along the way.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/example/epicflow/internal/logging"
	grpctransport "github.com/example/epicflow/internal/transport/grpc"
	"github.com/example/epicflow/pkg/api"
)

var (
	name             = flag.String("name", "example-worker-1", "worker profile name")
	listenAddr       = flag.String("listen", ":50052", "address to listen on")
	advertiseAddr    = flag.String("advertise", "localhost:50052", "address the orchestrator dials")
	orchestratorAddr = flag.String("orchestrator", "localhost:50051", "orchestrator gRPC address")
	capabilities     = flag.String("capabilities", "backend,frontend,testing,docs", "comma-separated capabilities")
	maxConcurrent    = flag.Int("max-concurrent", 2, "subtasks run at once")
	steps            = flag.Int("steps", 5, "progress reports per subtask")
	stepDelay        = flag.Duration("step", 2*time.Second, "simulated time per step")
	failRate         = flag.Float64("fail-rate", 0, "probability that an attempt fails (0-1)")
	logLevel         = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(*logLevel),
		Format:  logging.FormatText,
		Output:  os.Stderr,
		Service: "worker-example",
	})

	orch, err := grpctransport.Dial(*orchestratorAddr)
	if err != nil {
		logger.Error("failed to connect to orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	w := newExampleWorker(orch, workerOptions{
		Steps:     *steps,
		StepDelay: *stepDelay,
		FailRate:  *failRate,
	}, logger)

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	srv := grpc.NewServer()
	grpctransport.RegisterWorkerServer(srv, w)
	reflection.Register(srv)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("worker listening", "addr", lis.Addr().String())
		serveErr <- srv.Serve(lis)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := register(ctx, orch); err != nil {
		logger.Error("failed to register", "error", err)
		srv.Stop()
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	w.StopAll()
	srv.GracefulStop()
}

func register(ctx context.Context, orch *grpctransport.OrchestratorClient) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var caps []string
	for _, c := range strings.Split(*capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	isWorker := true
	profile, err := orch.RegisterWorker(ctx, &api.RegisterWorkerRequest{
		Name:          *name,
		Executor:      *advertiseAddr,
		Capabilities:  caps,
		IsWorker:      &isWorker,
		MaxConcurrent: *maxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", *name, err)
	}
	fmt.Fprintf(os.Stderr, "registered as %s (%s)\n", profile.Name, profile.ID)
	return nil
}
