// Command epicflowd runs the epicflow orchestration server: the gRPC API,
// the REST API and the debug server (pprof and metrics).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/example/epicflow/internal/config"
	"github.com/example/epicflow/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("EPICFLOW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "epicflowd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Format:  logging.ParseFormat(cfg.Log.Format),
		Output:  os.Stderr,
		Service: "epicflowd",
	})

	// Enable profiling
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := d.run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}
