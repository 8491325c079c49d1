package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/example/epicflow/internal/config"
	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/endpoint"
	"github.com/example/epicflow/internal/observability"
	"github.com/example/epicflow/internal/planner/llm"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/internal/storage/sqlite"
	grpctransport "github.com/example/epicflow/internal/transport/grpc"
	"github.com/example/epicflow/internal/web"
)

const shutdownTimeout = 15 * time.Second

type daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	store      *sqlite.SQLiteStorage
	dialer     *grpctransport.WorkerDialer
	dispatcher *service.Dispatcher
	grpc       *grpctransport.Server
	web        *web.Server
	debug      *http.Server
}

// newDaemon opens storage, seeds the registry and wires every service.
// Nothing listens until run is called.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	metrics := observability.NewMetrics()

	logger.Info("opening storage", "path", cfg.Database)
	store, err := sqlite.NewWithMetrics(cfg.Database, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	model, err := newModel(cfg.Planner)
	if err != nil {
		store.Close()
		return nil, err
	}
	planner, err := newPlanner(cfg.Planner, model, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine := engineConfig(cfg)
	dialer := grpctransport.NewWorkerDialer()
	dispatcher := service.NewDispatcher(store, dialer.ClientFor, nil, engine, logger, metrics)

	gate, err := newGate(cfg, model, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if gate != nil {
		dispatcher.SetCompletionGate(gate)
	}

	orch := service.NewOrchestrator(store, dispatcher, planner, engine, logger)
	registry := service.NewWorkerRegistry(store)
	if err := seedWorkers(ctx, registry, cfg.Workers, logger); err != nil {
		store.Close()
		return nil, err
	}
	registry.OnChange(func(ctx context.Context) {
		if err := dispatcher.TriggerAll(ctx, "registry"); err != nil {
			logger.Warn("dispatch after registry change failed", "error", err)
		}
	})

	endpoints := endpoint.MakeEndpoints(orch, registry, service.NewCallbackService(dispatcher))

	return &daemon{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		store:      store,
		dialer:     dialer,
		dispatcher: dispatcher,
		grpc: grpctransport.NewServer(endpoints,
			grpctransport.WithEvents(dispatcher.Events()),
			grpctransport.WithLogger(logger),
			grpctransport.WithMetrics(metrics),
		),
		web: web.NewServer(cfg.HTTPAddr, endpoints,
			web.WithEvents(dispatcher.Events()),
			web.WithLogger(logger),
			web.WithMetrics(metrics),
		),
		debug: &http.Server{Addr: cfg.DebugAddr, Handler: debugMux(metrics)},
	}, nil
}

// run serves until ctx is done or a server fails, then stops everything.
func (d *daemon) run(ctx context.Context) error {
	defer d.store.Close()
	defer d.dialer.Close()

	d.dispatcher.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Serve reports ErrServerStopped when shutdown wins the race.
		if err := d.grpc.ListenAndServe(d.cfg.GRPCAddr); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		d.logger.Info("REST API listening", "addr", d.cfg.HTTPAddr)
		return d.web.Start()
	})
	g.Go(func() error {
		d.logger.Info("debug server listening", "addr", d.cfg.DebugAddr)
		if err := d.debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")

		// Stop dispatching first so no new attempts start while draining.
		d.dispatcher.Stop()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.grpc.GracefulStop()
		errs := []error{d.web.Shutdown(sctx), d.debug.Shutdown(sctx)}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func debugMux(metrics *observability.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func engineConfig(cfg *config.Config) service.Config {
	engine := service.DefaultConfig()
	engine.DefaultMaxParallel = cfg.Engine.MaxParallelWorkers
	engine.DefaultMaxRetries = cfg.Engine.DefaultMaxRetries
	engine.SubtaskTimeout = cfg.Engine.SubtaskTimeout
	engine.ExecutionTimeout = cfg.Engine.ExecutionTimeout
	engine.RetryBaseDelay = cfg.Engine.RetryDelay
	engine.RetryMaxDelay = cfg.Engine.RetryMaxDelay
	engine.BranchPrefix = cfg.Engine.BranchPrefix
	engine.SweepInterval = cfg.Engine.SweepInterval
	engine.StartTimeout = cfg.Engine.StartTimeout
	engine.GateTimeout = cfg.Gate.Timeout
	engine.CallbackAddress = cfg.CallbackAddr
	return engine
}

// newModel returns nil when no language model is configured.
func newModel(cfg config.PlannerConfig) (llms.Model, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, nil
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model: %w", err)
	}
	return model, nil
}

func newPlanner(cfg config.PlannerConfig, model llms.Model, logger *slog.Logger) (service.Planner, error) {
	switch cfg.Kind {
	case config.PlannerLLM:
		if model == nil {
			return nil, errors.New("planner kind llm needs a language model")
		}
		logger.Info("using llm planner", "model", cfg.Model)
		return llm.NewPlanner(model,
			llm.WithMaxSubtasks(cfg.MaxSubtasks),
			llm.WithTemperature(cfg.Temperature),
			llm.WithLogger(logger),
		), nil
	default:
		return service.HeuristicPlanner{MaxSubtasks: cfg.MaxSubtasks}, nil
	}
}

// newGate builds the review gate from the reviewer seeds, one language
// model reviewer each. It returns nil when the gate is disabled.
func newGate(cfg *config.Config, model llms.Model, logger *slog.Logger) (service.CompletionGate, error) {
	if !cfg.Gate.Enabled {
		return nil, nil
	}
	if model == nil {
		return nil, errors.New("gate needs a language model (OPENAI_API_KEY or planner.base_url)")
	}
	var reviewers []service.Reviewer
	for _, w := range cfg.Workers {
		if w.Reviewer {
			reviewers = append(reviewers, llm.NewReviewer(w.Name, model))
		}
	}
	if len(reviewers) < cfg.Gate.MinReviewers {
		return nil, fmt.Errorf("gate needs %d reviewers, %d configured", cfg.Gate.MinReviewers, len(reviewers))
	}
	return service.NewQuorumGate(reviewers, cfg.Gate.MinReviewers, cfg.Gate.MaxRounds, logger), nil
}

// seedWorkers registers the configured profiles. Names already present are
// left untouched.
func seedWorkers(ctx context.Context, registry *service.WorkerRegistry, seeds []config.WorkerSeed, logger *slog.Logger) error {
	for _, s := range seeds {
		isWorker := s.Executor != ""
		w, err := registry.RegisterWorker(ctx, &service.RegisterWorkerRequest{
			Name:          s.Name,
			Executor:      s.Executor,
			Capabilities:  s.Capabilities,
			IsReviewer:    s.Reviewer,
			IsWorker:      &isWorker,
			MaxConcurrent: s.MaxConcurrent,
			Priority:      s.Priority,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			logger.Info("worker already registered with another executor", "worker", s.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("seed worker %s: %w", s.Name, err)
		}
		logger.Info("worker seeded", "worker", w.Name, "worker_id", w.ID)
	}
	return nil
}
