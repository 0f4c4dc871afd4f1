package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/api"
	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/database"
	"github.com/captainteodor/vibess/pkg/events"
	"github.com/captainteodor/vibess/pkg/pool"
	"github.com/captainteodor/vibess/pkg/preload"
	"github.com/captainteodor/vibess/pkg/scheduler"
	"github.com/captainteodor/vibess/pkg/voting"
)

// App holds the running services
type App struct {
	backend   *database.Backend
	publisher events.Publisher
	registry  *api.Registry
	scheduler *scheduler.Scheduler
	server    *api.Server
	logger    *zap.Logger
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err = <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if stopErr := app.stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	backend, err := database.OpenLedger(initCtx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		backend.Close(context.Background())
		return nil, fmt.Errorf("creating event publisher: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := voting.NewMetrics(reg)

	preloader, err := newPreloader(cfg.Preload, reg, logger)
	if err != nil {
		publisher.Close()
		backend.Close(context.Background())
		return nil, err
	}

	limits := data.TraitLimits{Min: cfg.Voting.MinTraitValue, Max: cfg.Voting.MaxTraitValue}
	committer := voting.NewCommitter(backend.Ledger, publisher, voting.CommitConfig{
		CreditIncrement: cfg.Voting.CreditIncrement,
		TraitLimits:     limits,
	}, metrics, logger)

	factory := api.NewSessionFactory(api.SessionDeps{
		Ledger:    backend.Ledger,
		Preloader: preloader,
		Committer: committer,
		PoolConfig: pool.Config{
			PageSize:          cfg.Voting.PageSize,
			PrefetchThreshold: cfg.Voting.PrefetchThreshold,
			CacheCapacity:     cfg.Voting.CacheCapacity,
		},
		TraitLimits: limits,
		Metrics:     metrics,
		Logger:      logger,
	})
	registry := api.NewRegistry(factory, cfg.API.SessionIdleTTL, metrics, logger)

	sched := scheduler.NewScheduler(&cfg.Scheduler, logger)
	if err := sched.RegisterMaintenance(backend.Ledger, cfg.Voting.CompletionVotes, cfg.Scheduler.CompletionSchedule,
		registry, cfg.Scheduler.SweepSchedule); err != nil {
		publisher.Close()
		backend.Close(context.Background())
		return nil, fmt.Errorf("scheduling maintenance: %w", err)
	}

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(registry, backend.Ledger, backend.Ping, logger)
	router := api.NewRouter(handlers, api.RouterOptions{
		JWTSecret:      []byte(cfg.API.JWTSecret),
		AllowedOrigins: cfg.API.AllowedOrigins,
		Gatherer:       reg,
		Logger:         logger,
	})

	app := &App{
		backend:   backend,
		publisher: publisher,
		registry:  registry,
		scheduler: sched,
		server:    api.NewServer(cfg.API, router, logger),
		logger:    logger,
	}
	if err := sched.Start(); err != nil {
		app.stop(context.Background())
		return nil, fmt.Errorf("starting scheduler: %w", err)
	}

	logger.Info("All services started successfully",
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("events", cfg.Events.Backend),
		zap.Bool("preload", cfg.Preload.Enabled))
	return app, nil
}

// newPreloader returns nil when preloading is disabled
func newPreloader(cfg config.PreloadConfig, reg prometheus.Registerer, logger *zap.Logger) (pool.Preloader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	resident, err := cfg.ResidentByteLimit()
	if err != nil {
		return nil, fmt.Errorf("parsing preload.resident_bytes: %w", err)
	}
	maxAsset, err := cfg.MaxAssetByteLimit()
	if err != nil {
		return nil, fmt.Errorf("parsing preload.max_asset_bytes: %w", err)
	}
	return preload.NewHTTPPreloader(preload.Config{
		Timeout:       cfg.Timeout,
		MaxConcurrent: cfg.MaxConcurrent,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		MaxAttempts:   cfg.MaxAttempts,
		ResidentBytes: resident,
		MaxAssetBytes: maxAsset,
	}, &http.Client{Timeout: cfg.Timeout}, reg, logger), nil
}

func (a *App) stop(ctx context.Context) error {
	// Stop services in reverse order
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping HTTP server: %w", err))
	}
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing event publisher: %w", err))
	}
	if err := a.backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing ledger: %w", err))
	}

	for _, err := range errs {
		a.logger.Error("Shutdown error", zap.Error(err))
	}
	a.logger.Info("All services stopped", zap.Int("sessions", a.registry.Len()))

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
