package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/market-ingest/internal/config"
	"github.com/ahmethakanbesel/market-ingest/internal/ingest"
	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/logx"
	"github.com/ahmethakanbesel/market-ingest/internal/obs"
	"github.com/ahmethakanbesel/market-ingest/internal/platform/sqlite"
	"github.com/ahmethakanbesel/market-ingest/internal/provider"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/isyatirim"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/tefas"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/yahoo"
	"github.com/ahmethakanbesel/market-ingest/internal/ratelimit"
	"github.com/ahmethakanbesel/market-ingest/internal/repository/bar"
	cprepo "github.com/ahmethakanbesel/market-ingest/internal/repository/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/repository/event"
	jobrepo "github.com/ahmethakanbesel/market-ingest/internal/repository/job"
	"github.com/ahmethakanbesel/market-ingest/internal/server"
	"github.com/ahmethakanbesel/market-ingest/internal/storage"
	"github.com/ahmethakanbesel/market-ingest/internal/validate"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logx.New(cfg.LogLevel, cfg.LogFormat))

	// Root context: cancelled on SIGINT/SIGTERM so running jobs stop
	// scheduling symbols and the pool drains.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Repositories
	jobRepo := jobrepo.NewRepository(db.DB)
	checkpointRepo := cprepo.NewRepository(db.DB)
	eventRepo := event.NewRepository(db.DB)
	barRepo := bar.NewRepository(db.DB)

	metrics := obs.NewMetrics()
	limiter, err := ratelimit.New(cfg.Provider, cfg.RateCapacity, cfg.RateRefill, ratelimit.WithObserver(metrics))
	if err != nil {
		slog.Error("invalid rate limit", "capacity", cfg.RateCapacity, "refill", cfg.RateRefill, "error", err)
		os.Exit(1)
	}

	// Providers take one limiter token per HTTP request.
	registry := provider.NewRegistry()
	registry.Register(yahoo.New(
		yahoo.WithWorkers(cfg.Workers),
		yahoo.WithInterval(cfg.Interval),
		yahoo.WithLimiter(limiter),
	))
	registry.Register(tefas.New(tefas.WithWorkers(cfg.Workers), tefas.WithLimiter(limiter)))
	registry.Register(isyatirim.New(isyatirim.WithLimiter(limiter)))
	src, err := registry.Get(cfg.Provider)
	if err != nil {
		slog.Error("unknown provider", "error", err)
		os.Exit(1)
	}

	router := storage.NewRouter(cfg.DataDir, db.DB)
	defaultStore, err := router.Select(cfg.OutputFormat)
	if err != nil {
		slog.Error("invalid output format", "error", err)
		os.Exit(1)
	}

	coord := ingest.NewCoordinator(
		jobRepo, checkpointRepo, src, validate.New(), defaultStore,
		ingest.MultiPublisher{ingest.NewLogPublisher(slog.Default()), eventRepo},
		limiter,
		ingest.WithMetrics(metrics),
		ingest.WithStorageSelector(func(target string) (ingest.Storage, error) { return router.Select(target) }),
	)

	jobSvc := job.NewService(jobRepo)
	jobSvc.SetDefaults(job.Config{
		OutputTarget:  cfg.OutputFormat,
		MaxWorkers:    cfg.MaxWorkers,
		BatchSize:     cfg.BatchSize,
		RateLimitHint: cfg.RateRefill,
		Retry: job.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Backoff:     cfg.RetryBackoff,
			Timeout:     cfg.RetryTimeout,
		},
	})

	// Worker pool: picks up pending jobs in the background
	pool := job.NewWorkerPool(jobRepo, coord, cfg.Workers)
	pool.SetResumeInterval(cfg.ResumeInterval)
	jobSvc.SetNotify(pool.Notify)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(rootCtx)
		close(poolDone)
	}()

	// Jobs left IN_PROGRESS by a previous process resume from their checkpoints.
	stale, err := jobSvc.RecoverStaleJobs(rootCtx)
	if err != nil {
		slog.Error("failed to recover stale jobs", "error", err)
	}
	pool.Resume(stale...)

	var apiLimiter *rate.Limiter
	if cfg.APIRPS > 0 {
		apiLimiter = rate.NewLimiter(rate.Limit(cfg.APIRPS), max(cfg.APIBurst, 1))
	}
	srv := server.New(rootCtx, cfg.Port, server.Deps{
		Jobs:        jobSvc,
		Canceller:   coord,
		Events:      eventRepo,
		Checkpoints: checkpointRepo,
		Bars:        barRepo,
		Metrics:     metrics,
	}, apiLimiter)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("ingestd started",
		"port", cfg.Port,
		"provider", src.Name(),
		"providers", registry.Names(),
		"output", cfg.OutputFormat,
		"workers", cfg.Workers,
	)
	<-done

	// Stop scheduling first; in-flight symbols finish their writes.
	rootCancel()
	<-poolDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("ingestd stopped")
}
