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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/verity/internal/app"
	"github.com/odyssey-erp/verity/internal/docindex"
	"github.com/odyssey-erp/verity/internal/eventlog"
	jobmetrics "github.com/odyssey-erp/verity/internal/jobs"
	"github.com/odyssey-erp/verity/internal/ledger"
	"github.com/odyssey-erp/verity/internal/observability"
	"github.com/odyssey-erp/verity/internal/platform/cache"
	"github.com/odyssey-erp/verity/internal/platform/db"
	"github.com/odyssey-erp/verity/internal/projection"
	"github.com/odyssey-erp/verity/internal/readcache"
	"github.com/odyssey-erp/verity/internal/shared"
	"github.com/odyssey-erp/verity/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	events := eventlog.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	docRepo := docindex.NewRepository(pool)
	if err := db.EnsureSchemas(ctx, pool, cfg.PGSchemaTimeout, events, ledgerRepo, docRepo); err != nil {
		logger.Error("ensure schemas", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 20*time.Second)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	coordinator := projection.NewCoordinator(
		ledger.NewWriter(events, ledgerRepo, ledger.NewMapper(), logger),
		docindex.NewWriter(events, docRepo, docindex.NewMapper(), logger),
		logger,
	)
	replayJob := jobs.NewReplayJob(
		coordinator,
		events,
		shared.NewLocker(redisClient),
		readcache.New(redisClient, cfg.ReadCacheTTL),
		logger,
		jobmetrics.NewMetrics(metrics.Registerer()),
	)
	replayJob.LockTTL = cfg.ReplayLockTTL
	replayJob.Concurrency = cfg.ReplayConcurrency

	var cron []jobs.CronRegistration
	if cfg.ReplayCron != "" {
		replayTask, err := jobs.NewProjectionReplayTask(jobs.AllOrgs)
		if err != nil {
			logger.Error("build replay task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.ReplayCron,
			Task:    replayTask,
			Options: []asynq.Option{asynq.Unique(time.Minute)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    replayJob.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker started", slog.String("replay_cron", cfg.ReplayCron), slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
