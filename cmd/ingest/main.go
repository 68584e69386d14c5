package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/verity/internal/app"
	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/ingest"
	"github.com/odyssey-erp/verity/internal/platform/db"
	"github.com/odyssey-erp/verity/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping ingest startup")
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
	if err := db.EnsureSchemas(ctx, pool, cfg.PGSchemaTimeout, events); err != nil {
		logger.Error("ensure schemas", slog.Any("error", err))
		os.Exit(1)
	}

	var enqueuer ingest.Enqueuer
	if cfg.IngestReplay {
		jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		enqueuer = jobClient
	}

	client, err := ingest.ConnectWithRetry(ctx, cfg.NATSURL, 20*time.Second)
	if err != nil {
		logger.Error("connect nats", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Close()

	subscriber := ingest.NewSubscriber(client.JS, ingest.NewService(events, enqueuer, logger), ingest.SubscriberConfig{
		Stream:  cfg.NATSStream,
		Subject: cfg.NATSSubject,
		Durable: cfg.NATSDurable,
		Queue:   cfg.NATSQueue,
	}, logger)
	if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingest run", slog.Any("error", err))
		os.Exit(1)
	}
}
