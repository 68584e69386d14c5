package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/verity/cmd/verity/cli"
	"github.com/odyssey-erp/verity/internal/app"
	"github.com/odyssey-erp/verity/internal/docindex"
	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/ingest"
	jobmetrics "github.com/odyssey-erp/verity/internal/jobs"
	"github.com/odyssey-erp/verity/internal/ledger"
	"github.com/odyssey-erp/verity/internal/observability"
	"github.com/odyssey-erp/verity/internal/platform/cache"
	"github.com/odyssey-erp/verity/internal/platform/db"
	"github.com/odyssey-erp/verity/internal/projection"
	projectionhttp "github.com/odyssey-erp/verity/internal/projection/http"
	"github.com/odyssey-erp/verity/internal/readcache"
	"github.com/odyssey-erp/verity/internal/shared"
	"github.com/odyssey-erp/verity/jobs"
)

const usage = `usage: verity <command> [flags]

commands:
  serve                     run the read API (default)
  replay  -org ID [-json]   catch projections up for one organization
  rebuild -org ID [-json]   rebuild projections for one organization
  append  [-file PATH] [-source S] [-json]
                            append newline-delimited event messages
  jobs trigger -task NAME [-org ID]
  jobs stats
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var code int
	switch command {
	case "serve":
		code = serve(ctx, cfg, logger)
	case "replay", "rebuild":
		code = runProjection(ctx, cfg, logger, command == "rebuild", args)
	case "append":
		code = appendEvents(ctx, cfg, logger, args)
	case "jobs":
		code = jobsCommand(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

type services struct {
	pool   *pgxpool.Pool
	redis  *redis.Client
	events *eventlog.Repository
	ledger *ledger.Repository
	docs   *docindex.Repository
	cache  *readcache.Cache
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*services, error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rt := &services{
		pool:   pool,
		events: eventlog.NewRepository(pool),
		ledger: ledger.NewRepository(pool),
		docs:   docindex.NewRepository(pool),
	}
	if err := db.EnsureSchemas(ctx, pool, cfg.PGSchemaTimeout, rt.events, rt.ledger, rt.docs); err != nil {
		pool.Close()
		return nil, err
	}
	rt.redis, err = cache.New(ctx, cfg.RedisAddr, 10*time.Second)
	if err != nil {
		pool.Close()
		return nil, err
	}
	rt.cache = readcache.New(rt.redis, cfg.ReadCacheTTL)
	return rt, nil
}

func (rt *services) close(logger *slog.Logger) {
	if err := rt.redis.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	rt.pool.Close()
}

func (rt *services) replayJob(cfg *app.Config, logger *slog.Logger, metrics *jobmetrics.Metrics) *jobs.ReplayJob {
	coordinator := projection.NewCoordinator(
		ledger.NewWriter(rt.events, rt.ledger, ledger.NewMapper(), logger),
		docindex.NewWriter(rt.events, rt.docs, docindex.NewMapper(), logger),
		logger,
	)
	job := jobs.NewReplayJob(coordinator, rt.events, shared.NewLocker(rt.redis), rt.cache, logger, metrics)
	job.LockTTL = cfg.ReplayLockTTL
	job.Concurrency = cfg.ReplayConcurrency
	return job
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	rt, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.close(logger)

	metrics := observability.NewMetrics()
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	if err := rt.cache.ListenForInvalidation(ctx, func(orgID string) {
		logger.Debug("read cache invalidated", slog.String("org_id", orgID))
	}); err != nil {
		logger.Warn("listen for cache invalidation", slog.Any("error", err))
	}

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		ProjectionHandler: projectionhttp.NewHandler(logger, rt.ledger, rt.docs, jobClient, rt.cache),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			cancelServe()
		}
	}()

	<-serveCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func runProjection(ctx context.Context, cfg *app.Config, logger *slog.Logger, rebuild bool, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	orgID := fs.String("org", "", "organization id")
	jsonOut := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.close(logger)

	projectionCLI, err := cli.NewProjectionCLI(rt.replayJob(cfg, logger, jobmetrics.NewMetrics(nil)))
	if err != nil {
		logger.Error("init projection cli", slog.Any("error", err))
		return 1
	}
	return projectionCLI.RunCommand(ctx, cli.RunOptions{OrgID: *orgID, Rebuild: rebuild, JSONOutput: *jsonOut})
}

func appendEvents(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	path := fs.String("file", "-", "newline-delimited JSON events, - for stdin")
	source := fs.String("source", eventlog.SourceImport, "source recorded on each event")
	jsonOut := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.close(logger)

	appendCLI, err := cli.NewAppendCLI(rt.events, ingest.NewService(rt.events, nil, logger))
	if err != nil {
		logger.Error("init append cli", slog.Any("error", err))
		return 1
	}
	return appendCLI.AppendCommand(ctx, cli.AppendOptions{Path: *path, Source: *source, JSONOutput: *jsonOut})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		task := fs.String("task", jobs.TaskProjectionReplay, "task type")
		orgID := fs.String("org", "", "organization id, empty for all")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, *task, *orgID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s as %s on queue %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
	return 0
}
