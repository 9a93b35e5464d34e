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

	"github.com/odyssey-erp/ansledger/internal/api"
	"github.com/odyssey-erp/ansledger/internal/app"
	"github.com/odyssey-erp/ansledger/internal/observability"
	"github.com/odyssey-erp/ansledger/internal/platform/cache"
	"github.com/odyssey-erp/ansledger/internal/platform/db"
	"github.com/odyssey-erp/ansledger/internal/store"
	"github.com/odyssey-erp/ansledger/jobs"
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
	metrics := observability.NewMetrics()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	repo := store.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, closeRedis, err := cache.Connect(ctx, cfg.RedisAddr, logger)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeRedis()
	invalidator := api.NewCache(redisClient, cfg.CacheTTL)

	ingestService := app.NewIngestService(cfg, logger, metrics.Jobs(), repo)
	ingestJob := jobs.NewIngestJob(ingestService, repo, invalidator, cfg.OutputDir, logger, metrics.Jobs())

	var cron []jobs.CronRegistration
	if cfg.IngestCron != "" {
		ingestTask, err := jobs.NewIngestTask(jobs.IngestPayload{})
		if err != nil {
			logger.Error("build ingest task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.IngestCron, Task: ingestTask})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: 1,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerIngest, Handler: ingestJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.String("cron", cfg.IngestCron), slog.String("version", app.Version))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
