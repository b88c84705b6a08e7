package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/amperebm/procurement/internal/app"
	"github.com/amperebm/procurement/internal/counterparty"
	"github.com/amperebm/procurement/internal/docstore"
	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/extraction"
	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/platform/cache"
	"github.com/amperebm/procurement/internal/platform/db"
	"github.com/amperebm/procurement/internal/shared"
	"github.com/amperebm/procurement/jobs"
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, status cache disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	var statusCache documents.StatusCache
	if redisClient != nil {
		statusCache = documents.NewRedisStatusCache(redisClient)
	}

	docService := documents.NewService(documents.ServiceConfig{
		Repo:      documents.NewRepository(pool),
		Blobs:     docstore.NewPostgresStore(pool),
		Queue:     queue,
		Directory: counterparty.NewRepository(pool),
		Matcher:   matching.NewEngine(),
		Audit:     shared.NewAuditLogger(pool),
		Cache:     statusCache,
		Logger:    logger,
		Polling: documents.PollPolicy{
			Interval:    cfg.ExtractPollInterval,
			MaxAttempts: cfg.ExtractPollMaxAttempts,
		},
	})

	extractor := extraction.NewHTTPClient(cfg.ExtractorURL)
	extractionJob := jobs.NewExtractionJob(docService, extractor, queue, logger)
	sweepJob := jobs.NewExtractSweepJob(pool, docService, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskExtractDispatch, Handler: extractionJob.HandleDispatch},
			{Type: jobs.TaskExtractPoll, Handler: extractionJob.HandlePoll},
			{Type: jobs.TaskExtractSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: jobs.NewSweepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
