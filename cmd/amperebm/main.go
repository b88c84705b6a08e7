package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/amperebm/procurement/internal/app"
	"github.com/amperebm/procurement/internal/approvals"
	"github.com/amperebm/procurement/internal/counterparty"
	"github.com/amperebm/procurement/internal/docstore"
	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/extraction"
	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/observability"
	"github.com/amperebm/procurement/internal/platform/cache"
	"github.com/amperebm/procurement/internal/platform/db"
	"github.com/amperebm/procurement/internal/reconcile"
	"github.com/amperebm/procurement/internal/renderer"
	"github.com/amperebm/procurement/internal/shared"
	"github.com/amperebm/procurement/jobs"
)

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

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

	blobs := docstore.NewPostgresStore(pool)
	directory := counterparty.NewRepository(pool)
	docService := documents.NewService(documents.ServiceConfig{
		Repo:      documents.NewRepository(pool),
		Blobs:     blobs,
		Queue:     queue,
		Directory: directory,
		Matcher:   matching.NewEngine(),
		Audit:     auditLogger,
		Cache:     statusCache,
		Metrics:   metrics,
		Logger:    logger,
		Uploads: documents.UploadPolicy{
			MaxBytes:     cfg.UploadMaxBytes,
			AllowedTypes: cfg.AllowedUploadTypes(),
		},
		Polling: documents.PollPolicy{
			Interval:    cfg.ExtractPollInterval,
			MaxAttempts: cfg.ExtractPollMaxAttempts,
		},
	})

	gotenberg := renderer.NewClient(cfg.GotenbergURL)
	if err := gotenberg.Ping(ctx); err != nil {
		logger.Warn("po renderer unreachable", slog.String("url", cfg.GotenbergURL), slog.Any("error", err))
	}
	approvalService := approvals.NewService(approvals.ServiceConfig{
		Repo:      approvals.NewRepository(pool),
		Allocator: approvals.NewPGAllocator(pool, approvals.Scope(cfg.NumberingScope)),
		Renderer:  renderer.NewPORenderer(gotenberg, blobs),
		Audit:     auditLogger,
		Metrics:   metrics,
		Logger:    logger,
	})

	reconcileService := reconcile.NewService(reconcile.ServiceConfig{
		Repo:    reconcile.NewRepository(pool),
		Audit:   auditLogger,
		Metrics: metrics,
		Logger:  logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		DocumentHandler:     documents.NewHandler(logger, docService),
		ApprovalHandler:     approvals.NewHandler(logger, approvalService),
		ReconcileHandler:    reconcile.NewHandler(logger, reconcileService),
		CounterpartyHandler: counterparty.NewHandler(logger, directory),
		WebhookHandler:      extraction.NewWebhookHandler(logger, docService),
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
