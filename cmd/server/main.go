// Command server starts the creditor email matcher HTTP server: webhook
// ingress, job and review APIs, and the reconciliation trigger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/docstore"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/httpserver"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/queue/redpanda"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/repo/postgres"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/app"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/confidence"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/saga"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness interface.
type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Without a configured DOC endpoint (local development) the in-process
	// store keeps the dual-write flow runnable.
	var doc domain.DocStore = docstore.New(cfg.DocStoreURL, cfg.DocStoreAPIKey)
	if cfg.DocStoreURL == "" {
		doc = docstore.NewMemory()
	}

	// Repositories.
	jobRepo := postgres.NewJobRepo(pool)
	reviewRepo := postgres.NewReviewRepo(pool)
	calibrationRepo := postgres.NewCalibrationRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	idemRepo := postgres.NewIdempotencyRepo(pool)
	reportRepo := postgres.NewReportRepo(pool)
	promptRepo := postgres.NewPromptRepo(pool)
	txRunner := postgres.NewTxRunner(pool)

	// Prompt seeds are idempotent; both processes run them so either can
	// start first on a fresh database.
	if err := prompt.EnsureSeeds(ctx, promptRepo); err != nil {
		slog.Error("prompt seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	thresholds := confidence.Thresholds{High: cfg.ConfidenceHigh, Low: cfg.ConfidenceLow}
	engine := saga.NewEngine(txRunner, cfg.IdempotencyTTL, cfg.OutboxMaxRetries)
	processor := saga.NewProcessor(outboxRepo, doc, cfg.OutboxBatchSize)
	reconciler := saga.NewReconciler(outboxRepo, idemRepo, jobRepo, reportRepo, doc, processor,
		cfg.ReconcileWindow, time.Duration(cfg.OutboxRetentionDays)*24*time.Hour)

	dbCheck, redisCheck, queueCheck, docCheck := app.BuildReadinessChecks(pool, redisPinger{rdb}, producer, doc)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Ingest:     usecase.NewIngestService(jobRepo, producer),
		Jobs:       usecase.NewJobService(jobRepo, producer),
		Reviews:    usecase.NewReviewService(reviewRepo, jobRepo, calibrationRepo, engine, thresholds),
		Reconciler: reconciler,
		Reports:    reportRepo,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		QueueCheck: queueCheck,
		DocCheck:   docCheck,
	}

	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
