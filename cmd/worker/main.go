// Command worker consumes processing tasks from the queue, runs the agent
// pipeline, drains the outbox and executes the periodic reconciliation and
// metric rollup passes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/docstore"
	kvredis "github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/kv/redis"
	llmreal "github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/llm/real"
	llmstub "github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/llm/stub"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/llm/tokencount"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/notify"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/objstore"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/queue/redpanda"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/repo/postgres"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/app"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/confidence"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/extractor"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/match"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/pipeline"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/saga"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	// Repositories.
	jobRepo := postgres.NewJobRepo(pool)
	reviewRepo := postgres.NewReviewRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	idemRepo := postgres.NewIdempotencyRepo(pool)
	reportRepo := postgres.NewReportRepo(pool)
	promptRepo := postgres.NewPromptRepo(pool)
	promptMetricsRepo := postgres.NewPromptMetricsRepo(pool)
	inquiryRepo := postgres.NewInquiryRepo(pool)
	txRunner := postgres.NewTxRunner(pool)

	if err := prompt.EnsureSeeds(ctx, promptRepo); err != nil {
		slog.Error("prompt seed failed", slog.Any("error", err))
		os.Exit(1)
	}
	registry := prompt.NewRegistry(promptRepo, promptMetricsRepo)

	// LLM vendor. Development without an API key falls back to the
	// deterministic stub so the full flow stays runnable offline.
	var llm domain.LLMClient
	if cfg.LLMAPIKey == "" && cfg.IsDev() {
		slog.Warn("no LLM api key, using deterministic stub client")
		llm = llmstub.New()
	} else {
		llm = llmreal.New(cfg)
	}

	breaker := kvredis.NewCostBreaker(rdb, cfg.DailyCostCapUSD)
	counter := tokencount.NewCounter()
	fetcher := objstore.New(os.TempDir())
	var doc domain.DocStore = docstore.New(cfg.DocStoreURL, cfg.DocStoreAPIKey)
	if cfg.DocStoreURL == "" {
		doc = docstore.NewMemory()
	}

	ext := extractor.New(llm, breaker, fetcher, registry, counter, extractor.Options{
		VisionModel:     cfg.LLMVisionModel,
		MaxFileBytes:    cfg.LLMMaxFileBytes,
		MaxPages:        cfg.MaxDocumentPages,
		CostPer1KTokens: cfg.CostPer1KTokens,
	})

	thresholds := confidence.Thresholds{High: cfg.ConfidenceHigh, Low: cfg.ConfidenceLow}
	matcher := match.New(inquiryRepo, cfg.MatchWindow)
	pl := pipeline.New(llm, registry, counter, breaker, ext, doc, matcher, jobRepo, pipeline.Options{
		CheapModel:      cfg.LLMCheapModel,
		CostPer1KTokens: cfg.CostPer1KTokens,
		TokenBudget:     cfg.JobTokenBudget,
		Thresholds:      thresholds,
	})

	engine := saga.NewEngine(txRunner, cfg.IdempotencyTTL, cfg.OutboxMaxRetries)
	processor := saga.NewProcessor(outboxRepo, doc, cfg.OutboxBatchSize)
	reconciler := saga.NewReconciler(outboxRepo, idemRepo, jobRepo, reportRepo, doc, processor,
		cfg.ReconcileWindow, time.Duration(cfg.OutboxRetentionDays)*24*time.Hour)

	mailer := notify.NewMailer(cfg)
	processSvc := usecase.NewProcessService(jobRepo, pl, engine, reviewRepo, mailer)

	minBackoff, maxBackoff, maxAttempts := cfg.GetRetryBackoff()
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "creditor-matcher-workers", processSvc,
		redpanda.RetryPolicy{MaxAttempts: maxAttempts, MinBackoff: minBackoff, MaxBackoff: maxBackoff},
		cfg.ConsumerMaxConcurrency)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	// The sweeper needs a producer to re-schedule received rows whose
	// original enqueue was lost.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Background loops: outbox drain, stuck-job sweep, reconciliation and
	// the daily prompt metric rollup.
	go drainOutbox(ctx, processor)
	if sweeper := app.NewStuckJobSweeper(jobRepo, producer, cfg.StuckJobMaxAge, time.Minute); sweeper != nil {
		go sweeper.Run(ctx)
	}
	go runReconciler(ctx, reconciler, cfg.ReconcileInterval)
	go runRollup(ctx, registry, cfg.RollupInterval, time.Duration(cfg.MetricsRetentionDays)*24*time.Hour)

	slog.Info("starting redpanda consumer",
		slog.Int("max_concurrency", cfg.ConsumerMaxConcurrency),
		slog.Int("retry_max_attempts", maxAttempts))
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func drainOutbox(ctx context.Context, processor *saga.Processor) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := processor.Drain(ctx); err != nil {
				slog.Error("outbox drain failed", slog.Any("error", err))
			}
		}
	}
}

func runReconciler(ctx context.Context, rec *saga.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rec.Run(ctx); err != nil {
				slog.Error("reconciliation run failed", slog.Any("error", err))
			}
		}
	}
}

func runRollup(ctx context.Context, registry *prompt.Registry, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if n, err := registry.RollupDay(ctx, yesterday, retention); err != nil {
				slog.Error("prompt rollup failed", slog.Any("error", err))
			} else {
				slog.Info("prompt rollup completed", slog.Int("rows", n))
			}
		}
	}
}
