package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// requeueBatch bounds how many stale received rows one sweep re-schedules.
const requeueBatch = 100

// StuckJobSweeper fails processing rows whose worker died and re-schedules
// received rows whose enqueue was never acknowledged. The repository does
// each sweep in one guarded statement, so a sweep is cheap enough to run
// every minute.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	queue    domain.Queue
	maxAge   time.Duration
	interval time.Duration
}

func NewStuckJobSweeper(jobs domain.JobRepository, queue domain.Queue, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, queue: queue, maxAge: maxAge, interval: interval}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	ctx, span := otel.Tracer("jobs.sweeper").Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.max_processing_age_seconds", s.maxAge.Seconds()))

	n, err := s.jobs.FailStuckProcessing(ctx, s.maxAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("jobs.marked_failed", n))
	if n > 0 {
		slog.Warn("stuck jobs failed by sweeper", slog.Int64("count", n))
	}

	if s.queue != nil {
		s.requeueReceived(ctx)
	}
}

// requeueReceived re-schedules received rows older than maxAge. They mean
// the ingest crashed between EnqueueProcess and MarkQueued; the worker
// deduplicates by status, so a second enqueue for an already-queued row is
// harmless.
func (s *StuckJobSweeper) requeueReceived(ctx context.Context) {
	ctx, span := otel.Tracer("jobs.sweeper").Start(ctx, "StuckJobSweeper.requeueReceived")
	defer span.End()

	stale, err := s.jobs.ListStaleReceived(ctx, s.maxAge, requeueBatch)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale received sweep failed", slog.Any("error", err))
		return
	}
	requeued := 0
	for _, job := range stale {
		if _, err := s.queue.EnqueueProcess(ctx, domain.ProcessTaskPayload{
			JobID:     job.ID,
			WebhookID: job.WebhookID,
			TicketID:  job.TicketID,
		}); err != nil {
			slog.Error("stale job re-enqueue failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		if err := s.jobs.MarkQueued(ctx, job.ID, false); err != nil {
			slog.Error("stale job mark queued failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	span.SetAttributes(attribute.Int("jobs.requeued", requeued))
	if requeued > 0 {
		slog.Warn("stale received jobs re-scheduled", slog.Int("count", requeued))
	}
}
