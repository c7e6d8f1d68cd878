// Package usecase wires the domain ports into the application flows:
// webhook ingestion, job processing, job queries and manual review.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// IngestService is the thin webhook entry: persist RECEIVED, enqueue,
// mark QUEUED. It does no extraction.
type IngestService struct {
	jobs  domain.JobRepository
	queue domain.Queue
	now   func() time.Time
}

func NewIngestService(jobs domain.JobRepository, queue domain.Queue) *IngestService {
	return &IngestService{jobs: jobs, queue: queue, now: time.Now}
}

// Ingest stores the inbound email and schedules processing. Duplicate
// webhook ids short-circuit to the existing row. An accepted return means
// the RECEIVED row is durable and the queue message exists.
func (s *IngestService) Ingest(ctx domain.Context, job domain.IncomingJob) (string, bool, error) {
	log := observability.LoggerFromContext(ctx)

	if job.WebhookID != "" {
		existing, err := s.jobs.FindByWebhookID(ctx, job.WebhookID)
		switch {
		case err == nil && existing.Status != domain.JobReceived:
			log.Info("duplicate webhook ignored",
				slog.String("webhook_id", job.WebhookID),
				slog.String("job_id", existing.ID))
			return existing.ID, true, nil
		case err == nil:
			// A previous attempt crashed between create and enqueue; resume it.
			return existing.ID, true, s.schedule(ctx, existing)
		case !errors.Is(err, domain.ErrNotFound):
			return "", false, fmt.Errorf("op=ingest dedupe: %w", err)
		}
	}

	job.ID = uuid.NewString()
	job.Status = domain.JobReceived
	job.ReceivedAt = s.now()
	id, err := s.jobs.Create(ctx, job)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && job.WebhookID != "" {
			// Lost a race with a concurrent delivery of the same webhook.
			existing, ferr := s.jobs.FindByWebhookID(ctx, job.WebhookID)
			if ferr == nil {
				return existing.ID, true, nil
			}
		}
		return "", false, fmt.Errorf("op=ingest create: %w", err)
	}
	job.ID = id
	return id, false, s.schedule(ctx, job)
}

// schedule enqueues the processing task and transitions RECEIVED -> QUEUED.
// The enqueue goes first so that an accepted response always implies a
// queue message; a crash before MarkQueued leaves the row received, which
// the sweeper re-schedules and the duplicate delivery path above also heals.
func (s *IngestService) schedule(ctx domain.Context, job domain.IncomingJob) error {
	_, err := s.queue.EnqueueProcess(ctx, domain.ProcessTaskPayload{
		JobID:     job.ID,
		WebhookID: job.WebhookID,
		TicketID:  job.TicketID,
		RequestID: observability.RequestIDFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("op=ingest enqueue job=%s: %w", job.ID, err)
	}
	if err := s.jobs.MarkQueued(ctx, job.ID, false); err != nil {
		return fmt.Errorf("op=ingest mark queued job=%s: %w", job.ID, err)
	}
	observability.EnqueueJob("process_email")
	return nil
}
