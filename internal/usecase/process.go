package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/pipeline"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/saga"
)

// reviewExpiry is the shelf life of a manual review item.
const reviewExpiry = 7 * 24 * time.Hour

// ProcessService is the worker-side actor: claim, run the pipeline, route
// the outcome, complete the job.
type ProcessService struct {
	jobs     domain.JobRepository
	pipeline *pipeline.Pipeline
	saga     *saga.Engine
	reviews  domain.ReviewRepository
	notifier domain.Notifier
	now      func() time.Time
}

func NewProcessService(
	jobs domain.JobRepository,
	pl *pipeline.Pipeline,
	eng *saga.Engine,
	reviews domain.ReviewRepository,
	notifier domain.Notifier,
) *ProcessService {
	return &ProcessService{jobs: jobs, pipeline: pl, saga: eng, reviews: reviews, notifier: notifier, now: time.Now}
}

// Handle processes one queue message. A nil return acks the message; a
// transient error nacks it for redelivery with backoff.
func (s *ProcessService) Handle(ctx domain.Context, payload domain.ProcessTaskPayload) error {
	token := uuid.NewString()
	log := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", payload.JobID),
		slog.String("worker_token", token))
	ctx = observability.ContextWithLogger(ctx, log)

	job, err := s.jobs.Claim(ctx, payload.JobID, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Already claimed, terminal, or not yet marked queued. Ack; the
			// ingest healing path redelivers the last case.
			log.Info("claim skipped")
			return nil
		}
		return fmt.Errorf("op=process claim: %w", err)
	}

	observability.JobsProcessing.WithLabelValues("process_email").Inc()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	defer func() {
		observability.JobsProcessing.WithLabelValues("process_email").Dec()
		// Large attachment buffers die with the task; reclaim eagerly to
		// stay inside the worker memory envelope.
		runtime.GC()
		var memAfter runtime.MemStats
		runtime.ReadMemStats(&memAfter)
		log.Debug("task memory",
			slog.Uint64("heap_before", memBefore.HeapAlloc),
			slog.Uint64("heap_after", memAfter.HeapAlloc))
	}()

	out, err := s.pipeline.Run(ctx, job)
	if err != nil {
		return fmt.Errorf("op=process pipeline job=%s: %w", job.ID, err)
	}

	if out.NotCreditorReply {
		observability.JobsCompletedTotal.WithLabelValues(string(domain.JobNotCreditorReply)).Inc()
		return s.jobs.Complete(ctx, job.ID, domain.JobNotCreditorReply, "", domain.CompleteExtras{})
	}

	extras := domain.CompleteExtras{
		Extracted:            out.Result,
		Match:                out.Match,
		ExtractionConfidence: out.Score.Extraction,
		OverallConfidence:    out.Score.Overall,
		Route:                out.Route,
	}

	if out.Route.Writes() {
		rec := debtRecord(job, out)
		if _, _, err := s.saga.DualWrite(ctx, job.ID, domain.OpUpdateDebtAmount, rec, saga.Key(job.ID, rec)); err != nil {
			return fmt.Errorf("op=process dual_write job=%s: %w", job.ID, err)
		}
		if out.Route == domain.RouteUpdateNotify {
			if nerr := s.notifier.NotifyReview(ctx, job, *out.Result, out.Score.Overall); nerr != nil {
				log.Warn("review notification failed", slog.Any("error", nerr))
			}
		}
	} else {
		if err := s.enqueueReview(ctx, job, out); err != nil {
			return err
		}
	}

	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
	if err := s.jobs.Complete(ctx, job.ID, domain.JobCompleted, "", extras); err != nil {
		return fmt.Errorf("op=process complete job=%s: %w", job.ID, err)
	}
	return nil
}

func debtRecord(job domain.IncomingJob, out pipeline.Outcome) domain.DebtRecord {
	rec := domain.DebtRecord{
		TicketID:     job.TicketID,
		ClientName:   out.Result.ClientName,
		CreditorName: out.Result.CreditorName,
		Amount:       out.Result.FinalAmount,
		UpdatedAt:    time.Now().UTC(),
	}
	if out.Match != nil {
		rec.CreditorID = out.Match.CandidateID
	}
	return rec
}

func (s *ProcessService) enqueueReview(ctx domain.Context, job domain.IncomingJob, out pipeline.Outcome) error {
	log := observability.LoggerFromContext(ctx)

	reason := domain.ReviewLowConfidence
	priority := 5
	if out.Checkpoints.Agent3 != nil && len(out.Checkpoints.Agent3.Conflicts) > 0 {
		reason = domain.ReviewConflictDetected
		priority = 3
	}
	details, _ := json.Marshal(map[string]any{
		"overall_confidence":    out.Score.Overall,
		"extraction_confidence": out.Score.Extraction,
		"match_confidence":      out.Score.Match,
		"extracted":             out.Result,
		"match":                 out.Match,
		"conflicts":             conflictsOf(out),
	})
	expires := s.now().Add(reviewExpiry)
	item, err := s.reviews.Enqueue(ctx, domain.ManualReviewItem{
		JobID:     job.ID,
		Reason:    reason,
		Priority:  priority,
		Details:   details,
		CreatedAt: s.now(),
		ExpiresAt: &expires,
	})
	if err != nil {
		return fmt.Errorf("op=process enqueue review job=%s: %w", job.ID, err)
	}
	log.Info("manual review enqueued",
		slog.Int64("review_id", item.ID),
		slog.String("reason", string(reason)))

	if nerr := s.notifier.NotifyReview(ctx, job, *out.Result, out.Score.Overall); nerr != nil {
		log.Warn("review notification failed", slog.Any("error", nerr))
	}
	return nil
}

func conflictsOf(out pipeline.Outcome) []domain.FieldConflict {
	if out.Checkpoints.Agent3 == nil {
		return nil
	}
	return out.Checkpoints.Agent3.Conflicts
}

// OnPermanentFailure is the dispatcher hook for messages that exhausted
// their retries or failed permanently: record the terminal state and tell
// an operator.
func (s *ProcessService) OnPermanentFailure(ctx domain.Context, payload domain.ProcessTaskPayload, cause error) {
	log := observability.LoggerFromContext(ctx).With(slog.String("job_id", payload.JobID))

	job, err := s.jobs.Get(ctx, payload.JobID)
	if err != nil {
		log.Error("permanent failure hook could not load job", slog.Any("error", err))
		return
	}
	if job.Status.Terminal() {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.jobs.Complete(ctx, job.ID, domain.JobFailed, msg, domain.CompleteExtras{}); err != nil {
		log.Error("permanent failure hook could not fail job", slog.Any("error", err))
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	if err := s.notifier.NotifyPermanentFailure(ctx, job, msg); err != nil {
		log.Warn("failure notification failed", slog.Any("error", err))
	}
}
