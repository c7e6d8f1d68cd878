package saga

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Reconciler converges RDB and DOC on a periodic tick. RDB is the
// authoritative side; drift is always repaired from it.
type Reconciler struct {
	outbox    domain.OutboxRepository
	idem      domain.IdempotencyRepository
	jobs      domain.JobRepository
	reports   domain.ReportRepository
	doc       domain.DocStore
	processor *Processor

	window          time.Duration // drift comparison lookback
	outboxRetention time.Duration
	now             func() time.Time
}

func NewReconciler(
	outbox domain.OutboxRepository,
	idem domain.IdempotencyRepository,
	jobs domain.JobRepository,
	reports domain.ReportRepository,
	doc domain.DocStore,
	processor *Processor,
	window, outboxRetention time.Duration,
) *Reconciler {
	return &Reconciler{
		outbox:          outbox,
		idem:            idem,
		jobs:            jobs,
		reports:         reports,
		doc:             doc,
		processor:       processor,
		window:          window,
		outboxRetention: outboxRetention,
		now:             time.Now,
	}
}

// Run executes one reconciliation pass: (i) retry unprocessed outbox
// messages, (ii) compare RDB vs DOC over the window and repair drift,
// (iii) clean up expired idempotency records and old processed outbox
// rows, (iv) persist a report. When the DOC store is unreachable only the
// drift step is skipped.
func (r *Reconciler) Run(ctx domain.Context) (domain.ReconciliationReport, error) {
	log := observability.LoggerFromContext(ctx)
	runAt := r.now()

	reportID, err := r.reports.Start(ctx, runAt)
	if err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("op=reconcile start: %w", err)
	}
	report := domain.ReconciliationReport{ID: reportID, RunAt: runAt}

	details := map[string]any{}
	var firstErr error
	note := func(step string, err error) {
		log.Error("reconciliation step failed", slog.String("step", step), slog.Any("error", err))
		details[step+"_error"] = err.Error()
		if firstErr == nil {
			firstErr = err
		}
	}

	// (i) outbox retries: failed rows back to pending, then drain.
	requeued := 0
	if stale, err := r.outbox.UnprocessedSince(ctx, r.window); err != nil {
		note("outbox_scan", err)
	} else {
		for _, msg := range stale {
			if msg.State != domain.OutboxFailed {
				continue
			}
			if err := r.outbox.Requeue(ctx, msg.ID); err != nil {
				note("outbox_requeue", err)
				break
			}
			requeued++
		}
	}
	delivered, err := r.processor.Drain(ctx)
	if err != nil {
		note("outbox_drain", err)
	}
	details["outbox_requeued"] = requeued
	details["outbox_delivered"] = delivered

	// (ii) drift comparison, skipped when the DOC side is down.
	if pingErr := r.doc.Ping(ctx); pingErr != nil {
		log.Warn("doc store unavailable, skipping drift comparison", slog.Any("error", pingErr))
		details["drift_skipped"] = pingErr.Error()
	} else {
		r.compareWindow(ctx, &report, details)
	}

	// (iii) cleanup.
	if n, err := r.idem.DeleteExpired(ctx, r.now()); err != nil {
		note("idempotency_cleanup", err)
	} else {
		details["idempotency_deleted"] = n
	}
	if n, err := r.outbox.DeleteProcessedBefore(ctx, r.now().Add(-r.outboxRetention)); err != nil {
		note("outbox_cleanup", err)
	} else {
		details["outbox_deleted"] = n
	}
	if n, err := r.outbox.CountFailed(ctx); err == nil {
		details["outbox_failed_remaining"] = n
	}

	// (iv) report.
	switch {
	case firstErr != nil:
		report.Status = domain.ReconciliationFailed
		report.ErrorMessage = firstErr.Error()
	case report.FailedRepairs > 0:
		report.Status = domain.ReconciliationPartial
	default:
		report.Status = domain.ReconciliationCompleted
	}
	report.Details, _ = json.Marshal(details)
	done := r.now()
	report.CompletedAt = &done

	observability.ReconciliationRunsTotal.WithLabelValues(string(report.Status)).Inc()
	if err := r.reports.Finish(ctx, report); err != nil {
		return report, fmt.Errorf("op=reconcile finish: %w", err)
	}
	log.Info("reconciliation run finished",
		slog.String("status", string(report.Status)),
		slog.Int("records_checked", report.RecordsChecked),
		slog.Int("mismatches", report.Mismatches),
		slog.Int("auto_repaired", report.AutoRepaired))
	return report, nil
}

// compareWindow walks completed jobs in the window and re-applies the
// authoritative RDB record wherever the DOC copy drifted.
func (r *Reconciler) compareWindow(ctx domain.Context, report *domain.ReconciliationReport, details map[string]any) {
	log := observability.LoggerFromContext(ctx)

	jobs, err := r.jobs.ListCompletedSince(ctx, r.now().Add(-r.window))
	if err != nil {
		details["drift_scan_error"] = err.Error()
		return
	}
	for _, job := range jobs {
		if job.ExtractedData == nil || !job.ConfidenceRoute.Writes() {
			continue
		}
		report.RecordsChecked++

		want := debtFromJob(job)
		got, err := r.doc.GetByTicket(ctx, job.TicketID)
		if err != nil {
			report.FailedRepairs++
			continue
		}
		if got != nil && amountsEqual(got.Amount, want.Amount) {
			continue
		}
		report.Mismatches++

		key := Key(job.ID, want) + ":reconcile"
		if err := r.doc.UpsertDebt(ctx, want, key); err != nil {
			report.FailedRepairs++
			log.Warn("drift repair failed",
				slog.String("job_id", job.ID),
				slog.String("ticket_id", job.TicketID),
				slog.Any("error", err))
			continue
		}
		report.AutoRepaired++
	}
}

func amountsEqual(a, b decimal.Decimal) bool { return a.Equal(b) }

// debtFromJob rebuilds the DOC record from the authoritative job row.
func debtFromJob(job domain.IncomingJob) domain.DebtRecord {
	rec := domain.DebtRecord{
		TicketID:  job.TicketID,
		UpdatedAt: time.Now().UTC(),
	}
	if job.ExtractedData != nil {
		rec.Amount = job.ExtractedData.FinalAmount
		rec.ClientName = job.ExtractedData.ClientName
		rec.CreditorName = job.ExtractedData.CreditorName
	}
	if job.MatchResult != nil {
		rec.CreditorID = job.MatchResult.CandidateID
	}
	return rec
}
