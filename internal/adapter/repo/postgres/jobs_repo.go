package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// JobRepo persists incoming jobs and enforces the status state machine with
// guarded UPDATEs.
type JobRepo struct{ Pool PgxPool }

func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, webhook_id, ticket_id, from_email, subject, body_text, body_html,
	headers, attachments, status, COALESCE(processing_error,''), retry_count,
	COALESCE(worker_token,''), received_at, started_at, completed_at,
	checkpoints, extracted_data, match_result,
	extraction_confidence, overall_confidence, COALESCE(confidence_route,'')`

// jobColumnsQualified mirrors jobColumns for queries that join, where the
// unqualified names would be ambiguous.
const jobColumnsQualified = `j.id, j.webhook_id, j.ticket_id, j.from_email, j.subject, j.body_text, j.body_html,
	j.headers, j.attachments, j.status, COALESCE(j.processing_error,''), j.retry_count,
	COALESCE(j.worker_token,''), j.received_at, j.started_at, j.completed_at,
	j.checkpoints, j.extracted_data, j.match_result,
	j.extraction_confidence, j.overall_confidence, COALESCE(j.confidence_route,'')`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.IncomingJob, error) {
	var (
		j                                              domain.IncomingJob
		headers, attachments, checkpoints, extracted, match []byte
	)
	err := row.Scan(&j.ID, &j.WebhookID, &j.TicketID, &j.FromEmail, &j.Subject,
		&j.BodyText, &j.BodyHTML, &headers, &attachments, &j.Status,
		&j.ProcessingError, &j.RetryCount, &j.WorkerToken,
		&j.ReceivedAt, &j.StartedAt, &j.CompletedAt,
		&checkpoints, &extracted, &match,
		&j.ExtractionConfidence, &j.OverallConfidence, &j.ConfidenceRoute)
	if err != nil {
		return domain.IncomingJob{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &j.Headers); err != nil {
			return domain.IncomingJob{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &j.Attachments); err != nil {
			return domain.IncomingJob{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(checkpoints) > 0 {
		if err := json.Unmarshal(checkpoints, &j.Checkpoints); err != nil {
			return domain.IncomingJob{}, fmt.Errorf("decode checkpoints: %w", err)
		}
	}
	if len(extracted) > 0 {
		if err := json.Unmarshal(extracted, &j.ExtractedData); err != nil {
			return domain.IncomingJob{}, fmt.Errorf("decode extracted data: %w", err)
		}
	}
	if len(match) > 0 {
		if err := json.Unmarshal(match, &j.MatchResult); err != nil {
			return domain.IncomingJob{}, fmt.Errorf("decode match result: %w", err)
		}
	}
	return j, nil
}

func (r *JobRepo) Create(ctx domain.Context, j domain.IncomingJob) (string, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Create")
	defer span.End()

	headers, err := json.Marshal(j.Headers)
	if err != nil {
		return "", fmt.Errorf("op=job.create encode headers: %w", err)
	}
	attachments, err := json.Marshal(j.Attachments)
	if err != nil {
		return "", fmt.Errorf("op=job.create encode attachments: %w", err)
	}
	q := `INSERT INTO incoming_jobs
		(id, webhook_id, ticket_id, from_email, subject, body_text, body_html,
		 headers, attachments, status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.WebhookID, j.TicketID, j.FromEmail,
		j.Subject, j.BodyText, j.BodyHTML, headers, attachments, j.Status, j.ReceivedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=job.create webhook_id=%s: %w", j.WebhookID, domain.ErrConflict)
		}
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return j.ID, nil
}

func (r *JobRepo) Get(ctx domain.Context, id string) (domain.IncomingJob, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM incoming_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncomingJob{}, fmt.Errorf("op=job.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.IncomingJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

func (r *JobRepo) FindByWebhookID(ctx domain.Context, webhookID string) (domain.IncomingJob, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.FindByWebhookID")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM incoming_jobs WHERE webhook_id=$1`, webhookID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncomingJob{}, fmt.Errorf("op=job.find_webhook: %w", domain.ErrNotFound)
		}
		return domain.IncomingJob{}, fmt.Errorf("op=job.find_webhook: %w", err)
	}
	return j, nil
}

func (r *JobRepo) List(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.IncomingJob, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.List")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM incoming_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY received_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	var out []domain.IncomingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepo) MarkQueued(ctx domain.Context, id string, manualRetry bool) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.MarkQueued")
	defer span.End()

	var q string
	if manualRetry {
		q = `UPDATE incoming_jobs
			SET status='queued', retry_count=retry_count+1, processing_error=''
			WHERE id=$1 AND status='failed'`
	} else {
		q = `UPDATE incoming_jobs SET status='queued' WHERE id=$1 AND status='received'`
	}
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=job.mark_queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_queued id=%s: %w", id, domain.ErrIllegalTransition)
	}
	return nil
}

// Claim moves exactly one queued row to processing under SKIP LOCKED, so two
// workers can never hold the same job.
func (r *JobRepo) Claim(ctx domain.Context, id, workerToken string) (domain.IncomingJob, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Claim")
	defer span.End()

	q := `WITH claimed AS (
			SELECT id FROM incoming_jobs
			WHERE id=$1 AND status='queued'
			FOR UPDATE SKIP LOCKED
		)
		UPDATE incoming_jobs j
		SET status='processing', worker_token=$2, started_at=now()
		FROM claimed WHERE j.id = claimed.id
		RETURNING ` + jobColumnsQualified
	row := r.Pool.QueryRow(ctx, q, id, workerToken)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncomingJob{}, fmt.Errorf("op=job.claim id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.IncomingJob{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

func (r *JobRepo) Complete(ctx domain.Context, id string, status domain.JobStatus, procErr string, extras domain.CompleteExtras) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Complete")
	defer span.End()

	if !domain.CanTransition(domain.JobProcessing, status) {
		return fmt.Errorf("op=job.complete id=%s to=%s: %w", id, status, domain.ErrIllegalTransition)
	}
	extracted, err := json.Marshal(extras.Extracted)
	if err != nil {
		return fmt.Errorf("op=job.complete encode extracted: %w", err)
	}
	match, err := json.Marshal(extras.Match)
	if err != nil {
		return fmt.Errorf("op=job.complete encode match: %w", err)
	}
	q := `UPDATE incoming_jobs
		SET status=$2, processing_error=$3, completed_at=now(),
			extracted_data=$4, match_result=$5,
			extraction_confidence=$6, overall_confidence=$7, confidence_route=$8
		WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, status, procErr, extracted, match,
		extras.ExtractionConfidence, extras.OverallConfidence, string(extras.Route))
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete id=%s: %w", id, domain.ErrIllegalTransition)
	}
	return nil
}

func (r *JobRepo) SaveCheckpoints(ctx domain.Context, id string, cp domain.Checkpoints) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.SaveCheckpoints")
	defer span.End()

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("op=job.save_checkpoints encode: %w", err)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE incoming_jobs SET checkpoints=$2 WHERE id=$1`, id, payload)
	if err != nil {
		return fmt.Errorf("op=job.save_checkpoints: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.save_checkpoints id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepo) ListCompletedSince(ctx domain.Context, since time.Time) ([]domain.IncomingJob, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListCompletedSince")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM incoming_jobs
		WHERE status='completed' AND completed_at >= $1
		ORDER BY completed_at`
	rows, err := r.Pool.Query(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.list_completed: %w", err)
	}
	defer rows.Close()

	var out []domain.IncomingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_completed scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FailStuckProcessing terminally fails processing rows whose worker stopped
// heartbeating (started_at older than maxAge). The sweeper runs in the app.
func (r *JobRepo) FailStuckProcessing(ctx domain.Context, maxAge time.Duration) (int64, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.FailStuckProcessing")
	defer span.End()

	q := `UPDATE incoming_jobs
		SET status='failed', processing_error='worker stalled', completed_at=now()
		WHERE status='processing' AND started_at < now() - $1::interval`
	tag, err := r.Pool.Exec(ctx, q, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStaleReceived returns received rows older than maxAge. They exist when
// the ingest crashed between the enqueue and MarkQueued; the sweeper
// re-schedules them.
func (r *JobRepo) ListStaleReceived(ctx domain.Context, maxAge time.Duration, limit int) ([]domain.IncomingJob, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListStaleReceived")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM incoming_jobs
		WHERE status='received' AND received_at < now() - $1::interval
		ORDER BY received_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, maxAge.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale_received: %w", err)
	}
	defer rows.Close()

	var out []domain.IncomingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale_received scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
