package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// OutboxRepo manages outbox rows outside the dual-write transaction. The
// processor claims rows skip-locked, so concurrent drains never double
// deliver.
type OutboxRepo struct{ Pool PgxPool }

func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

const outboxColumns = `id, aggregate_type, aggregate_id, operation, payload, idempotency_key,
	state, created_at, processed_at, retry_count, max_retries, COALESCE(last_error,'')`

func scanOutbox(row rowScanner) (domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	err := row.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.Operation,
		&m.Payload, &m.IdempotencyKey, &m.State, &m.CreatedAt, &m.ProcessedAt,
		&m.RetryCount, &m.MaxRetries, &m.LastError)
	return m, err
}

func (r *OutboxRepo) ClaimPending(ctx domain.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.ClaimPending")
	defer span.End()

	q := `WITH claimed AS (
			SELECT id FROM outbox_messages
			WHERE state='pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o SET state='processing'
		FROM claimed WHERE o.id = claimed.id
		RETURNING o.id, o.aggregate_type, o.aggregate_id, o.operation, o.payload,
			o.idempotency_key, o.state, o.created_at, o.processed_at,
			o.retry_count, o.max_retries, COALESCE(o.last_error,'')`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim_pending: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.claim_pending scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) MarkProcessed(ctx domain.Context, id int64) error {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.MarkProcessed")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE outbox_messages SET state='processed', processed_at=now() WHERE id=$1 AND state='processing'`, id)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_processed id=%d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_processed id=%d: %w", id, domain.ErrIllegalTransition)
	}
	return nil
}

// MarkRetry records a failed attempt. Exhausted messages move to failed but
// stay in the table for the reconciler.
func (r *OutboxRepo) MarkRetry(ctx domain.Context, id int64, lastError string) (domain.OutboxMessage, error) {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.MarkRetry")
	defer span.End()

	q := `UPDATE outbox_messages
		SET retry_count = retry_count + 1,
			last_error = $2,
			state = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		WHERE id=$1 AND state='processing'
		RETURNING ` + outboxColumns
	m, err := scanOutbox(r.Pool.QueryRow(ctx, q, id, lastError))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxMessage{}, fmt.Errorf("op=outbox.mark_retry id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.OutboxMessage{}, fmt.Errorf("op=outbox.mark_retry: %w", err)
	}
	return m, nil
}

func (r *OutboxRepo) Requeue(ctx domain.Context, id int64) error {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.Requeue")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE outbox_messages SET state='pending', retry_count=0 WHERE id=$1 AND state='failed'`, id)
	if err != nil {
		return fmt.Errorf("op=outbox.requeue id=%d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.requeue id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UnprocessedSince returns failed or stalled messages older than window for
// the reconciler to requeue.
func (r *OutboxRepo) UnprocessedSince(ctx domain.Context, window time.Duration) ([]domain.OutboxMessage, error) {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.UnprocessedSince")
	defer span.End()

	q := `SELECT ` + outboxColumns + ` FROM outbox_messages
		WHERE state='failed' AND created_at >= now() - $1::interval
		ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, window.String())
	if err != nil {
		return nil, fmt.Errorf("op=outbox.unprocessed: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.unprocessed scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) DeleteProcessedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.DeleteProcessedBefore")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM outbox_messages WHERE state='processed' AND processed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.delete_processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepo) CountFailed(ctx domain.Context) (int, error) {
	ctx, span := otel.Tracer("repo.outbox").Start(ctx, "outbox.CountFailed")
	defer span.End()

	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM outbox_messages WHERE state='failed'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.count_failed: %w", err)
	}
	return n, nil
}

// IdempotencyRepo garbage-collects expired idempotency records. A record is
// kept past its expiry while its outbox message is still undelivered.
type IdempotencyRepo struct{ Pool PgxPool }

func NewIdempotencyRepo(p PgxPool) *IdempotencyRepo { return &IdempotencyRepo{Pool: p} }

func (r *IdempotencyRepo) DeleteExpired(ctx domain.Context, now time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.idempotency").Start(ctx, "idempotency.DeleteExpired")
	defer span.End()

	q := `DELETE FROM idempotency_records i
		WHERE i.expires_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM outbox_messages o
			WHERE o.idempotency_key = i.key AND o.state IN ('pending','processing')
		)`
	tag, err := r.Pool.Exec(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=idempotency.delete_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
