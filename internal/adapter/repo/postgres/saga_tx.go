package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// TxRunner runs the dual-write commit in one serializable-enough RDB
// transaction: debt row, outbox row and idempotency record land together or
// not at all.
type TxRunner struct{ Pool PgxPool }

func NewTxRunner(p PgxPool) *TxRunner { return &TxRunner{Pool: p} }

func (r *TxRunner) WithTx(ctx domain.Context, f func(tx domain.SagaTx) error) error {
	ctx, span := otel.Tracer("repo.saga").Start(ctx, "saga.WithTx")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=saga.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := f(&sagaTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=saga.commit: %w", err)
	}
	return nil
}

type sagaTx struct{ tx pgx.Tx }

func (s *sagaTx) GetIdempotency(ctx domain.Context, key string) (*domain.IdempotencyRecord, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT key, result, created_at, expires_at FROM idempotency_records WHERE key=$1`, key)
	var rec domain.IdempotencyRecord
	if err := row.Scan(&rec.Key, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=saga.get_idem: %w", err)
	}
	return &rec, nil
}

func (s *sagaTx) PutIdempotency(ctx domain.Context, rec domain.IdempotencyRecord) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO idempotency_records (key, result, created_at, expires_at) VALUES ($1,$2,$3,$4)`,
		rec.Key, rec.Result, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=saga.put_idem key=%s: %w", rec.Key, domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("op=saga.put_idem: %w", err)
	}
	return nil
}

func (s *sagaTx) InsertOutbox(ctx domain.Context, msg domain.OutboxMessage) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO outbox_messages
			(aggregate_type, aggregate_id, operation, payload, idempotency_key, state, created_at, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.AggregateType, msg.AggregateID, string(msg.Operation), msg.Payload,
		msg.IdempotencyKey, string(msg.State), msg.CreatedAt.UTC(), msg.MaxRetries)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=saga.insert_outbox key=%s: %w", msg.IdempotencyKey, domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("op=saga.insert_outbox: %w", err)
	}
	return nil
}

// ApplyDebt upserts the authoritative debt row keyed by ticket. The job id
// is recorded for audit.
func (s *sagaTx) ApplyDebt(ctx domain.Context, jobID string, rec domain.DebtRecord) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO debt_records (ticket_id, creditor_id, client_name, creditor_name, amount, updated_at, updated_by_job)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (ticket_id) DO UPDATE
		SET creditor_id=EXCLUDED.creditor_id, client_name=EXCLUDED.client_name,
			creditor_name=EXCLUDED.creditor_name, amount=EXCLUDED.amount,
			updated_at=EXCLUDED.updated_at, updated_by_job=EXCLUDED.updated_by_job`,
		rec.TicketID, rec.CreditorID, rec.ClientName, rec.CreditorName,
		rec.Amount.String(), rec.UpdatedAt.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("op=saga.apply_debt ticket=%s: %w", rec.TicketID, err)
	}
	return nil
}
