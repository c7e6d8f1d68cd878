// Package saga implements the dual-write spine: the transactional outbox
// commit, the outbox processor that performs the only DOC writes in the
// system, and the periodic reconciler.
package saga

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Engine performs the dual-write commit. The DOC side is never touched
// here; it only becomes an outbox row the processor later delivers.
type Engine struct {
	tx             domain.TxRunner
	idempotencyTTL time.Duration
	maxRetries     int
	now            func() time.Time
}

func NewEngine(tx domain.TxRunner, idempotencyTTL time.Duration, maxRetries int) *Engine {
	return &Engine{tx: tx, idempotencyTTL: idempotencyTTL, maxRetries: maxRetries, now: time.Now}
}

// Result is the cached outcome of a dual-write.
type Result struct {
	JobID     string          `json:"job_id"`
	Operation string          `json:"operation"`
	Record    domain.DebtRecord `json:"record"`
	AppliedAt time.Time       `json:"applied_at"`
}

// DualWrite applies the RDB effect, stages the DOC effect in the outbox,
// and records the idempotency key, all in one transaction. A repeated key
// short-circuits to the cached result without re-applying anything.
func (e *Engine) DualWrite(ctx domain.Context, jobID string, op domain.OutboxOperation, rec domain.DebtRecord, idempotencyKey string) (Result, bool, error) {
	log := observability.LoggerFromContext(ctx)

	var out Result
	replayed := false
	err := e.tx.WithTx(ctx, func(tx domain.SagaTx) error {
		existing, err := tx.GetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("get idempotency: %w", err)
		}
		if existing != nil {
			replayed = true
			if err := json.Unmarshal(existing.Result, &out); err != nil {
				return fmt.Errorf("decode cached result: %w", err)
			}
			return nil
		}

		if err := tx.ApplyDebt(ctx, jobID, rec); err != nil {
			return fmt.Errorf("apply rdb effect: %w", err)
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		now := e.now()
		if err := tx.InsertOutbox(ctx, domain.OutboxMessage{
			AggregateType:  "incoming_job",
			AggregateID:    jobID,
			Operation:      op,
			Payload:        payload,
			IdempotencyKey: idempotencyKey,
			State:          domain.OutboxPending,
			CreatedAt:      now,
			MaxRetries:     e.maxRetries,
		}); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}

		out = Result{JobID: jobID, Operation: string(op), Record: rec, AppliedAt: now}
		cached, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if err := tx.PutIdempotency(ctx, domain.IdempotencyRecord{
			Key:       idempotencyKey,
			Result:    cached,
			CreatedAt: now,
			ExpiresAt: now.Add(e.idempotencyTTL),
		}); err != nil {
			return fmt.Errorf("put idempotency: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("op=dual_write job=%s: %w", jobID, err)
	}
	if replayed {
		log.Info("dual-write replayed from idempotency cache",
			slog.String("job_id", jobID),
			slog.String("idempotency_key", idempotencyKey))
	}
	return out, !replayed, nil
}

// Key derives the idempotency key for a job's debt update. The ticket and
// amount are part of the key so a corrected re-apply after manual review
// forms a new effect instead of replaying the old one.
func Key(jobID string, rec domain.DebtRecord) string {
	return fmt.Sprintf("%s:%s:%s:%s", jobID, domain.OpUpdateDebtAmount, rec.TicketID, rec.Amount.String())
}
