package saga

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Processor drains the outbox. It is the only component that writes to the
// DOC store.
type Processor struct {
	outbox    domain.OutboxRepository
	doc       domain.DocStore
	batchSize int
	// attemptBackoff bounds the in-process retries of one delivery attempt;
	// durable retries go through MarkRetry and the next tick.
	attemptBackoff func() backoff.BackOff
}

func NewProcessor(outbox domain.OutboxRepository, doc domain.DocStore, batchSize int) *Processor {
	return &Processor{
		outbox:    outbox,
		doc:       doc,
		batchSize: batchSize,
		attemptBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// Drain claims and delivers pending messages until the outbox is empty or
// ctx is done. It returns how many messages were delivered.
func (p *Processor) Drain(ctx domain.Context) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		batch, err := p.outbox.ClaimPending(ctx, p.batchSize)
		if err != nil {
			return delivered, fmt.Errorf("op=outbox_drain: %w", err)
		}
		if len(batch) == 0 {
			return delivered, nil
		}
		for _, msg := range batch {
			if p.ProcessOne(ctx, msg) {
				delivered++
			}
		}
	}
}

// ProcessOne attempts the DOC write for one claimed message and reports
// whether it was delivered. Failures are recorded on the row; exhausted
// messages stay in failed state for the reconciler.
func (p *Processor) ProcessOne(ctx domain.Context, msg domain.OutboxMessage) bool {
	log := observability.LoggerFromContext(ctx).With(
		slog.Int64("outbox_id", msg.ID),
		slog.String("job_id", msg.AggregateID),
		slog.String("operation", string(msg.Operation)))

	err := p.deliver(ctx, msg)
	if err == nil {
		if err := p.outbox.MarkProcessed(ctx, msg.ID); err != nil {
			log.Error("outbox mark processed failed", slog.Any("error", err))
			return false
		}
		observability.OutboxProcessedTotal.WithLabelValues("processed").Inc()
		return true
	}

	log.Warn("outbox delivery failed", slog.Any("error", err), slog.Int("retry_count", msg.RetryCount))
	updated, markErr := p.outbox.MarkRetry(ctx, msg.ID, err.Error())
	if markErr != nil {
		log.Error("outbox mark retry failed", slog.Any("error", markErr))
		return false
	}
	if updated.State == domain.OutboxFailed {
		observability.OutboxProcessedTotal.WithLabelValues("failed").Inc()
		log.Error("outbox message exhausted retries", slog.Int("retry_count", updated.RetryCount))
	} else {
		observability.OutboxProcessedTotal.WithLabelValues("retried").Inc()
	}
	return false
}

func (p *Processor) deliver(ctx domain.Context, msg domain.OutboxMessage) error {
	var rec domain.DebtRecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		// Undecodable payloads never become decodable; fail without retrying.
		return fmt.Errorf("decode payload: %w: %v", domain.ErrSchemaInvalid, err)
	}

	op := func() error {
		err := p.doc.UpsertDebt(ctx, rec, msg.IdempotencyKey)
		if err != nil && !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	// backoff.Retry unwraps Permanent errors before returning.
	return backoff.Retry(op, backoff.WithContext(p.attemptBackoff(), ctx))
}
