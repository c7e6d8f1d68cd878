// Package stub is an in-process queue for development and tests. It honors
// the same handler contract as the Redpanda transport: transient errors
// retry with backoff, exhausted or permanent errors hit the failure hook.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/adapter/queue/redpanda"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Queue dispatches tasks to the handler on background goroutines.
type Queue struct {
	handler redpanda.TaskHandler
	policy  redpanda.RetryPolicy

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// baseCtx carries the process lifetime; enqueue contexts are request
	// scoped and die with the HTTP request.
	baseCtx context.Context
}

func New(baseCtx context.Context, handler redpanda.TaskHandler, policy redpanda.RetryPolicy) *Queue {
	return &Queue{handler: handler, policy: policy, baseCtx: baseCtx}
}

// EnqueueProcess schedules the task for asynchronous handling.
func (q *Queue) EnqueueProcess(_ domain.Context, payload domain.ProcessTaskPayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("op=stubqueue.enqueue: %w", domain.ErrConnection)
	}
	q.wg.Add(1)
	go q.dispatch(payload)
	return payload.JobID, nil
}

func (q *Queue) dispatch(payload domain.ProcessTaskPayload) {
	defer q.wg.Done()
	ctx := q.baseCtx
	log := observability.LoggerFromContext(ctx)

	attempt := payload.Attempt
	if attempt < 1 {
		attempt = 1
	}
	for {
		err := q.handler.Handle(ctx, payload)
		if err == nil {
			return
		}
		if !domain.Retryable(err) || attempt >= q.policy.MaxAttempts {
			q.handler.OnPermanentFailure(ctx, payload, err)
			return
		}
		delay := q.policy.Delay(attempt)
		log.Warn("stub queue retry",
			slog.String("job_id", payload.JobID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		attempt++
		payload.Attempt = attempt
	}
}

// Close waits for in-flight tasks and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
