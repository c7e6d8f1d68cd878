package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// TaskHandler is the worker-side contract. Handle returning a transient
// error triggers a delayed redelivery; a permanent error or exhausted
// attempts land in OnPermanentFailure.
type TaskHandler interface {
	Handle(ctx domain.Context, payload domain.ProcessTaskPayload) error
	OnPermanentFailure(ctx domain.Context, payload domain.ProcessTaskPayload, cause error)
}

// RetryPolicy bounds the redelivery backoff.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the exponential backoff with full jitter for attempt
// (1-based), clamped to [MinBackoff, MaxBackoff].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.MinBackoff << (attempt - 1)
	if d > p.MaxBackoff || d <= 0 {
		d = p.MaxBackoff
	}
	// Full jitter keeps a burst of failed jobs from retrying in lockstep.
	jittered := p.MinBackoff + time.Duration(rand.Int63n(int64(d-p.MinBackoff)+1))
	return jittered
}

// Consumer polls the process topic and dispatches records to a bounded
// worker pool. Retries are re-produced with an attempt counter instead of
// blocking a pool slot for the backoff.
type Consumer struct {
	client   *kgo.Client
	producer *Producer
	handler  TaskHandler
	policy   RetryPolicy
	slots    chan struct{}
	wg       sync.WaitGroup
}

func NewConsumer(brokers []string, groupID string, handler TaskHandler, policy RetryPolicy, maxConcurrency int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing group id")
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	producer, err := NewProducer(brokers)
	if err != nil {
		return nil, err
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicProcessEmail),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("op=queue.consumer: %w", err)
	}
	return &Consumer{
		client:   client,
		producer: producer,
		handler:  handler,
		policy:   policy,
		slots:    make(chan struct{}, maxConcurrency),
	}, nil
}

// Run polls until ctx is cancelled, then drains in-flight work.
func (c *Consumer) Run(ctx context.Context) error {
	log := observability.LoggerFromContext(ctx)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case c.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer func() { <-c.slots }()
				c.processRecord(ctx, rec)
				c.client.MarkCommitRecords(rec)
			}()
		})
	}
	c.wg.Wait()
	return ctx.Err()
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	log := observability.LoggerFromContext(ctx)

	var payload domain.ProcessTaskPayload
	if err := json.Unmarshal(rec.Value, &payload); err != nil {
		log.Error("undecodable task dropped", slog.Any("error", err))
		return
	}
	if payload.RequestID != "" {
		ctx = observability.ContextWithLogger(ctx,
			observability.LoggerFromContext(ctx).With(slog.String("request_id", payload.RequestID)))
	}

	// Honor the retry delay. The sleep happens on a pool goroutine, not the
	// poll loop, so other partitions keep flowing.
	if wait := notBeforeWait(rec); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	err := c.handler.Handle(ctx, payload)
	if err == nil {
		return
	}

	attempt := payload.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if domain.Retryable(err) && attempt < c.policy.MaxAttempts {
		delay := c.policy.Delay(attempt)
		retry := payload
		retry.Attempt = attempt + 1
		if _, perr := c.producer.enqueueAt(ctx, retry, time.Now().Add(delay)); perr != nil {
			log.Error("retry enqueue failed, escalating to permanent failure",
				slog.String("job_id", payload.JobID), slog.Any("error", perr))
			c.handler.OnPermanentFailure(ctx, payload, err)
			return
		}
		log.Warn("task failed, retry scheduled",
			slog.String("job_id", payload.JobID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		return
	}

	log.Error("task failed permanently",
		slog.String("job_id", payload.JobID),
		slog.Int("attempt", attempt),
		slog.String("kind", string(domain.KindOf(err))),
		slog.Any("error", err))
	c.handler.OnPermanentFailure(ctx, payload, err)
}

func notBeforeWait(rec *kgo.Record) time.Duration {
	for _, h := range rec.Headers {
		if h.Key != headerNotBefore {
			continue
		}
		ms, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil {
			return 0
		}
		return time.Until(time.UnixMilli(ms))
	}
	return 0
}

func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
	if c.producer != nil {
		c.producer.Close()
	}
}
