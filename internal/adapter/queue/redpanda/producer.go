// Package redpanda is the Kafka/Redpanda transport for processing tasks.
// One topic carries the process-email tasks; retries travel on the same
// topic with an attempt counter and a not-before header.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// TopicProcessEmail carries one message per accepted inbound email.
const TopicProcessEmail = "process-email-jobs"

const (
	headerAttempt   = "attempt"
	headerNotBefore = "not_before_unix_ms"
)

// Producer implements domain.Queue on a franz-go client. Records are keyed
// by job id so redeliveries of one job stay on one partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

func NewProducer(brokers []string) (*Producer, error) {
	return newProducer(brokers, TopicProcessEmail)
}

func newProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 8, 1); err != nil {
		slog.Warn("topic creation failed, assuming it exists",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// EnqueueProcess publishes the task and waits for the broker ack, so a nil
// return means the message is durable.
func (p *Producer) EnqueueProcess(ctx domain.Context, payload domain.ProcessTaskPayload) (string, error) {
	return p.enqueueAt(ctx, payload, time.Time{})
}

// enqueueAt publishes with an optional not-before time for delayed retries.
func (p *Producer) enqueueAt(ctx domain.Context, payload domain.ProcessTaskPayload, notBefore time.Time) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(payload.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerAttempt, Value: []byte(strconv.Itoa(payload.Attempt))},
		},
	}
	if !notBefore.IsZero() {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   headerNotBefore,
			Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10)),
		})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue job=%s: %w: %v", payload.JobID, domain.ErrConnection, err)
	}
	return payload.JobID, nil
}

// Ping verifies broker connectivity for the readiness probe.
func (p *Producer) Ping(ctx domain.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=queue.ping: %w: %v", domain.ErrConnection, err)
	}
	return nil
}

func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
