package app

import (
	"context"
	"fmt"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal Redis surface needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// QueuePinger reports broker connectivity.
type QueuePinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the four readiness probes: RDB, Redis, the
// queue broker and the document store.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, queue QueuePinger, doc domain.DocStore) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	queueCheck := func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("queue not configured")
		}
		return queue.Ping(ctx)
	}
	docCheck := func(ctx context.Context) error {
		if doc == nil {
			return fmt.Errorf("doc store not configured")
		}
		return doc.Ping(ctx)
	}
	return dbCheck, redisCheck, queueCheck, docCheck
}
