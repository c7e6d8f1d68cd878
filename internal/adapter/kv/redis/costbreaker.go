// Package redis holds the Redis-backed daily cost circuit breaker. The
// counter is shared by every worker, so the cap holds fleet-wide.
package redis

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// counterTTL outlives the UTC day the key names, so a late Settle after
// midnight still finds its key.
const counterTTL = 48 * time.Hour

// CostBreaker implements domain.CostLimiter on a per-UTC-day Redis counter.
// Reserve adds the estimate before the vendor call; Settle replaces it with
// the actual. A crash between the two leaves the estimate in place, which
// errs on the safe side of the cap.
type CostBreaker struct {
	client *redis.Client
	capUSD float64
	now    func() time.Time
}

func NewCostBreaker(client *redis.Client, capUSD float64) *CostBreaker {
	return &CostBreaker{client: client, capUSD: capUSD, now: time.Now}
}

func (b *CostBreaker) key() string {
	return "llm_cost:" + b.now().UTC().Format("2006-01-02")
}

// Reserve adds estimateUSD to today's counter and fails with
// ErrDailyLimitExceeded when the counter would pass the cap. The add is
// rolled back on refusal so a rejected call does not consume budget.
func (b *CostBreaker) Reserve(ctx domain.Context, estimateUSD float64) error {
	if estimateUSD < 0 {
		return fmt.Errorf("op=cost.reserve: negative estimate: %w", domain.ErrInvalidArgument)
	}
	key := b.key()
	total, err := b.client.IncrByFloat(ctx, key, estimateUSD).Result()
	if err != nil {
		return fmt.Errorf("op=cost.reserve: %w: %v", domain.ErrConnection, err)
	}
	// Refresh expiry on every touch; the key must survive the day boundary.
	if err := b.client.Expire(ctx, key, counterTTL).Err(); err != nil {
		observability.LoggerFromContext(ctx).Warn("cost counter expire failed", slog.Any("error", err))
	}
	if total > b.capUSD {
		if err := b.client.IncrByFloat(ctx, key, -estimateUSD).Err(); err != nil {
			observability.LoggerFromContext(ctx).Warn("cost reserve rollback failed", slog.Any("error", err))
		}
		observability.DailyCostGauge.Set(total - estimateUSD)
		return fmt.Errorf("op=cost.reserve cap=%.2f: %w", b.capUSD, domain.ErrDailyLimitExceeded)
	}
	observability.DailyCostGauge.Set(total)
	return nil
}

// Settle replaces the reserved estimate with the vendor-reported actual.
func (b *CostBreaker) Settle(ctx domain.Context, estimateUSD, actualUSD float64) error {
	delta := actualUSD - estimateUSD
	if delta == 0 {
		return nil
	}
	total, err := b.client.IncrByFloat(ctx, b.key(), delta).Result()
	if err != nil {
		return fmt.Errorf("op=cost.settle: %w: %v", domain.ErrConnection, err)
	}
	observability.DailyCostGauge.Set(total)
	return nil
}

// SpentToday reads the current counter, for the readiness/status surface.
func (b *CostBreaker) SpentToday(ctx domain.Context) (float64, error) {
	v, err := b.client.Get(ctx, b.key()).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("op=cost.spent: %w: %v", domain.ErrConnection, err)
	}
	return v, nil
}
