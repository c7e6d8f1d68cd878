package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

func newBreaker(t *testing.T, capUSD float64) (*CostBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewCostBreaker(client, capUSD)
	b.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return b, mr
}

func TestReserveAccumulatesUnderCap(t *testing.T) {
	b, _ := newBreaker(t, 10)
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, 4))
	require.NoError(t, b.Reserve(ctx, 5))

	spent, err := b.SpentToday(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9, spent, 1e-9)
}

func TestReserveRefusesAndRollsBackOverCap(t *testing.T) {
	b, _ := newBreaker(t, 10)
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, 8))
	err := b.Reserve(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)

	// The refused estimate must not stay in the counter.
	spent, err := b.SpentToday(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 8, spent, 1e-9)

	// A smaller call still fits.
	assert.NoError(t, b.Reserve(ctx, 1.5))
}

func TestSettleAdjustsEstimateToActual(t *testing.T) {
	b, _ := newBreaker(t, 10)
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, 4))
	require.NoError(t, b.Settle(ctx, 4, 2.5))

	spent, err := b.SpentToday(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, spent, 1e-9)
}

func TestCounterIsPerDay(t *testing.T) {
	b, _ := newBreaker(t, 10)
	ctx := context.Background()
	require.NoError(t, b.Reserve(ctx, 9))

	// Next day the counter starts fresh.
	b.now = func() time.Time { return time.Date(2026, 8, 25, 0, 5, 0, 0, time.UTC) }
	spent, err := b.SpentToday(ctx)
	require.NoError(t, err)
	assert.Zero(t, spent)
	assert.NoError(t, b.Reserve(ctx, 9))
}

func TestCounterCarriesTTL(t *testing.T) {
	b, mr := newBreaker(t, 10)
	require.NoError(t, b.Reserve(context.Background(), 1))

	ttl := mr.TTL("llm_cost:2026-08-24")
	assert.Greater(t, ttl, 24*time.Hour, "key must outlive the day it names")
}
