package extractor

import (
	"fmt"
	"log/slog"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// TokenBudget is the per-job hard cap on LLM token usage. A job is
// processed serially, so no locking is needed.
type TokenBudget struct {
	cap    int
	used   int
	warned bool
}

func NewTokenBudget(cap int) *TokenBudget {
	return &TokenBudget{cap: cap}
}

// Reserve refuses the call when the estimate would exceed the remaining
// budget. The error is non-retryable.
func (b *TokenBudget) Reserve(ctx domain.Context, estimate int) error {
	if b.used+estimate > b.cap {
		return fmt.Errorf("op=token_budget used=%d estimate=%d cap=%d: %w",
			b.used, estimate, b.cap, domain.ErrBudgetExceeded)
	}
	return nil
}

// Debit records the actual usage reported by the vendor and logs once when
// usage crosses 80% of the cap.
func (b *TokenBudget) Debit(ctx domain.Context, actual int) {
	b.used += actual
	if !b.warned && float64(b.used) >= 0.8*float64(b.cap) {
		b.warned = true
		observability.LoggerFromContext(ctx).Warn("token budget above 80%",
			slog.Int("used", b.used),
			slog.Int("cap", b.cap))
	}
}

// Used returns the tokens consumed so far.
func (b *TokenBudget) Used() int { return b.used }

// Remaining returns the tokens left before the cap.
func (b *TokenBudget) Remaining() int { return b.cap - b.used }
