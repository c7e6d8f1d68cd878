// Package match resolves an extracted debtor/creditor pair against the
// outstanding-inquiries table. Scoring is deterministic: same inputs, same
// verdict.
package match

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

const (
	// autoThreshold is the minimum score for an automatic match.
	autoThreshold = 0.75
	// ambiguityGap is the minimum lead the best candidate needs over the
	// runner-up; anything closer is ambiguous.
	ambiguityGap = 0.10
)

// Engine is the heuristic Matcher over the inquiries repository.
type Engine struct {
	inquiries domain.InquiryRepository
	window    time.Duration // how far back the name fallback looks
	now       func() time.Time
}

func New(inquiries domain.InquiryRepository, window time.Duration) *Engine {
	return &Engine{inquiries: inquiries, window: window, now: time.Now}
}

// Match looks up candidates by ticket id first and falls back to a
// client/creditor name search over the recent window. The ticket path is
// preferred even when a name candidate would score higher.
func (e *Engine) Match(ctx domain.Context, ticketID string, extracted domain.ConsolidatedResult) (domain.MatchResult, error) {
	log := observability.LoggerFromContext(ctx)

	var candidates []domain.Inquiry
	matchedBy := "ticket_id"
	if ticketID != "" {
		var err error
		candidates, err = e.inquiries.FindByTicketID(ctx, ticketID)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("match: find by ticket: %w", err)
		}
	}
	if len(candidates) == 0 {
		if extracted.ClientName == "" && extracted.CreditorName == "" {
			return domain.MatchResult{Status: domain.MatchNone}, nil
		}
		matchedBy = "name"
		since := e.now().Add(-e.window)
		var err error
		candidates, err = e.inquiries.FindByNames(ctx, extracted.ClientName, extracted.CreditorName, since)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("match: find by names: %w", err)
		}
		if len(candidates) == 0 {
			return domain.MatchResult{Status: domain.MatchNoRecentInquiry, MatchedBy: matchedBy}, nil
		}
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{inquiry: c, score: score(c, extracted, matchedBy == "ticket_id")})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].inquiry.ID < scored[j].inquiry.ID
	})

	best := scored[0]
	res := domain.MatchResult{
		Score:       best.score,
		CandidateID: best.inquiry.ID,
		MatchedBy:   matchedBy,
	}
	switch {
	case best.score < autoThreshold:
		res.Status = domain.MatchBelowThreshold
	case len(scored) > 1 && best.score-scored[1].score < ambiguityGap:
		res.Status = domain.MatchAmbiguous
	default:
		res.Status = domain.MatchAuto
	}
	log.Debug("match scored",
		slog.String("status", string(res.Status)),
		slog.Float64("score", res.Score),
		slog.String("matched_by", matchedBy),
		slog.Int("candidates", len(scored)))
	return res, nil
}

type scoredCandidate struct {
	inquiry domain.Inquiry
	score   float64
}

// score combines ticket provenance, name agreement and amount proximity.
// Weights sum to 1.0 on the ticket path and 0.70 on the name path, so a
// name-only match can never clear the automatic threshold on its own.
func score(c domain.Inquiry, x domain.ConsolidatedResult, viaTicket bool) float64 {
	s := 0.0
	if viaTicket {
		s += 0.50
	} else {
		s += 0.20
	}
	s += nameComponent(c.ClientName, x.ClientName, 0.20)
	s += nameComponent(c.CreditorName, x.CreditorName, 0.15)
	if amountClose(c.Amount, x.FinalAmount) {
		s += 0.15
	}
	if s > 1 {
		s = 1
	}
	return s
}

// nameComponent awards the full weight on normalized equality and half on
// containment either way.
func nameComponent(a, b string, weight float64) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return weight
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return weight / 2
	}
	return 0
}

// amountClose reports whether the extracted amount lies within 10% of the
// inquiry amount.
func amountClose(inquiry, extracted decimal.Decimal) bool {
	if inquiry.IsZero() || extracted.IsZero() {
		return false
	}
	diff := inquiry.Sub(extracted).Abs()
	limit := inquiry.Abs().Mul(decimal.RequireFromString("0.1"))
	return diff.LessThanOrEqual(limit)
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
