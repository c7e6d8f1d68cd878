// Package consolidate fuses per-source extraction results into one
// authoritative record. It is pure arithmetic and comparison; no LLM calls.
package consolidate

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// amounts within this window of each other represent the same value.
var dedupeWindow = decimal.RequireFromString("1.00")

// fallbackAmount applies when no source yielded an amount.
var fallbackAmount = decimal.RequireFromString("100.00")

// Consolidate applies the business rules over the ordered per-source
// results (body result included):
//
//	dedupe amounts within 1.00 EUR, highest distinct amount wins, names
//	from the highest-priority source, weakest-link document confidence
//	minus 0.1 per missing key field, floored at 0.3.
func Consolidate(results []domain.SourceResult) domain.ConsolidatedResult {
	out := domain.ConsolidatedResult{
		Methods: make(map[domain.SourceKind]domain.ExtractionMethod, len(results)),
	}

	contributing := make([]domain.SourceResult, 0, len(results))
	for _, r := range results {
		out.TotalTokens += r.TokensUsed
		if r.Skipped() {
			continue
		}
		out.SourcesProcessed = append(out.SourcesProcessed, r.Source)
		out.Methods[r.Source] = r.Method
		contributing = append(contributing, r)
	}

	// Stable source order: priority, then original position.
	sort.SliceStable(contributing, func(i, j int) bool {
		return contributing[i].Source.Priority() < contributing[j].Source.Priority()
	})

	amounts := collectAmounts(contributing)
	out.SourcesWithAmount = len(amounts)

	distinct := dedupeAmounts(amounts)
	switch len(distinct) {
	case 0:
		out.FinalAmount = fallbackAmount
		out.AmountConfidence = domain.ConfidenceLow
		out.AmountFallback = true
	case 1:
		out.FinalAmount = distinct[0].amount
		if distinct[0].labeled && distinct[0].native {
			out.AmountConfidence = domain.ConfidenceHigh
		} else {
			out.AmountConfidence = domain.ConfidenceMedium
		}
	default:
		// Multiple distinct amounts: highest wins, disagreement recorded.
		best := distinct[0]
		for _, c := range distinct[1:] {
			if c.amount.GreaterThan(best.amount) {
				best = c
			}
		}
		out.FinalAmount = best.amount
		out.AmountConfidence = domain.ConfidenceMedium
		out.DisagreeingSources = len(distinct)
	}

	out.ClientName, out.ClientConfidence = pickName(contributing, func(r domain.SourceResult) string { return r.ClientName })
	out.CreditorName, out.CreditorConfidence = pickName(contributing, func(r domain.SourceResult) string { return r.CreditorName })

	out.ExtractionConfidence, out.WeakestSource = documentConfidence(contributing, out)
	return out
}

type amountCandidate struct {
	amount  decimal.Decimal
	labeled bool
	native  bool
}

func collectAmounts(results []domain.SourceResult) []amountCandidate {
	var out []amountCandidate
	for _, r := range results {
		if r.Amount == nil {
			continue
		}
		native := r.Source == domain.SourceNativePDF || r.Source == domain.SourceDOCX || r.Source == domain.SourceXLSX
		out = append(out, amountCandidate{amount: *r.Amount, labeled: r.AmountLabeled, native: native})
	}
	return out
}

// dedupeAmounts merges candidates within the 1.00 EUR window; the
// representative of a cluster is its first (highest-priority) member, with
// labeled/native flags OR-ed so a weaker duplicate cannot erase them.
func dedupeAmounts(in []amountCandidate) []amountCandidate {
	var out []amountCandidate
	for _, c := range in {
		merged := false
		for i := range out {
			if out[i].amount.Sub(c.amount).Abs().LessThanOrEqual(dedupeWindow) {
				out[i].labeled = out[i].labeled || c.labeled
				out[i].native = out[i].native || c.native
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, c)
		}
	}
	return out
}

// pickName prefers the highest-priority source; ties break by confidence,
// then by longest name. The input is already priority-sorted.
func pickName(results []domain.SourceResult, get func(domain.SourceResult) string) (string, domain.Confidence) {
	var best string
	var bestConf domain.Confidence
	bestPrio := -1
	for _, r := range results {
		name := get(r)
		if name == "" {
			continue
		}
		if best == "" {
			best, bestConf, bestPrio = name, r.Confidence, r.Source.Priority()
			continue
		}
		if r.Source.Priority() > bestPrio {
			continue
		}
		if r.Confidence.StrongerThan(bestConf) || (r.Confidence == bestConf && len(name) > len(best)) {
			best, bestConf = name, r.Confidence
		}
	}
	return best, bestConf
}

// documentConfidence is the weakest contributing source baseline minus 0.1
// per missing key field among {amount, client name, creditor name},
// clamped to [0.3, 1.0].
func documentConfidence(results []domain.SourceResult, out domain.ConsolidatedResult) (float64, domain.SourceKind) {
	if len(results) == 0 {
		return 0.3, domain.SourceUnknown
	}
	weakest := results[0].Source
	conf := weakest.Baseline()
	for _, r := range results[1:] {
		if b := r.Source.Baseline(); b < conf {
			conf, weakest = b, r.Source
		}
	}
	if out.AmountFallback {
		conf -= 0.1
	}
	if out.ClientName == "" {
		conf -= 0.1
	}
	if out.CreditorName == "" {
		conf -= 0.1
	}
	if conf < 0.3 {
		conf = 0.3
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf, weakest
}
