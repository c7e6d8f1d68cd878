// Package confidence computes the overall job confidence and routes the
// job to one of the three write paths.
package confidence

import (
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// Thresholds carries the routing cut-offs. High is expected to be
// pre-clamped by the config loader so it never drops below 0.75.
type Thresholds struct {
	High float64
	Low  float64
}

// Score is the per-dimension breakdown behind a routing decision.
type Score struct {
	Extraction float64 `json:"extraction"`
	Match      float64 `json:"match"`
	Overall    float64 `json:"overall"`
}

// matchScore converts a match outcome into the match dimension.
// Ambiguous matches are discounted; a missing match zeroes the dimension
// so the weakest link forces manual review.
func matchScore(m *domain.MatchResult) float64 {
	if m == nil {
		return 0
	}
	switch m.Status {
	case domain.MatchAuto:
		return m.Score
	case domain.MatchAmbiguous:
		return m.Score * 0.7
	case domain.MatchBelowThreshold:
		return m.Score
	case domain.MatchNone, domain.MatchNoRecentInquiry:
		return 0
	default:
		return 0
	}
}

// Compute derives the overall confidence as the weakest dimension.
func Compute(extracted domain.ConsolidatedResult, match *domain.MatchResult) Score {
	s := Score{
		Extraction: clamp01(extracted.ExtractionConfidence),
		Match:      clamp01(matchScore(match)),
	}
	s.Overall = s.Extraction
	if s.Match < s.Overall {
		s.Overall = s.Match
	}
	return s
}

// Route picks the write path for the computed score. Conflicts detected
// downstream override this to manual review regardless of the score.
func (t Thresholds) Route(s Score) domain.RouteAction {
	switch {
	case s.Overall > t.High:
		return domain.RouteAutoUpdate
	case s.Overall >= t.Low:
		return domain.RouteUpdateNotify
	default:
		return domain.RouteManualReview
	}
}

// Bucket maps an overall score onto the calibration bucket recorded with
// every reviewed sample.
func (t Thresholds) Bucket(overall float64) domain.ConfidenceBucket {
	switch {
	case overall > t.High:
		return domain.BucketHigh
	case overall >= t.Low:
		return domain.BucketMedium
	default:
		return domain.BucketLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
