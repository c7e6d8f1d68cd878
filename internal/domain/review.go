package domain

import "time"

// ReviewReason explains why a job landed in the manual review queue.
type ReviewReason string

const (
	ReviewLowConfidence    ReviewReason = "low_confidence"
	ReviewConflictDetected ReviewReason = "conflict_detected"
	ReviewValidationFailed ReviewReason = "validation_failed"
	ReviewManualEscalation ReviewReason = "manual_escalation"
	ReviewDuplicateSuspect ReviewReason = "duplicate_suspected"
)

// ReviewResolution is a reviewer's verdict.
type ReviewResolution string

const (
	ResolutionApproved  ReviewResolution = "approved"
	ResolutionCorrected ReviewResolution = "corrected"
	ResolutionRejected  ReviewResolution = "rejected"
	ResolutionEscalated ReviewResolution = "escalated"
	ResolutionSpam      ReviewResolution = "spam"
)

// ManualReviewItem is one entry in the human review queue.
// Invariants: at most one unresolved item per job; ClaimedAt implies
// ClaimedBy; ResolvedAt implies Resolution.
type ManualReviewItem struct {
	ID            int64
	JobID         string
	Reason        ReviewReason
	Priority      int // 1 highest .. 10 lowest
	Details       []byte
	CreatedAt     time.Time
	ClaimedAt     *time.Time
	ClaimedBy     string
	ResolvedAt    *time.Time
	Resolution    ReviewResolution
	CorrectedData []byte // present only when Resolution == corrected
	ExpiresAt     *time.Time
}

// CorrectionType classifies what a reviewer fixed.
type CorrectionType string

const (
	CorrectionAmount   CorrectionType = "amount"
	CorrectionClient   CorrectionType = "client_name"
	CorrectionCreditor CorrectionType = "creditor_name"
	CorrectionMatch    CorrectionType = "match"
	CorrectionMultiple CorrectionType = "multiple"
)

// ConfidenceBucket coarsens overall confidence for calibration.
type ConfidenceBucket string

const (
	BucketHigh   ConfidenceBucket = "high"
	BucketMedium ConfidenceBucket = "medium"
	BucketLow    ConfidenceBucket = "low"
)

// CalibrationSample captures a resolved review for threshold calibration.
// Only approved and corrected resolutions are captured; the rest carry no
// usable label.
type CalibrationSample struct {
	ID                int64
	JobID             string
	ExtractionConfidence float64
	MatchConfidence      float64
	IntentConfidence     float64
	OverallBucket     ConfidenceBucket
	DocumentType      SourceKind
	WasCorrect        bool
	CorrectionType    CorrectionType
	CorrectionDetails []byte
	CapturedAt        time.Time
}
