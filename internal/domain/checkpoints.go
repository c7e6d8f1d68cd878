package domain

import "time"

// Intent is Agent 1's classification of the inbound message.
type Intent string

const (
	IntentDebtStatement Intent = "debt_statement"
	IntentPaymentPlan   Intent = "payment_plan"
	IntentRejection     Intent = "rejection"
	IntentInquiry       Intent = "inquiry"
	IntentAutoReply     Intent = "auto_reply"
	IntentSpam          Intent = "spam"
)

// SkipsExtraction reports whether the intent short-circuits the pipeline.
func (i Intent) SkipsExtraction() bool { return i == IntentAutoReply || i == IntentSpam }

// CheckpointStatus is the agent-stage outcome recorded on the job row.
type CheckpointStatus string

const (
	CheckpointPassed      CheckpointStatus = "passed"
	CheckpointNeedsReview CheckpointStatus = "needs_review"
)

// Agent1Checkpoint is the durable result of intent classification.
// Unknown fields in stored JSON are ignored on read for forward compatibility.
type Agent1Checkpoint struct {
	Intent         Intent           `json:"intent"`
	Confidence     float64          `json:"confidence"`
	RuleBased      bool             `json:"rule_based"`
	SkipExtraction bool             `json:"skip_extraction"`
	Status         CheckpointStatus `json:"status"`
	CompletedAt    time.Time        `json:"completed_at"`
}

// Agent2Checkpoint is the durable result of extraction orchestration.
type Agent2Checkpoint struct {
	Result       *ConsolidatedResult `json:"result,omitempty"`
	Sources      []SourceResult      `json:"sources,omitempty"`
	ShortCircuit bool                `json:"short_circuit,omitempty"`
	Status       CheckpointStatus    `json:"status"`
	CompletedAt  time.Time           `json:"completed_at"`
}

// FieldConflict records one field-level disagreement between the extracted
// record and the document store.
type FieldConflict struct {
	Field    string `json:"field"`
	Original string `json:"original"`
	New      string `json:"new"`
}

// Agent3Checkpoint is the durable result of matching and conflict detection.
type Agent3Checkpoint struct {
	Match       *MatchResult     `json:"match,omitempty"`
	Conflicts   []FieldConflict  `json:"conflicts,omitempty"`
	ExistingDoc *DebtRecord      `json:"existing_doc,omitempty"`
	Status      CheckpointStatus `json:"status"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Checkpoints bundles the three agent checkpoints stored on the job row.
type Checkpoints struct {
	Agent1 *Agent1Checkpoint `json:"agent1,omitempty"`
	Agent2 *Agent2Checkpoint `json:"agent2,omitempty"`
	Agent3 *Agent3Checkpoint `json:"agent3,omitempty"`
}

// NeedsReview reports whether any completed stage flagged the job.
func (c Checkpoints) NeedsReview() bool {
	if c.Agent1 != nil && c.Agent1.Status == CheckpointNeedsReview {
		return true
	}
	if c.Agent2 != nil && c.Agent2.Status == CheckpointNeedsReview {
		return true
	}
	if c.Agent3 != nil && c.Agent3.Status == CheckpointNeedsReview {
		return true
	}
	return false
}
