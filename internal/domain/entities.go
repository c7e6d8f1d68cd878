package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Context is an alias to context.Context so that port signatures stay short.
type Context = context.Context

// JobStatus is the lifecycle state of an IncomingJob.
type JobStatus string

const (
	JobReceived        JobStatus = "received"
	JobQueued          JobStatus = "queued"
	JobProcessing      JobStatus = "processing"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobNotCreditorReply JobStatus = "not_creditor_reply"
)

// Terminal reports whether processing must not resume from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobNotCreditorReply
}

// legalNext encodes the strict lifecycle. manual retry (failed -> queued) is
// the only backward edge.
var legalNext = map[JobStatus][]JobStatus{
	JobReceived:   {JobQueued},
	JobQueued:     {JobProcessing},
	JobProcessing: {JobCompleted, JobFailed, JobNotCreditorReply},
	JobFailed:     {JobQueued},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, n := range legalNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Attachment describes one inbound attachment as delivered by the webhook.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// IncomingJob is the unit of work: one inbound creditor response email.
// Invariants: StartedAt <= CompletedAt; RetryCount is monotone; a job in
// processing is held by exactly one worker (skip-locked claim).
type IncomingJob struct {
	ID          string
	WebhookID   string // provider-assigned, deduplication key
	TicketID    string
	FromEmail   string
	Subject     string
	BodyText    string
	BodyHTML    string
	Headers     map[string]string
	Attachments []Attachment

	Status          JobStatus
	ProcessingError string
	RetryCount      int
	WorkerToken     string

	ReceivedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Checkpoints     Checkpoints
	ExtractedData   *ConsolidatedResult
	MatchResult     *MatchResult
	ExtractionConfidence float64
	OverallConfidence    float64
	ConfidenceRoute      RouteAction
}

// MatchStatus enumerates the matcher outcomes.
type MatchStatus string

const (
	MatchAuto            MatchStatus = "auto_matched"
	MatchAmbiguous       MatchStatus = "ambiguous"
	MatchBelowThreshold  MatchStatus = "below_threshold"
	MatchNone            MatchStatus = "no_match"
	MatchNoRecentInquiry MatchStatus = "no_recent_inquiry"
)

// MatchResult is the matching engine's verdict for an extracted record.
type MatchResult struct {
	Score       float64     `json:"score"`
	Status      MatchStatus `json:"status"`
	CandidateID string      `json:"candidate_id,omitempty"`
	MatchedBy   string      `json:"matched_by,omitempty"`
}

// Inquiry is an outstanding-inquiry record the matcher resolves against.
type Inquiry struct {
	ID           string
	TicketID     string
	ClientName   string
	CreditorName string
	Amount       decimal.Decimal
	CreatedAt    time.Time
}

// ProcessTaskPayload is the queue message for one job.
type ProcessTaskPayload struct {
	JobID     string `json:"job_id"`
	WebhookID string `json:"webhook_id"`
	TicketID  string `json:"ticket_id"`
	RequestID string `json:"request_id,omitempty"`
	Attempt   int    `json:"attempt"`
}

// DebtRecord is the document-store view of a creditor's claim, keyed by
// (ticket id, creditor identifier).
type DebtRecord struct {
	TicketID     string          `json:"ticket_id"`
	CreditorID   string          `json:"creditor_id"`
	ClientName   string          `json:"client_name"`
	CreditorName string          `json:"creditor_name"`
	Amount       decimal.Decimal `json:"amount"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
