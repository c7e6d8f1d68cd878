package domain

import "time"

// CompleteExtras carries the structured outcome recorded at job completion.
type CompleteExtras struct {
	Extracted            *ConsolidatedResult
	Match                *MatchResult
	ExtractionConfidence float64
	OverallConfidence    float64
	Route                RouteAction
}

// JobRepository persists IncomingJob rows and enforces the state machine.
type JobRepository interface {
	Create(ctx Context, j IncomingJob) (string, error)
	Get(ctx Context, id string) (IncomingJob, error)
	FindByWebhookID(ctx Context, webhookID string) (IncomingJob, error)
	List(ctx Context, status JobStatus, limit, offset int) ([]IncomingJob, error)
	// MarkQueued transitions received -> queued (and failed -> queued for the
	// manual retry, incrementing retry_count and clearing the error).
	MarkQueued(ctx Context, id string, manualRetry bool) error
	// Claim transitions queued -> processing under FOR UPDATE SKIP LOCKED and
	// stamps started_at and the worker token. ErrNotFound when the row is
	// already claimed, missing, or terminal.
	Claim(ctx Context, id, workerToken string) (IncomingJob, error)
	// Complete transitions processing -> terminal and stamps completed_at.
	Complete(ctx Context, id string, status JobStatus, procErr string, extras CompleteExtras) error
	SaveCheckpoints(ctx Context, id string, cp Checkpoints) error
	// ListCompletedSince feeds the reconciler's drift comparison.
	ListCompletedSince(ctx Context, since time.Time) ([]IncomingJob, error)
	// FailStuckProcessing terminally fails processing rows older than maxAge.
	FailStuckProcessing(ctx Context, maxAge time.Duration) (int64, error)
	// ListStaleReceived returns received rows older than maxAge whose enqueue
	// never got acknowledged, so the sweeper can re-schedule them.
	ListStaleReceived(ctx Context, maxAge time.Duration, limit int) ([]IncomingJob, error)
}

// SagaTx is the transactional surface of the dual-write commit. All four
// effects happen in one RDB transaction or not at all.
type SagaTx interface {
	GetIdempotency(ctx Context, key string) (*IdempotencyRecord, error)
	PutIdempotency(ctx Context, rec IdempotencyRecord) error
	InsertOutbox(ctx Context, msg OutboxMessage) error
	// ApplyDebt applies the RDB portion of the effect (authoritative side).
	ApplyDebt(ctx Context, jobID string, rec DebtRecord) error
}

// TxRunner runs f inside a single RDB transaction.
type TxRunner interface {
	WithTx(ctx Context, f func(tx SagaTx) error) error
}

// OutboxRepository manages outbox rows outside the dual-write transaction.
type OutboxRepository interface {
	// ClaimPending locks up to limit pending rows skip-locked and moves them
	// to processing.
	ClaimPending(ctx Context, limit int) ([]OutboxMessage, error)
	MarkProcessed(ctx Context, id int64) error
	// MarkRetry records a failed attempt; exhausted messages move to failed
	// but are retained for reconciliation.
	MarkRetry(ctx Context, id int64, lastError string) (OutboxMessage, error)
	// Requeue moves a failed message back to pending (reconciler only).
	Requeue(ctx Context, id int64) error
	UnprocessedSince(ctx Context, window time.Duration) ([]OutboxMessage, error)
	DeleteProcessedBefore(ctx Context, cutoff time.Time) (int64, error)
	CountFailed(ctx Context) (int, error)
}

// IdempotencyRepository garbage-collects expired idempotency records. A
// record is only collectable once the outbox message for its key is
// processed or abandoned.
type IdempotencyRepository interface {
	DeleteExpired(ctx Context, now time.Time) (int64, error)
}

// ReviewRepository is the manual review queue.
type ReviewRepository interface {
	// Enqueue inserts a review item; a duplicate unresolved item for the same
	// job returns the existing one.
	Enqueue(ctx Context, item ManualReviewItem) (ManualReviewItem, error)
	Get(ctx Context, id int64) (ManualReviewItem, error)
	ListPending(ctx Context, limit, offset int) ([]ManualReviewItem, error)
	// ClaimNext picks the highest-priority unclaimed item skip-locked.
	ClaimNext(ctx Context, reviewer string) (ManualReviewItem, error)
	Resolve(ctx Context, id int64, resolution ReviewResolution, correctedData []byte) (ManualReviewItem, error)
}

// CalibrationRepository stores calibration samples from resolved reviews.
type CalibrationRepository interface {
	Insert(ctx Context, s CalibrationSample) error
}

// PromptRepository is the versioned template store.
type PromptRepository interface {
	GetActive(ctx Context, taskType PromptTaskType, name string) (PromptTemplate, error)
	GetVersion(ctx Context, taskType PromptTaskType, name string, version int) (PromptTemplate, error)
	// CreateVersion inserts the next version for (taskType, name), inactive.
	CreateVersion(ctx Context, t PromptTemplate) (PromptTemplate, error)
	// Activate atomically deactivates the current active version and
	// activates the target. Rollback is Activate against a prior version.
	Activate(ctx Context, taskType PromptTaskType, name string, version int) error
}

// PromptMetricsRepository records per-call metrics and daily rollups.
type PromptMetricsRepository interface {
	InsertCall(ctx Context, m PromptCallMetric) error
	// MarkManualReview backfills the manual-review flag on every call metric
	// of a job once its outcome routed to human review.
	MarkManualReview(ctx Context, jobID string) (int64, error)
	// RollupDay aggregates raw calls for day into prompt_daily_metrics.
	RollupDay(ctx Context, day time.Time) (int, error)
	DeleteCallsBefore(ctx Context, cutoff time.Time) (int64, error)
}

// ReportRepository stores reconciliation reports.
type ReportRepository interface {
	Start(ctx Context, runAt time.Time) (int64, error)
	Finish(ctx Context, r ReconciliationReport) error
	Latest(ctx Context, n int) ([]ReconciliationReport, error)
}

// InquiryRepository resolves outstanding inquiries for the matcher.
type InquiryRepository interface {
	FindByTicketID(ctx Context, ticketID string) ([]Inquiry, error)
	FindByNames(ctx Context, clientName, creditorName string, since time.Time) ([]Inquiry, error)
}

// Queue enqueues processing tasks.
type Queue interface {
	EnqueueProcess(ctx Context, payload ProcessTaskPayload) (string, error)
}

// ChatImage is a base64-encoded image part for vision extraction.
type ChatImage struct {
	MediaType string
	Base64    string
}

// ChatRequest is one LLM vendor call.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Images      []ChatImage
}

// ChatResponse carries the JSON content and the vendor-reported usage.
type ChatResponse struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// LLMClient is the blind JSON-producing vendor call. Errors classify via the
// domain sentinels (rate limit, timeout, connection, bad request).
type LLMClient interface {
	ChatJSON(ctx Context, req ChatRequest) (ChatResponse, error)
}

// DocStore is the document-store port. Writes must be idempotent given the
// saga's idempotency key.
type DocStore interface {
	UpsertDebt(ctx Context, rec DebtRecord, idempotencyKey string) error
	GetByTicket(ctx Context, ticketID string) (*DebtRecord, error)
	FindByClientName(ctx Context, clientName string) (*DebtRecord, error)
	Ping(ctx Context) error
}

// BlobFetcher downloads an attachment to a temp file and guarantees cleanup
// on every exit path. Oversized files fail with ErrFileTooLarge before the
// body is fetched.
type BlobFetcher interface {
	WithAttachment(ctx Context, att Attachment, maxSize int64, f func(path string) error) error
}

// Matcher resolves the extracted debtor/creditor pair against an outstanding
// inquiry. Scoring is deterministic.
type Matcher interface {
	Match(ctx Context, ticketID string, extracted ConsolidatedResult) (MatchResult, error)
}

// CostLimiter is the daily cost circuit breaker. Reserve records the
// estimate before the vendor call (optimistic, so a crash between call and
// settle cannot blow the budget); Settle adjusts to the actual cost after.
type CostLimiter interface {
	Reserve(ctx Context, estimateUSD float64) error
	Settle(ctx Context, estimateUSD, actualUSD float64) error
}

// Notifier sends operator-facing notifications. Implementations missing
// transport config log a warning and skip.
type Notifier interface {
	NotifyPermanentFailure(ctx Context, job IncomingJob, cause string) error
	NotifyReview(ctx Context, job IncomingJob, res ConsolidatedResult, overall float64) error
}
