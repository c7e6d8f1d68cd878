package domain

import "time"

// OutboxState is the lifecycle of an OutboxMessage.
type OutboxState string

const (
	OutboxPending    OutboxState = "pending"
	OutboxProcessing OutboxState = "processing"
	OutboxProcessed  OutboxState = "processed"
	OutboxFailed     OutboxState = "failed"
)

// OutboxOperation names the DOC-side effect.
type OutboxOperation string

const (
	OpUpdateDebtAmount OutboxOperation = "update_debt_amount"
)

// OutboxMessage is the durable record of a pending document-store effect.
// A message is delivered iff ProcessedAt is set; retries only advance
// RetryCount while ProcessedAt is still null.
type OutboxMessage struct {
	ID             int64
	AggregateType  string
	AggregateID    string // IncomingJob id
	Operation      OutboxOperation
	Payload        []byte // JSON DebtRecord
	IdempotencyKey string // unique
	State          OutboxState
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	RetryCount     int
	MaxRetries     int
	LastError      string
}

// IdempotencyRecord caches the outcome of an applied operation. Existence
// implies the operation already ran; writers short-circuit to Result.
type IdempotencyRecord struct {
	Key       string
	Result    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ReconciliationStatus is the terminal status of a reconciliation run.
type ReconciliationStatus string

const (
	ReconciliationCompleted ReconciliationStatus = "completed"
	ReconciliationPartial   ReconciliationStatus = "partial"
	ReconciliationFailed    ReconciliationStatus = "failed"
)

// ReconciliationReport is immutable once completed.
type ReconciliationReport struct {
	ID             int64
	RunAt          time.Time
	CompletedAt    *time.Time
	RecordsChecked int
	Mismatches     int
	AutoRepaired   int
	FailedRepairs  int
	Status         ReconciliationStatus
	Details        []byte
	ErrorMessage   string
}
