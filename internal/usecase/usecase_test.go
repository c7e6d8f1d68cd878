package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/confidence"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/pipeline"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/saga"
)

// memJobs is an in-memory JobRepository with the same transition rules as
// the SQL implementation.
type memJobs struct {
	rows       map[string]domain.IncomingJob
	findMisses int // FindByWebhookID misses this many times first
}

func newMemJobs() *memJobs { return &memJobs{rows: map[string]domain.IncomingJob{}} }

func (m *memJobs) Create(_ domain.Context, j domain.IncomingJob) (string, error) {
	for _, r := range m.rows {
		if j.WebhookID != "" && r.WebhookID == j.WebhookID {
			return "", domain.ErrConflict
		}
	}
	m.rows[j.ID] = j
	return j.ID, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.IncomingJob, error) {
	j, ok := m.rows[id]
	if !ok {
		return domain.IncomingJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memJobs) FindByWebhookID(_ domain.Context, webhookID string) (domain.IncomingJob, error) {
	if m.findMisses > 0 {
		m.findMisses--
		return domain.IncomingJob{}, domain.ErrNotFound
	}
	for _, r := range m.rows {
		if r.WebhookID == webhookID {
			return r, nil
		}
	}
	return domain.IncomingJob{}, domain.ErrNotFound
}

func (m *memJobs) List(_ domain.Context, status domain.JobStatus, limit, offset int) ([]domain.IncomingJob, error) {
	var out []domain.IncomingJob
	for _, r := range m.rows {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) MarkQueued(_ domain.Context, id string, manualRetry bool) error {
	j, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(j.Status, domain.JobQueued) {
		return domain.ErrIllegalTransition
	}
	j.Status = domain.JobQueued
	if manualRetry {
		j.RetryCount++
		j.ProcessingError = ""
	}
	m.rows[id] = j
	return nil
}

func (m *memJobs) Claim(_ domain.Context, id, workerToken string) (domain.IncomingJob, error) {
	j, ok := m.rows[id]
	if !ok || j.Status != domain.JobQueued {
		return domain.IncomingJob{}, domain.ErrNotFound
	}
	now := time.Now()
	j.Status = domain.JobProcessing
	j.WorkerToken = workerToken
	j.StartedAt = &now
	m.rows[id] = j
	return j, nil
}

func (m *memJobs) Complete(_ domain.Context, id string, status domain.JobStatus, procErr string, extras domain.CompleteExtras) error {
	j, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(j.Status, status) {
		return domain.ErrIllegalTransition
	}
	now := time.Now()
	j.Status = status
	j.ProcessingError = procErr
	j.CompletedAt = &now
	j.ExtractedData = extras.Extracted
	j.MatchResult = extras.Match
	j.ExtractionConfidence = extras.ExtractionConfidence
	j.OverallConfidence = extras.OverallConfidence
	j.ConfidenceRoute = extras.Route
	m.rows[id] = j
	return nil
}

func (m *memJobs) SaveCheckpoints(_ domain.Context, id string, cp domain.Checkpoints) error {
	j, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Checkpoints = cp
	m.rows[id] = j
	return nil
}

func (m *memJobs) ListCompletedSince(_ domain.Context, _ time.Time) ([]domain.IncomingJob, error) {
	return nil, nil
}

func (m *memJobs) FailStuckProcessing(_ domain.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (m *memJobs) ListStaleReceived(_ domain.Context, _ time.Duration, _ int) ([]domain.IncomingJob, error) {
	return nil, nil
}

type memQueue struct {
	payloads []domain.ProcessTaskPayload
	err      error
}

func (m *memQueue) EnqueueProcess(_ domain.Context, p domain.ProcessTaskPayload) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.payloads = append(m.payloads, p)
	return fmt.Sprintf("msg-%d", len(m.payloads)), nil
}

type memReviews struct {
	nextID int64
	items  map[int64]domain.ManualReviewItem
}

func newMemReviews() *memReviews { return &memReviews{items: map[int64]domain.ManualReviewItem{}} }

func (m *memReviews) Enqueue(_ domain.Context, item domain.ManualReviewItem) (domain.ManualReviewItem, error) {
	for _, it := range m.items {
		if it.JobID == item.JobID && it.ResolvedAt == nil {
			return it, nil
		}
	}
	m.nextID++
	item.ID = m.nextID
	m.items[item.ID] = item
	return item, nil
}

func (m *memReviews) Get(_ domain.Context, id int64) (domain.ManualReviewItem, error) {
	it, ok := m.items[id]
	if !ok {
		return domain.ManualReviewItem{}, domain.ErrNotFound
	}
	return it, nil
}

func (m *memReviews) ListPending(_ domain.Context, limit, offset int) ([]domain.ManualReviewItem, error) {
	var out []domain.ManualReviewItem
	for _, it := range m.items {
		if it.ResolvedAt == nil {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memReviews) ClaimNext(_ domain.Context, reviewer string) (domain.ManualReviewItem, error) {
	var best *domain.ManualReviewItem
	for id := range m.items {
		it := m.items[id]
		if it.ResolvedAt != nil || it.ClaimedAt != nil {
			continue
		}
		if best == nil || it.Priority < best.Priority {
			best = &it
		}
	}
	if best == nil {
		return domain.ManualReviewItem{}, domain.ErrNotFound
	}
	now := time.Now()
	best.ClaimedAt = &now
	best.ClaimedBy = reviewer
	m.items[best.ID] = *best
	return *best, nil
}

func (m *memReviews) Resolve(_ domain.Context, id int64, res domain.ReviewResolution, corrected []byte) (domain.ManualReviewItem, error) {
	it, ok := m.items[id]
	if !ok {
		return domain.ManualReviewItem{}, domain.ErrNotFound
	}
	if it.ResolvedAt != nil {
		return domain.ManualReviewItem{}, domain.ErrConflict
	}
	now := time.Now()
	it.ResolvedAt = &now
	it.Resolution = res
	it.CorrectedData = corrected
	m.items[id] = it
	return it, nil
}

type memCalibration struct {
	samples []domain.CalibrationSample
}

func (m *memCalibration) Insert(_ domain.Context, s domain.CalibrationSample) error {
	m.samples = append(m.samples, s)
	return nil
}

type memNotifier struct {
	reviews  int
	failures int
}

func (m *memNotifier) NotifyPermanentFailure(domain.Context, domain.IncomingJob, string) error {
	m.failures++
	return nil
}

func (m *memNotifier) NotifyReview(domain.Context, domain.IncomingJob, domain.ConsolidatedResult, float64) error {
	m.reviews++
	return nil
}

// memSagaStore backs the saga engine without real transactions; commit
// atomicity is covered by the saga package tests.
type memSagaStore struct {
	idem   map[string]domain.IdempotencyRecord
	outbox []domain.OutboxMessage
	debts  map[string]domain.DebtRecord
}

func newMemSagaStore() *memSagaStore {
	return &memSagaStore{idem: map[string]domain.IdempotencyRecord{}, debts: map[string]domain.DebtRecord{}}
}

func (m *memSagaStore) WithTx(_ domain.Context, f func(tx domain.SagaTx) error) error { return f(m) }

func (m *memSagaStore) GetIdempotency(_ domain.Context, key string) (*domain.IdempotencyRecord, error) {
	if rec, ok := m.idem[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memSagaStore) PutIdempotency(_ domain.Context, rec domain.IdempotencyRecord) error {
	m.idem[rec.Key] = rec
	return nil
}

func (m *memSagaStore) InsertOutbox(_ domain.Context, msg domain.OutboxMessage) error {
	m.outbox = append(m.outbox, msg)
	return nil
}

func (m *memSagaStore) ApplyDebt(_ domain.Context, _ string, rec domain.DebtRecord) error {
	m.debts[rec.TicketID] = rec
	return nil
}

var testThresholds = confidence.Thresholds{High: 0.85, Low: 0.60}

// noopPromptMetrics satisfies domain.PromptMetricsRepository for the
// pipeline's manual-review flagging; these tests never assert on it.
type noopPromptMetrics struct{}

func (noopPromptMetrics) InsertCall(domain.Context, domain.PromptCallMetric) error { return nil }
func (noopPromptMetrics) MarkManualReview(domain.Context, string) (int64, error)  { return 0, nil }
func (noopPromptMetrics) RollupDay(domain.Context, time.Time) (int, error)        { return 0, nil }
func (noopPromptMetrics) DeleteCallsBefore(domain.Context, time.Time) (int64, error) {
	return 0, nil
}

type world struct {
	jobs     *memJobs
	queue    *memQueue
	reviews  *memReviews
	calib    *memCalibration
	notifier *memNotifier
	store    *memSagaStore
	saga     *saga.Engine

	ingest  *IngestService
	process *ProcessService
	jobSvc  *JobService
	review  *ReviewService
}

func newWorld() *world {
	w := &world{
		jobs:     newMemJobs(),
		queue:    &memQueue{},
		reviews:  newMemReviews(),
		calib:    &memCalibration{},
		notifier: &memNotifier{},
		store:    newMemSagaStore(),
	}
	w.saga = saga.NewEngine(w.store, 24*time.Hour, 5)
	// All checkpoints in these tests are pre-populated, so the pipeline
	// resumes without touching the LLM, extractor or matcher.
	pl := pipeline.New(nil, prompt.NewRegistry(nil, noopPromptMetrics{}), nil, nil, nil, nil, nil, w.jobs, pipeline.Options{
		TokenBudget: 10000,
		Thresholds:  testThresholds,
	})
	w.ingest = NewIngestService(w.jobs, w.queue)
	w.process = NewProcessService(w.jobs, pl, w.saga, w.reviews, w.notifier)
	w.jobSvc = NewJobService(w.jobs, w.queue)
	w.review = NewReviewService(w.reviews, w.jobs, w.calib, w.saga, testThresholds)
	return w
}

func inboundJob(webhookID string) domain.IncomingJob {
	return domain.IncomingJob{
		WebhookID: webhookID,
		TicketID:  "TK-1001",
		FromEmail: "forderungen@inkasso-meyer.de",
		Subject:   "Forderungsaufstellung",
		BodyText:  "Gesamtforderung: 1.234,56 EUR",
	}
}

// doneCheckpoints builds a fully-resumable checkpoint set whose extraction
// confidence drives the route.
func doneCheckpoints(extraction float64, match *domain.MatchResult, conflicts []domain.FieldConflict) domain.Checkpoints {
	now := time.Now()
	result := &domain.ConsolidatedResult{
		FinalAmount:          decimal.RequireFromString("1234.56"),
		AmountConfidence:     domain.ConfidenceHigh,
		ClientName:           "Max Mustermann",
		CreditorName:         "Inkasso Meyer GmbH",
		SourcesProcessed:     []domain.SourceKind{domain.SourceNativePDF},
		SourcesWithAmount:    1,
		ExtractionConfidence: extraction,
	}
	a3Status := domain.CheckpointPassed
	if len(conflicts) > 0 {
		a3Status = domain.CheckpointNeedsReview
	}
	return domain.Checkpoints{
		Agent1: &domain.Agent1Checkpoint{
			Intent: domain.IntentDebtStatement, Confidence: 0.95,
			Status: domain.CheckpointPassed, CompletedAt: now,
		},
		Agent2: &domain.Agent2Checkpoint{
			Result: result, Status: domain.CheckpointPassed, CompletedAt: now,
		},
		Agent3: &domain.Agent3Checkpoint{
			Match: match, Conflicts: conflicts, Status: a3Status, CompletedAt: now,
		},
	}
}

func autoMatch() *domain.MatchResult {
	return &domain.MatchResult{Score: 1.0, Status: domain.MatchAuto, CandidateID: "inq-1", MatchedBy: "ticket_id"}
}

func seedQueuedJob(w *world, cp domain.Checkpoints) domain.IncomingJob {
	job := inboundJob("wh-1")
	job.ID = "job-1"
	job.Status = domain.JobQueued
	job.ReceivedAt = time.Now()
	job.Checkpoints = cp
	w.jobs.rows[job.ID] = job
	return job
}

func TestIngestAcceptsAndSchedules(t *testing.T) {
	w := newWorld()

	id, dup, err := w.ingest.Ingest(context.Background(), inboundJob("wh-1"))
	require.NoError(t, err)
	assert.False(t, dup)

	job := w.jobs.rows[id]
	assert.Equal(t, domain.JobQueued, job.Status)
	require.Len(t, w.queue.payloads, 1)
	assert.Equal(t, id, w.queue.payloads[0].JobID)
	assert.Equal(t, "TK-1001", w.queue.payloads[0].TicketID)
}

func TestIngestDuplicateWebhookShortCircuits(t *testing.T) {
	w := newWorld()

	id1, _, err := w.ingest.Ingest(context.Background(), inboundJob("wh-1"))
	require.NoError(t, err)
	id2, dup, err := w.ingest.Ingest(context.Background(), inboundJob("wh-1"))
	require.NoError(t, err)

	assert.True(t, dup)
	assert.Equal(t, id1, id2)
	assert.Len(t, w.queue.payloads, 1, "duplicate must not enqueue again")
	assert.Len(t, w.jobs.rows, 1)
}

func TestIngestResumesCrashedSchedule(t *testing.T) {
	w := newWorld()
	// A previous delivery persisted the row but crashed before enqueueing.
	stuck := inboundJob("wh-1")
	stuck.ID = "job-stuck"
	stuck.Status = domain.JobReceived
	w.jobs.rows[stuck.ID] = stuck

	id, dup, err := w.ingest.Ingest(context.Background(), inboundJob("wh-1"))
	require.NoError(t, err)

	assert.True(t, dup)
	assert.Equal(t, "job-stuck", id)
	assert.Equal(t, domain.JobQueued, w.jobs.rows[id].Status)
	require.Len(t, w.queue.payloads, 1)
}

func TestIngestCreateRaceFallsBackToExisting(t *testing.T) {
	w := newWorld()
	existing := inboundJob("wh-1")
	existing.ID = "job-winner"
	existing.Status = domain.JobQueued
	w.jobs.rows[existing.ID] = existing

	// The dedupe probe misses, Create loses the unique-index race, and the
	// refind resolves to the concurrent winner.
	w.jobs.findMisses = 1
	id, dup, err := w.ingest.Ingest(context.Background(), inboundJob("wh-1"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "job-winner", id)
}

func TestProcessAutoUpdateWritesWithoutNotify(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, doneCheckpoints(0.95, autoMatch(), nil))

	err := w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID})
	require.NoError(t, err)

	got := w.jobs.rows[job.ID]
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, domain.RouteAutoUpdate, got.ConfidenceRoute)

	rec, ok := w.store.debts["TK-1001"]
	require.True(t, ok, "debt must be applied on the RDB side")
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("1234.56")))
	assert.Equal(t, "inq-1", rec.CreditorID)
	require.Len(t, w.store.outbox, 1, "DOC effect staged in the outbox")
	assert.Equal(t, domain.OutboxPending, w.store.outbox[0].State)

	assert.Zero(t, w.notifier.reviews, "auto update is silent")
	assert.Empty(t, w.reviews.items)
}

func TestProcessUpdateNotifyWritesAndNotifies(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, doneCheckpoints(0.80, autoMatch(), nil))

	require.NoError(t, w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}))

	got := w.jobs.rows[job.ID]
	assert.Equal(t, domain.RouteUpdateNotify, got.ConfidenceRoute)
	assert.Contains(t, w.store.debts, "TK-1001")
	assert.Equal(t, 1, w.notifier.reviews)
	assert.Empty(t, w.reviews.items)
}

func TestProcessConflictGoesToManualReview(t *testing.T) {
	w := newWorld()
	conflicts := []domain.FieldConflict{{Field: "amount", Original: "900.00", New: "1234.56"}}
	job := seedQueuedJob(w, doneCheckpoints(0.95, autoMatch(), conflicts))

	require.NoError(t, w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}))

	got := w.jobs.rows[job.ID]
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, domain.RouteManualReview, got.ConfidenceRoute)
	assert.Empty(t, w.store.debts, "manual review must not write")
	assert.Empty(t, w.store.outbox)

	require.Len(t, w.reviews.items, 1)
	item := w.reviews.items[1]
	assert.Equal(t, domain.ReviewConflictDetected, item.Reason)
	assert.Equal(t, 3, item.Priority)
	require.NotNil(t, item.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *item.ExpiresAt, time.Minute)

	var details map[string]any
	require.NoError(t, json.Unmarshal(item.Details, &details))
	assert.Contains(t, details, "conflicts")
	assert.Equal(t, 1, w.notifier.reviews)
}

func TestProcessLowConfidenceReviewPriority(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, doneCheckpoints(0.50, autoMatch(), nil))

	require.NoError(t, w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}))

	require.Len(t, w.reviews.items, 1)
	assert.Equal(t, domain.ReviewLowConfidence, w.reviews.items[1].Reason)
	assert.Equal(t, 5, w.reviews.items[1].Priority)
}

func TestProcessNotCreditorReply(t *testing.T) {
	w := newWorld()
	now := time.Now()
	cp := domain.Checkpoints{
		Agent1: &domain.Agent1Checkpoint{
			Intent: domain.IntentAutoReply, Confidence: 1.0, RuleBased: true,
			SkipExtraction: true, Status: domain.CheckpointPassed, CompletedAt: now,
		},
		Agent2: &domain.Agent2Checkpoint{
			ShortCircuit: true, Status: domain.CheckpointPassed, CompletedAt: now,
		},
	}
	job := seedQueuedJob(w, cp)

	require.NoError(t, w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}))

	assert.Equal(t, domain.JobNotCreditorReply, w.jobs.rows[job.ID].Status)
	assert.Empty(t, w.store.debts)
	assert.Empty(t, w.reviews.items)
}

func TestProcessMissingJobAcks(t *testing.T) {
	w := newWorld()
	err := w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: "gone"})
	assert.NoError(t, err, "unclaimable message is acked, not retried")
}

func TestProcessReplayIsIdempotent(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, doneCheckpoints(0.95, autoMatch(), nil))
	require.NoError(t, w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}))

	// Redelivery of the same message: the job is terminal, so the claim
	// misses and the message is acked without a second write.
	require.NoError(t, w.process.Handle(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}))
	assert.Len(t, w.store.outbox, 1)
}

func TestOnPermanentFailure(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, domain.Checkpoints{})
	j := w.jobs.rows[job.ID]
	j.Status = domain.JobProcessing
	w.jobs.rows[job.ID] = j

	w.process.OnPermanentFailure(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}, fmt.Errorf("llm unavailable"))

	got := w.jobs.rows[job.ID]
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "llm unavailable", got.ProcessingError)
	assert.Equal(t, 1, w.notifier.failures)

	// A second invocation on the terminal row is a no-op.
	w.process.OnPermanentFailure(context.Background(), domain.ProcessTaskPayload{JobID: job.ID}, fmt.Errorf("again"))
	assert.Equal(t, "llm unavailable", w.jobs.rows[job.ID].ProcessingError)
}

func TestRetryRequeuesFailedJob(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, domain.Checkpoints{})
	j := w.jobs.rows[job.ID]
	j.Status = domain.JobFailed
	j.ProcessingError = "boom"
	w.jobs.rows[job.ID] = j

	require.NoError(t, w.jobSvc.Retry(context.Background(), job.ID))

	got := w.jobs.rows[job.ID]
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ProcessingError)
	require.Len(t, w.queue.payloads, 1)
	assert.Equal(t, 1, w.queue.payloads[0].Attempt)
}

func TestRetryRejectsNonFailedJob(t *testing.T) {
	w := newWorld()
	job := seedQueuedJob(w, domain.Checkpoints{})

	err := w.jobSvc.Retry(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.Empty(t, w.queue.payloads)
}

// reviewedJob seeds a completed manual-review job with a pending review item.
func reviewedJob(w *world) (domain.IncomingJob, domain.ManualReviewItem) {
	job := seedQueuedJob(w, doneCheckpoints(0.50, autoMatch(), nil))
	j := w.jobs.rows[job.ID]
	j.Status = domain.JobCompleted
	j.ExtractedData = j.Checkpoints.Agent2.Result
	j.MatchResult = j.Checkpoints.Agent3.Match
	j.ExtractionConfidence = 0.50
	j.OverallConfidence = 0.50
	j.ConfidenceRoute = domain.RouteManualReview
	w.jobs.rows[job.ID] = j

	item, _ := w.reviews.Enqueue(context.Background(), domain.ManualReviewItem{
		JobID: job.ID, Reason: domain.ReviewLowConfidence, Priority: 5, CreatedAt: time.Now(),
	})
	return j, item
}

func TestReviewApprovedCapturesSampleAndWrites(t *testing.T) {
	w := newWorld()
	job, item := reviewedJob(w)

	resolved, err := w.review.Resolve(context.Background(), item.ID, domain.ResolutionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionApproved, resolved.Resolution)

	require.Len(t, w.calib.samples, 1)
	sample := w.calib.samples[0]
	assert.Equal(t, job.ID, sample.JobID)
	assert.True(t, sample.WasCorrect)
	assert.Equal(t, domain.BucketLow, sample.OverallBucket)
	assert.Equal(t, domain.SourceNativePDF, sample.DocumentType)
	assert.InDelta(t, 0.50, sample.ExtractionConfidence, 1e-9)
	assert.InDelta(t, 1.0, sample.MatchConfidence, 1e-9)
	assert.InDelta(t, 0.95, sample.IntentConfidence, 1e-9)

	// Approval authorizes the write the router withheld.
	rec, ok := w.store.debts["TK-1001"]
	require.True(t, ok)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("1234.56")))
}

func TestReviewCorrectedReappliesWithNewAmount(t *testing.T) {
	w := newWorld()
	job, item := reviewedJob(w)

	// The reviewer fixes a German-formatted amount.
	corrected := []byte(`{"amount":"2.000,00"}`)
	_, err := w.review.Resolve(context.Background(), item.ID, domain.ResolutionCorrected, corrected)
	require.NoError(t, err)

	require.Len(t, w.calib.samples, 1)
	sample := w.calib.samples[0]
	assert.False(t, sample.WasCorrect)
	assert.Equal(t, domain.CorrectionAmount, sample.CorrectionType)

	var details map[string]map[string]string
	require.NoError(t, json.Unmarshal(sample.CorrectionDetails, &details))
	assert.Equal(t, "1234.56", details["before"]["amount"])
	assert.Equal(t, "2.000,00", details["after"]["amount"])

	rec, ok := w.store.debts["TK-1001"]
	require.True(t, ok)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("2000.00")),
		"corrected amount applied, got %s", rec.Amount)
	assert.Equal(t, job.ExtractedData.ClientName, rec.ClientName, "untouched fields keep extracted values")
}

func TestReviewCorrectedMultipleFields(t *testing.T) {
	w := newWorld()
	_, item := reviewedJob(w)

	corrected := []byte(`{"amount":"500.00","creditor_name":"Inkasso Schulz GmbH"}`)
	_, err := w.review.Resolve(context.Background(), item.ID, domain.ResolutionCorrected, corrected)
	require.NoError(t, err)

	require.Len(t, w.calib.samples, 1)
	assert.Equal(t, domain.CorrectionMultiple, w.calib.samples[0].CorrectionType)
	assert.Equal(t, "Inkasso Schulz GmbH", w.store.debts["TK-1001"].CreditorName)
}

func TestReviewRejectedCapturesNothing(t *testing.T) {
	w := newWorld()
	_, item := reviewedJob(w)

	_, err := w.review.Resolve(context.Background(), item.ID, domain.ResolutionRejected, nil)
	require.NoError(t, err)

	assert.Empty(t, w.calib.samples, "rejected carries no calibration label")
	assert.Empty(t, w.store.debts, "rejected never writes")
}

func TestReviewCorrectedRejectsBadPayload(t *testing.T) {
	w := newWorld()
	_, item := reviewedJob(w)

	_, err := w.review.Resolve(context.Background(), item.ID, domain.ResolutionCorrected, []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// The bad payload is rejected before the verdict is recorded.
	got, _ := w.reviews.Get(context.Background(), item.ID)
	assert.Nil(t, got.ResolvedAt)
}

func TestReviewClaimNextByPriority(t *testing.T) {
	w := newWorld()
	reviewedJob(w)
	// A second job with a higher-priority conflict item.
	job2 := inboundJob("wh-2")
	job2.ID = "job-2"
	job2.Status = domain.JobCompleted
	w.jobs.rows[job2.ID] = job2
	w.reviews.Enqueue(context.Background(), domain.ManualReviewItem{
		JobID: job2.ID, Reason: domain.ReviewConflictDetected, Priority: 3, CreatedAt: time.Now(),
	})

	item, err := w.review.ClaimNext(context.Background(), "anna")
	require.NoError(t, err)
	assert.Equal(t, "job-2", item.JobID)
	assert.Equal(t, "anna", item.ClaimedBy)

	_, err = w.review.ClaimNext(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
