package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/confidence"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/usecase"
)

// jobsStub implements the JobRepository surface the handlers exercise.
// Unimplemented methods panic via the embedded nil interface.
type jobsStub struct {
	domain.JobRepository
	byID      map[string]domain.IncomingJob
	byWebhook map[string]domain.IncomingJob
	queuedIDs []string
}

func newJobsStub() *jobsStub {
	return &jobsStub{byID: map[string]domain.IncomingJob{}, byWebhook: map[string]domain.IncomingJob{}}
}

func (s *jobsStub) Create(_ domain.Context, j domain.IncomingJob) (string, error) {
	if j.WebhookID != "" {
		if _, ok := s.byWebhook[j.WebhookID]; ok {
			return "", domain.ErrConflict
		}
		s.byWebhook[j.WebhookID] = j
	}
	s.byID[j.ID] = j
	return j.ID, nil
}

func (s *jobsStub) Get(_ domain.Context, id string) (domain.IncomingJob, error) {
	j, ok := s.byID[id]
	if !ok {
		return domain.IncomingJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) FindByWebhookID(_ domain.Context, webhookID string) (domain.IncomingJob, error) {
	j, ok := s.byWebhook[webhookID]
	if !ok {
		return domain.IncomingJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) List(_ domain.Context, status domain.JobStatus, _, _ int) ([]domain.IncomingJob, error) {
	var out []domain.IncomingJob
	for _, j := range s.byID {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *jobsStub) MarkQueued(_ domain.Context, id string, manualRetry bool) error {
	j, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if manualRetry && j.Status != domain.JobFailed {
		return domain.ErrIllegalTransition
	}
	j.Status = domain.JobQueued
	s.byID[id] = j
	s.queuedIDs = append(s.queuedIDs, id)
	return nil
}

type queueStub struct{ payloads []domain.ProcessTaskPayload }

func (q *queueStub) EnqueueProcess(_ domain.Context, p domain.ProcessTaskPayload) (string, error) {
	q.payloads = append(q.payloads, p)
	return "msg-1", nil
}

type reviewsStub struct {
	domain.ReviewRepository
	pending []domain.ManualReviewItem
	claimed map[int64]string
}

func (s *reviewsStub) ListPending(_ domain.Context, _, _ int) ([]domain.ManualReviewItem, error) {
	return s.pending, nil
}

func (s *reviewsStub) ClaimNext(_ domain.Context, reviewer string) (domain.ManualReviewItem, error) {
	if len(s.pending) == 0 {
		return domain.ManualReviewItem{}, domain.ErrNotFound
	}
	it := s.pending[0]
	s.pending = s.pending[1:]
	now := time.Now()
	it.ClaimedAt = &now
	it.ClaimedBy = reviewer
	if s.claimed == nil {
		s.claimed = map[int64]string{}
	}
	s.claimed[it.ID] = reviewer
	return it, nil
}

func testServer(t *testing.T) (*Server, *jobsStub, *queueStub, *reviewsStub) {
	t.Helper()
	jobs := newJobsStub()
	queue := &queueStub{}
	reviews := &reviewsStub{}
	srv := &Server{
		Cfg:     config.Config{MaxBodyMB: 10},
		Ingest:  usecase.NewIngestService(jobs, queue),
		Jobs:    usecase.NewJobService(jobs, queue),
		Reviews: usecase.NewReviewService(reviews, jobs, nil, nil, confidence.Thresholds{High: 0.85, Low: 0.60}),
	}
	return srv, jobs, queue, reviews
}

func router(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/email", srv.WebhookHandler())
	r.Get("/jobs", srv.JobsListHandler())
	r.Get("/jobs/{id}", srv.JobGetHandler())
	r.Post("/jobs/{id}/retry", srv.JobRetryHandler())
	r.Get("/api/v1/reviews", srv.ReviewsListHandler())
	r.Post("/api/v1/reviews/claim-next", srv.ReviewClaimHandler())
	r.Post("/api/v1/reviews/{id}/resolve", srv.ReviewResolveHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}

const validWebhook = `{
	"webhook_id": "wh-1",
	"ticket_id": "TICK-77",
	"from_email": "inkasso@glaeubiger.de",
	"subject": "Forderungsaufstellung",
	"body_text": "Gesamtforderung: 1.234,56 EUR",
	"attachments": [{"url": "https://files.example.com/a.pdf", "filename": "forderung.pdf", "content_type": "application/pdf", "size": 1024}]
}`

func TestWebhookAcceptsAndQueues(t *testing.T) {
	srv, jobs, queue, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", strings.NewReader(validWebhook))
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		JobID     string `json:"job_id"`
		Status    string `json:"status"`
		Duplicate bool   `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)
	assert.False(t, resp.Duplicate)

	require.Len(t, queue.payloads, 1)
	assert.Equal(t, resp.JobID, queue.payloads[0].JobID)
	assert.Equal(t, "TICK-77", queue.payloads[0].TicketID)
	assert.Equal(t, []string{resp.JobID}, jobs.queuedIDs)
}

func TestWebhookDuplicateReturns200(t *testing.T) {
	srv, jobs, queue, _ := testServer(t)
	jobs.byWebhook["wh-1"] = domain.IncomingJob{ID: "existing", WebhookID: "wh-1", Status: domain.JobCompleted}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", strings.NewReader(validWebhook))
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		JobID     string `json:"job_id"`
		Duplicate bool   `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "existing", resp.JobID)
	assert.True(t, resp.Duplicate)
	assert.Empty(t, queue.payloads, "duplicate of a finished job must not enqueue")
}

func TestWebhookValidationFailure(t *testing.T) {
	srv, _, queue, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/email",
		strings.NewReader(`{"from_email": "not-an-email"}`))
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_ARGUMENT", env.Error.Code)
	details, ok := env.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "ticketid")
	assert.Contains(t, details, "fromemail")
	assert.Empty(t, queue.payloads)
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", strings.NewReader(`{`))
	router(srv).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobGetNotFound(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestJobRetryRequeuesFailedJob(t *testing.T) {
	srv, jobs, queue, _ := testServer(t)
	jobs.byID["j1"] = domain.IncomingJob{ID: "j1", TicketID: "TICK-1", Status: domain.JobFailed}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/retry", nil)
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, queue.payloads, 1)
}

func TestJobRetryRejectsNonFailedJob(t *testing.T) {
	srv, jobs, _, _ := testServer(t)
	jobs.byID["j1"] = domain.IncomingJob{ID: "j1", Status: domain.JobCompleted}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/retry", nil)
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ILLEGAL_TRANSITION", env.Error.Code)
}

func TestReviewClaimRequiresReviewer(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reviews/claim-next", strings.NewReader(`{}`))
	router(srv).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewClaimHandsOutHighestPriority(t *testing.T) {
	srv, _, _, reviews := testServer(t)
	reviews.pending = []domain.ManualReviewItem{
		{ID: 9, JobID: "j9", Reason: domain.ReviewConflictDetected, Priority: 3, CreatedAt: time.Now()},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reviews/claim-next",
		strings.NewReader(`{"reviewer": "anna"}`))
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "j9", view["job_id"])
	assert.Equal(t, "anna", view["claimed_by"])
	assert.Equal(t, "conflict_detected", view["reason"])
}

func TestReviewResolveRejectsBadID(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reviews/abc/resolve",
		strings.NewReader(`{"resolution": "approved"}`))
	router(srv).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewResolveRejectsUnknownResolution(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reviews/5/resolve",
		strings.NewReader(`{"resolution": "maybe"}`))
	router(srv).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyzDegradesOnFailedCheck(t *testing.T) {
	srv, _, _, _ := testServer(t)
	srv.DBCheck = func(context.Context) error { return nil }
	srv.RedisCheck = func(context.Context) error { return domain.ErrConnection }

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	router(srv).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		Checks []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Checks, 2)
	assert.True(t, resp.Checks[0].OK)
	assert.False(t, resp.Checks[1].OK)
}
