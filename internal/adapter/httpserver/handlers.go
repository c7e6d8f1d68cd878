package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/saga"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Ingest     *usecase.IngestService
	Jobs       *usecase.JobService
	Reviews    *usecase.ReviewService
	Reconciler *saga.Reconciler
	Reports    domain.ReportRepository

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
	DocCheck   func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type webhookAttachment struct {
	URL         string `json:"url" validate:"required,url"`
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"max=128"`
	Size        int64  `json:"size" validate:"min=0"`
}

type webhookRequest struct {
	WebhookID   string              `json:"webhook_id" validate:"max=128"`
	TicketID    string              `json:"ticket_id" validate:"required,max=128"`
	FromEmail   string              `json:"from_email" validate:"required,email"`
	Subject     string              `json:"subject" validate:"max=2048"`
	BodyText    string              `json:"body_text"`
	BodyHTML    string              `json:"body_html"`
	Headers     map[string]string   `json:"headers"`
	Attachments []webhookAttachment `json:"attachments" validate:"max=20,dive"`
}

// WebhookHandler accepts one inbound creditor email. The handler is thin on
// purpose: persist, enqueue, respond 202. All extraction happens in the
// worker. Duplicate deliveries return the existing job with 200.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyMB*1024*1024)
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "FILE_TOO_LARGE", Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxBodyMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		job := domain.IncomingJob{
			WebhookID: req.WebhookID,
			TicketID:  req.TicketID,
			FromEmail: req.FromEmail,
			Subject:   req.Subject,
			BodyText:  req.BodyText,
			BodyHTML:  req.BodyHTML,
			Headers:   req.Headers,
		}
		for _, a := range req.Attachments {
			job.Attachments = append(job.Attachments, domain.Attachment{
				URL: a.URL, Filename: a.Filename, ContentType: a.ContentType, Size: a.Size,
			})
		}

		id, duplicate, err := s.Ingest.Ingest(r.Context(), job)
		if err != nil {
			writeError(w, r, fmt.Errorf("webhook ingest: %w", err), nil)
			return
		}
		status := http.StatusAccepted
		if duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"job_id":    id,
			"status":    string(domain.JobQueued),
			"duplicate": duplicate,
		})
	}
}

func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// JobGetHandler returns one job with its full processing outcome.
func (s *Server) JobGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

// JobsListHandler lists jobs, optionally filtered by status.
func (s *Server) JobsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := domain.JobStatus(r.URL.Query().Get("status"))
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		jobs, err := s.Jobs.List(r.Context(), status, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, jobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
	}
}

// JobRetryHandler re-enqueues a failed job.
func (s *Server) JobRetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Jobs.Retry(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobQueued)})
	}
}

func jobView(j domain.IncomingJob) map[string]any {
	m := map[string]any{
		"id":          j.ID,
		"webhook_id":  j.WebhookID,
		"ticket_id":   j.TicketID,
		"from_email":  j.FromEmail,
		"subject":     j.Subject,
		"status":      string(j.Status),
		"retry_count": j.RetryCount,
		"received_at": j.ReceivedAt,
	}
	if j.ProcessingError != "" {
		m["processing_error"] = j.ProcessingError
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt
	}
	if j.Status == domain.JobCompleted {
		m["overall_confidence"] = j.OverallConfidence
		m["route"] = string(j.ConfidenceRoute)
		if j.ExtractedData != nil {
			m["extracted"] = j.ExtractedData
		}
		if j.MatchResult != nil {
			m["match"] = j.MatchResult
		}
	}
	return m
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// ReadyzHandler probes the RDB, Redis, the queue and the DOC store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probe := func(ctx context.Context, name string, f func(context.Context) error, out *[]check) {
		if f == nil {
			return
		}
		if err := f(ctx); err != nil {
			*out = append(*out, check{Name: name, OK: false, Details: err.Error()})
		} else {
			*out = append(*out, check{Name: name, OK: true})
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 4)
		probe(ctx, "db", s.DBCheck, &checks)
		probe(ctx, "redis", s.RedisCheck, &checks)
		probe(ctx, "queue", s.QueueCheck, &checks)
		probe(ctx, "docstore", s.DocCheck, &checks)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
