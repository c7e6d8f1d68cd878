package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// ReviewsListHandler lists pending review items ordered by priority.
func (s *Server) ReviewsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		items, err := s.Reviews.ListPending(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]map[string]any, 0, len(items))
		for _, it := range items {
			views = append(views, reviewView(it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"reviews": views})
	}
}

// ReviewClaimHandler assigns the highest-priority unclaimed item to the
// calling reviewer. 404 means the queue is empty.
func (s *Server) ReviewClaimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reviewer string `json:"reviewer" validate:"required,max=128"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		item, err := s.Reviews.ClaimNext(r.Context(), req.Reviewer)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reviewView(item))
	}
}

// ReviewResolveHandler records a reviewer verdict. A corrected resolution
// carries the corrected fields, which are validated before the verdict is
// persisted.
func (s *Server) ReviewResolveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad review id", domain.ErrInvalidArgument), nil)
			return
		}
		var req struct {
			Resolution    string          `json:"resolution" validate:"required,oneof=approved corrected rejected escalated spam"`
			CorrectedData json.RawMessage `json:"corrected_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		item, err := s.Reviews.Resolve(r.Context(), id, domain.ReviewResolution(req.Resolution), req.CorrectedData)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reviewView(item))
	}
}

func reviewView(it domain.ManualReviewItem) map[string]any {
	m := map[string]any{
		"id":         it.ID,
		"job_id":     it.JobID,
		"reason":     string(it.Reason),
		"priority":   it.Priority,
		"created_at": it.CreatedAt,
	}
	if len(it.Details) > 0 {
		m["details"] = json.RawMessage(it.Details)
	}
	if it.ClaimedBy != "" {
		m["claimed_by"] = it.ClaimedBy
		m["claimed_at"] = it.ClaimedAt
	}
	if it.ResolvedAt != nil {
		m["resolved_at"] = it.ResolvedAt
		m["resolution"] = string(it.Resolution)
	}
	if it.ExpiresAt != nil {
		m["expires_at"] = it.ExpiresAt
	}
	return m
}

// ReconcileRunHandler triggers one synchronous reconciliation pass. The
// periodic worker runs the same pass on a timer; this endpoint exists for
// operators chasing a drift report.
func (s *Server) ReconcileRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Reconciler.Run(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reportView(report))
	}
}

// ReconcileReportsHandler returns the most recent reconciliation reports.
func (s *Server) ReconcileReportsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		reports, err := s.Reports.Latest(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]map[string]any, 0, len(reports))
		for _, rep := range reports {
			views = append(views, reportView(rep))
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": views})
	}
}

func reportView(rep domain.ReconciliationReport) map[string]any {
	m := map[string]any{
		"id":              rep.ID,
		"run_at":          rep.RunAt,
		"status":          string(rep.Status),
		"records_checked": rep.RecordsChecked,
		"mismatches":      rep.Mismatches,
		"auto_repaired":   rep.AutoRepaired,
		"failed_repairs":  rep.FailedRepairs,
	}
	if rep.CompletedAt != nil {
		m["completed_at"] = rep.CompletedAt
	}
	if rep.ErrorMessage != "" {
		m["error"] = rep.ErrorMessage
	}
	if len(rep.Details) > 0 {
		m["details"] = json.RawMessage(rep.Details)
	}
	return m
}
