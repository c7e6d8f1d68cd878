// Package prompt is the versioned template registry: active-version
// resolution, rendering, copy-on-edit versioning and per-call accounting.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Registry resolves, renders and versions prompt templates.
type Registry struct {
	repo    domain.PromptRepository
	metrics domain.PromptMetricsRepository
	now     func() time.Time
}

func NewRegistry(repo domain.PromptRepository, metrics domain.PromptMetricsRepository) *Registry {
	return &Registry{repo: repo, metrics: metrics, now: time.Now}
}

// GetActive returns the single active version for (taskType, name).
func (r *Registry) GetActive(ctx domain.Context, taskType domain.PromptTaskType, name string) (domain.PromptTemplate, error) {
	t, err := r.repo.GetActive(ctx, taskType, name)
	if err != nil {
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt_get_active %s/%s: %w", taskType, name, err)
	}
	return t, nil
}

// Render substitutes vars into the user template. Referencing an undefined
// variable fails with ErrInvalidArgument rather than emitting "<no value>".
func Render(t domain.PromptTemplate, vars map[string]any) (string, error) {
	tpl, err := template.New(fmt.Sprintf("%s/%s@%d", t.TaskType, t.Name, t.Version)).
		Option("missingkey=error").
		Parse(t.UserTemplate)
	if err != nil {
		return "", fmt.Errorf("op=prompt_parse %s/%s v%d: %w: %v", t.TaskType, t.Name, t.Version, domain.ErrInvalidArgument, err)
	}
	var b strings.Builder
	if err := tpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("op=prompt_render %s/%s v%d: %w: %v", t.TaskType, t.Name, t.Version, domain.ErrInvalidArgument, err)
	}
	return b.String(), nil
}

// CreateVersion inserts the next version for the template's (task type,
// name), always inactive. Editors copy, never mutate.
func (r *Registry) CreateVersion(ctx domain.Context, t domain.PromptTemplate) (domain.PromptTemplate, error) {
	if strings.TrimSpace(t.UserTemplate) == "" {
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt_create: user template required: %w", domain.ErrInvalidArgument)
	}
	if _, err := template.New("check").Option("missingkey=error").Parse(t.UserTemplate); err != nil {
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt_create: template does not parse: %w: %v", domain.ErrInvalidArgument, err)
	}
	t.Active = false
	t.CreatedAt = r.now()
	created, err := r.repo.CreateVersion(ctx, t)
	if err != nil {
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt_create %s/%s: %w", t.TaskType, t.Name, err)
	}
	return created, nil
}

// Activate atomically swaps the active version. Rollback is Activate
// against a prior version.
func (r *Registry) Activate(ctx domain.Context, taskType domain.PromptTaskType, name string, version int) error {
	if err := r.repo.Activate(ctx, taskType, name, version); err != nil {
		return fmt.Errorf("op=prompt_activate %s/%s v%d: %w", taskType, name, version, err)
	}
	return nil
}

// RecordCall stores the per-call metric for one extraction. Failures are
// logged, not propagated; accounting must never fail the pipeline.
func (r *Registry) RecordCall(ctx domain.Context, m domain.PromptCallMetric) {
	m.CreatedAt = r.now()
	if err := r.metrics.InsertCall(ctx, m); err != nil {
		observability.LoggerFromContext(ctx).Warn("prompt call metric insert failed",
			slog.Int64("template_id", m.TemplateID),
			slog.String("job_id", m.JobID),
			slog.Any("error", err))
	}
}

// FlagManualReview marks every stored call metric of a job once its outcome
// routed to human review. Failures are logged, not propagated.
func (r *Registry) FlagManualReview(ctx domain.Context, jobID string) {
	if _, err := r.metrics.MarkManualReview(ctx, jobID); err != nil {
		observability.LoggerFromContext(ctx).Warn("prompt metric manual-review flag failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}

// RollupDay aggregates the previous day's raw calls and deletes raw rows
// older than the retention cutoff.
func (r *Registry) RollupDay(ctx domain.Context, day time.Time, retention time.Duration) (int, error) {
	n, err := r.metrics.RollupDay(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("op=prompt_rollup day=%s: %w", day.Format("2006-01-02"), err)
	}
	deleted, err := r.metrics.DeleteCallsBefore(ctx, r.now().Add(-retention))
	if err != nil {
		return n, fmt.Errorf("op=prompt_rollup cleanup: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("prompt metrics rollup finished",
		slog.Int("templates", n),
		slog.Int64("raw_deleted", deleted))
	return n, nil
}
