package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// PromptRepo is the versioned template store. Versions are immutable;
// activation flips which version serves.
type PromptRepo struct{ Pool PgxPool }

func NewPromptRepo(p PgxPool) *PromptRepo { return &PromptRepo{Pool: p} }

const promptColumns = `id, task_type, name, version, system_text, user_template,
	active, model_name, temperature, max_tokens, created_at, created_by, COALESCE(description,'')`

func scanPrompt(row rowScanner) (domain.PromptTemplate, error) {
	var t domain.PromptTemplate
	err := row.Scan(&t.ID, &t.TaskType, &t.Name, &t.Version, &t.SystemText,
		&t.UserTemplate, &t.Active, &t.ModelName, &t.Temperature, &t.MaxTokens,
		&t.CreatedAt, &t.CreatedBy, &t.Description)
	return t, err
}

func (r *PromptRepo) GetActive(ctx domain.Context, taskType domain.PromptTaskType, name string) (domain.PromptTemplate, error) {
	ctx, span := otel.Tracer("repo.prompts").Start(ctx, "prompts.GetActive")
	defer span.End()

	row := r.Pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompt_templates WHERE task_type=$1 AND name=$2 AND active`,
		string(taskType), name)
	t, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PromptTemplate{}, fmt.Errorf("op=prompt.get_active %s/%s: %w", taskType, name, domain.ErrNotFound)
		}
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt.get_active: %w", err)
	}
	return t, nil
}

func (r *PromptRepo) GetVersion(ctx domain.Context, taskType domain.PromptTaskType, name string, version int) (domain.PromptTemplate, error) {
	ctx, span := otel.Tracer("repo.prompts").Start(ctx, "prompts.GetVersion")
	defer span.End()

	row := r.Pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompt_templates WHERE task_type=$1 AND name=$2 AND version=$3`,
		string(taskType), name, version)
	t, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PromptTemplate{}, fmt.Errorf("op=prompt.get_version %s/%s v%d: %w", taskType, name, version, domain.ErrNotFound)
		}
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt.get_version: %w", err)
	}
	return t, nil
}

// CreateVersion inserts the next version for (task type, name), inactive.
// The version number is assigned here so concurrent creates cannot collide.
func (r *PromptRepo) CreateVersion(ctx domain.Context, t domain.PromptTemplate) (domain.PromptTemplate, error) {
	ctx, span := otel.Tracer("repo.prompts").Start(ctx, "prompts.CreateVersion")
	defer span.End()

	q := `INSERT INTO prompt_templates
		(task_type, name, version, system_text, user_template, active,
		 model_name, temperature, max_tokens, created_at, created_by, description)
	SELECT $1, $2, COALESCE(MAX(version),0)+1, $3, $4, false, $5, $6, $7, now(), $8, $9
	FROM prompt_templates WHERE task_type=$1 AND name=$2
	RETURNING ` + promptColumns
	created, err := scanPrompt(r.Pool.QueryRow(ctx, q, string(t.TaskType), t.Name,
		t.SystemText, t.UserTemplate, t.ModelName, t.Temperature, t.MaxTokens,
		t.CreatedBy, t.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PromptTemplate{}, fmt.Errorf("op=prompt.create_version %s/%s: %w", t.TaskType, t.Name, domain.ErrConflict)
		}
		return domain.PromptTemplate{}, fmt.Errorf("op=prompt.create_version: %w", err)
	}
	return created, nil
}

// Activate flips the active flag to the target version in one transaction.
func (r *PromptRepo) Activate(ctx domain.Context, taskType domain.PromptTaskType, name string, version int) error {
	ctx, span := otel.Tracer("repo.prompts").Start(ctx, "prompts.Activate")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=prompt.activate begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE prompt_templates SET active=false WHERE task_type=$1 AND name=$2 AND active`,
		string(taskType), name); err != nil {
		return fmt.Errorf("op=prompt.activate deactivate: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE prompt_templates SET active=true WHERE task_type=$1 AND name=$2 AND version=$3`,
		string(taskType), name, version)
	if err != nil {
		return fmt.Errorf("op=prompt.activate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=prompt.activate %s/%s v%d: %w", taskType, name, version, domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=prompt.activate commit: %w", err)
	}
	return nil
}

// PromptMetricsRepo records per-call metrics and the permanent daily rollup.
type PromptMetricsRepo struct{ Pool PgxPool }

func NewPromptMetricsRepo(p PgxPool) *PromptMetricsRepo { return &PromptMetricsRepo{Pool: p} }

func (r *PromptMetricsRepo) InsertCall(ctx domain.Context, m domain.PromptCallMetric) error {
	ctx, span := otel.Tracer("repo.prompt_metrics").Start(ctx, "prompt_metrics.InsertCall")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`INSERT INTO prompt_call_metrics
			(template_id, job_id, tokens_in, tokens_out, cost_usd, execution_ms,
			 success, confidence, manual_review, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.TemplateID, m.JobID, m.TokensIn, m.TokensOut, m.CostUSD, m.ExecutionMS,
		m.Success, m.Confidence, m.ManualReview, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=prompt_metrics.insert_call: %w", err)
	}
	return nil
}

// MarkManualReview flags every call metric of a job after the job routed to
// human review.
func (r *PromptMetricsRepo) MarkManualReview(ctx domain.Context, jobID string) (int64, error) {
	ctx, span := otel.Tracer("repo.prompt_metrics").Start(ctx, "prompt_metrics.MarkManualReview")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE prompt_call_metrics SET manual_review = true WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("op=prompt_metrics.mark_manual_review: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RollupDay aggregates raw calls for one UTC day into the daily table. The
// upsert makes the rollup safe to re-run.
func (r *PromptMetricsRepo) RollupDay(ctx domain.Context, day time.Time) (int, error) {
	ctx, span := otel.Tracer("repo.prompt_metrics").Start(ctx, "prompt_metrics.RollupDay")
	defer span.End()

	dayStart := day.UTC().Truncate(24 * time.Hour)
	q := `INSERT INTO prompt_daily_metrics
		(template_id, day, calls, successes, tokens_in, tokens_out, cost_usd,
		 mean_confidence, manual_reviews, mean_execution_ms, p95_execution_ms)
	SELECT template_id, $1::date, count(*),
		count(*) FILTER (WHERE success),
		sum(tokens_in), sum(tokens_out), sum(cost_usd),
		avg(confidence) FILTER (WHERE success),
		count(*) FILTER (WHERE manual_review),
		avg(execution_ms),
		percentile_cont(0.95) WITHIN GROUP (ORDER BY execution_ms)
	FROM prompt_call_metrics
	WHERE created_at >= $1 AND created_at < $1 + interval '1 day'
	GROUP BY template_id
	ON CONFLICT (template_id, day) DO UPDATE SET
		calls=EXCLUDED.calls, successes=EXCLUDED.successes,
		tokens_in=EXCLUDED.tokens_in, tokens_out=EXCLUDED.tokens_out,
		cost_usd=EXCLUDED.cost_usd, mean_confidence=EXCLUDED.mean_confidence,
		manual_reviews=EXCLUDED.manual_reviews,
		mean_execution_ms=EXCLUDED.mean_execution_ms,
		p95_execution_ms=EXCLUDED.p95_execution_ms`
	tag, err := r.Pool.Exec(ctx, q, dayStart)
	if err != nil {
		return 0, fmt.Errorf("op=prompt_metrics.rollup_day: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PromptMetricsRepo) DeleteCallsBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.prompt_metrics").Start(ctx, "prompt_metrics.DeleteCallsBefore")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM prompt_call_metrics WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=prompt_metrics.delete_calls: %w", err)
	}
	return tag.RowsAffected(), nil
}
