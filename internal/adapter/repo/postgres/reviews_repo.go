package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// ReviewRepo is the manual review queue. A partial unique index keeps at
// most one unresolved item per job.
type ReviewRepo struct{ Pool PgxPool }

func NewReviewRepo(p PgxPool) *ReviewRepo { return &ReviewRepo{Pool: p} }

const reviewColumns = `id, job_id, reason, priority, details, created_at,
	claimed_at, COALESCE(claimed_by,''), resolved_at, COALESCE(resolution,''),
	corrected_data, expires_at`

func scanReview(row rowScanner) (domain.ManualReviewItem, error) {
	var it domain.ManualReviewItem
	err := row.Scan(&it.ID, &it.JobID, &it.Reason, &it.Priority, &it.Details,
		&it.CreatedAt, &it.ClaimedAt, &it.ClaimedBy, &it.ResolvedAt,
		&it.Resolution, &it.CorrectedData, &it.ExpiresAt)
	return it, err
}

func (r *ReviewRepo) Enqueue(ctx domain.Context, item domain.ManualReviewItem) (domain.ManualReviewItem, error) {
	ctx, span := otel.Tracer("repo.reviews").Start(ctx, "reviews.Enqueue")
	defer span.End()

	q := `INSERT INTO manual_review_items (job_id, reason, priority, details, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + reviewColumns
	it, err := scanReview(r.Pool.QueryRow(ctx, q, item.JobID, string(item.Reason),
		item.Priority, item.Details, item.CreatedAt.UTC(), item.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent enqueue won; hand back the existing unresolved item.
			row := r.Pool.QueryRow(ctx,
				`SELECT `+reviewColumns+` FROM manual_review_items WHERE job_id=$1 AND resolved_at IS NULL`,
				item.JobID)
			existing, ferr := scanReview(row)
			if ferr != nil {
				return domain.ManualReviewItem{}, fmt.Errorf("op=review.enqueue refind: %w", ferr)
			}
			return existing, nil
		}
		return domain.ManualReviewItem{}, fmt.Errorf("op=review.enqueue: %w", err)
	}
	return it, nil
}

func (r *ReviewRepo) Get(ctx domain.Context, id int64) (domain.ManualReviewItem, error) {
	ctx, span := otel.Tracer("repo.reviews").Start(ctx, "reviews.Get")
	defer span.End()

	it, err := scanReview(r.Pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM manual_review_items WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ManualReviewItem{}, fmt.Errorf("op=review.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.ManualReviewItem{}, fmt.Errorf("op=review.get: %w", err)
	}
	return it, nil
}

func (r *ReviewRepo) ListPending(ctx domain.Context, limit, offset int) ([]domain.ManualReviewItem, error) {
	ctx, span := otel.Tracer("repo.reviews").Start(ctx, "reviews.ListPending")
	defer span.End()

	q := `SELECT ` + reviewColumns + ` FROM manual_review_items
		WHERE resolved_at IS NULL AND (expires_at IS NULL OR expires_at > now())
		ORDER BY priority, created_at
		LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=review.list_pending: %w", err)
	}
	defer rows.Close()

	var out []domain.ManualReviewItem
	for rows.Next() {
		it, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("op=review.list_pending scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ClaimNext hands out the highest-priority unclaimed item skip-locked.
func (r *ReviewRepo) ClaimNext(ctx domain.Context, reviewer string) (domain.ManualReviewItem, error) {
	ctx, span := otel.Tracer("repo.reviews").Start(ctx, "reviews.ClaimNext")
	defer span.End()

	q := `WITH next AS (
			SELECT id FROM manual_review_items
			WHERE resolved_at IS NULL AND claimed_at IS NULL
				AND (expires_at IS NULL OR expires_at > now())
			ORDER BY priority, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE manual_review_items m
		SET claimed_at=now(), claimed_by=$1
		FROM next WHERE m.id = next.id
		RETURNING m.id, m.job_id, m.reason, m.priority, m.details, m.created_at,
			m.claimed_at, COALESCE(m.claimed_by,''), m.resolved_at,
			COALESCE(m.resolution,''), m.corrected_data, m.expires_at`
	it, err := scanReview(r.Pool.QueryRow(ctx, q, reviewer))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ManualReviewItem{}, fmt.Errorf("op=review.claim_next: %w", domain.ErrNotFound)
		}
		return domain.ManualReviewItem{}, fmt.Errorf("op=review.claim_next: %w", err)
	}
	return it, nil
}

func (r *ReviewRepo) Resolve(ctx domain.Context, id int64, resolution domain.ReviewResolution, correctedData []byte) (domain.ManualReviewItem, error) {
	ctx, span := otel.Tracer("repo.reviews").Start(ctx, "reviews.Resolve")
	defer span.End()

	q := `UPDATE manual_review_items
		SET resolved_at=now(), resolution=$2, corrected_data=$3
		WHERE id=$1 AND resolved_at IS NULL
		RETURNING ` + reviewColumns
	it, err := scanReview(r.Pool.QueryRow(ctx, q, id, string(resolution), correctedData))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Missing or already resolved; disambiguate for the caller.
			if _, gerr := r.Get(ctx, id); gerr != nil {
				return domain.ManualReviewItem{}, fmt.Errorf("op=review.resolve id=%d: %w", id, domain.ErrNotFound)
			}
			return domain.ManualReviewItem{}, fmt.Errorf("op=review.resolve id=%d: %w", id, domain.ErrConflict)
		}
		return domain.ManualReviewItem{}, fmt.Errorf("op=review.resolve: %w", err)
	}
	return it, nil
}

// CalibrationRepo stores the labeled samples produced by resolved reviews.
type CalibrationRepo struct{ Pool PgxPool }

func NewCalibrationRepo(p PgxPool) *CalibrationRepo { return &CalibrationRepo{Pool: p} }

func (r *CalibrationRepo) Insert(ctx domain.Context, s domain.CalibrationSample) error {
	ctx, span := otel.Tracer("repo.calibration").Start(ctx, "calibration.Insert")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`INSERT INTO calibration_samples
			(job_id, extraction_confidence, match_confidence, intent_confidence,
			 overall_bucket, document_type, was_correct, correction_type, correction_details, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.JobID, s.ExtractionConfidence, s.MatchConfidence, s.IntentConfidence,
		string(s.OverallBucket), string(s.DocumentType), s.WasCorrect,
		string(s.CorrectionType), s.CorrectionDetails, s.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=calibration.insert job=%s: %w", s.JobID, err)
	}
	return nil
}
