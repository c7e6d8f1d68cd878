package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// ReportRepo stores reconciliation run reports.
type ReportRepo struct{ Pool PgxPool }

func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

func (r *ReportRepo) Start(ctx domain.Context, runAt time.Time) (int64, error) {
	ctx, span := otel.Tracer("repo.reports").Start(ctx, "reports.Start")
	defer span.End()

	var id int64
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO reconciliation_reports (run_at, status) VALUES ($1,'partial') RETURNING id`,
		runAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=report.start: %w", err)
	}
	return id, nil
}

func (r *ReportRepo) Finish(ctx domain.Context, rep domain.ReconciliationReport) error {
	ctx, span := otel.Tracer("repo.reports").Start(ctx, "reports.Finish")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE reconciliation_reports
		SET completed_at=now(), records_checked=$2, mismatches=$3, auto_repaired=$4,
			failed_repairs=$5, status=$6, details=$7, error_message=$8
		WHERE id=$1 AND completed_at IS NULL`,
		rep.ID, rep.RecordsChecked, rep.Mismatches, rep.AutoRepaired,
		rep.FailedRepairs, string(rep.Status), rep.Details, rep.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=report.finish id=%d: %w", rep.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Completed reports are immutable.
		return fmt.Errorf("op=report.finish id=%d: %w", rep.ID, domain.ErrConflict)
	}
	return nil
}

func (r *ReportRepo) Latest(ctx domain.Context, n int) ([]domain.ReconciliationReport, error) {
	ctx, span := otel.Tracer("repo.reports").Start(ctx, "reports.Latest")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, run_at, completed_at, records_checked, mismatches, auto_repaired,
			failed_repairs, status, details, COALESCE(error_message,'')
		FROM reconciliation_reports ORDER BY run_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("op=report.latest: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationReport
	for rows.Next() {
		var rep domain.ReconciliationReport
		if err := rows.Scan(&rep.ID, &rep.RunAt, &rep.CompletedAt, &rep.RecordsChecked,
			&rep.Mismatches, &rep.AutoRepaired, &rep.FailedRepairs, &rep.Status,
			&rep.Details, &rep.ErrorMessage); err != nil {
			return nil, fmt.Errorf("op=report.latest scan: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
