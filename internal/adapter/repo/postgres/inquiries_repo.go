package postgres

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// InquiryRepo resolves outstanding inquiries for the matcher.
type InquiryRepo struct{ Pool PgxPool }

func NewInquiryRepo(p PgxPool) *InquiryRepo { return &InquiryRepo{Pool: p} }

const inquiryColumns = `id, ticket_id, client_name, creditor_name, amount::text, created_at`

func scanInquiry(row rowScanner) (domain.Inquiry, error) {
	var (
		inq    domain.Inquiry
		amount string
	)
	if err := row.Scan(&inq.ID, &inq.TicketID, &inq.ClientName, &inq.CreditorName, &amount, &inq.CreatedAt); err != nil {
		return domain.Inquiry{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Inquiry{}, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	inq.Amount = d
	return inq, nil
}

func (r *InquiryRepo) FindByTicketID(ctx domain.Context, ticketID string) ([]domain.Inquiry, error) {
	ctx, span := otel.Tracer("repo.inquiries").Start(ctx, "inquiries.FindByTicketID")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT `+inquiryColumns+` FROM inquiries WHERE ticket_id=$1 ORDER BY created_at DESC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("op=inquiry.find_ticket: %w", err)
	}
	defer rows.Close()

	var out []domain.Inquiry
	for rows.Next() {
		inq, err := scanInquiry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=inquiry.find_ticket scan: %w", err)
		}
		out = append(out, inq)
	}
	return out, rows.Err()
}

// FindByNames does a case-insensitive lookup bounded by the recency window.
func (r *InquiryRepo) FindByNames(ctx domain.Context, clientName, creditorName string, since time.Time) ([]domain.Inquiry, error) {
	ctx, span := otel.Tracer("repo.inquiries").Start(ctx, "inquiries.FindByNames")
	defer span.End()

	q := `SELECT ` + inquiryColumns + ` FROM inquiries
		WHERE created_at >= $3
		AND ($1 = '' OR lower(client_name) = lower($1))
		AND ($2 = '' OR lower(creditor_name) = lower($2))
		ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, clientName, creditorName, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=inquiry.find_names: %w", err)
	}
	defer rows.Close()

	var out []domain.Inquiry
	for rows.Next() {
		inq, err := scanInquiry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=inquiry.find_names scan: %w", err)
		}
		out = append(out, inq)
	}
	return out, rows.Err()
}
