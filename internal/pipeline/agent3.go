package pipeline

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// amountConflictRatio is the relative deviation from the stored DOC amount
// beyond which an amount conflict is raised.
var amountConflictRatio = decimal.RequireFromString("0.1")

// runAgent3 resolves the outstanding inquiry and detects conflicts against
// the existing document-store record. Conflicts never block; they flag the
// job for review with field-level detail.
func (p *Pipeline) runAgent3(ctx domain.Context, job domain.IncomingJob, result domain.ConsolidatedResult) (domain.Agent3Checkpoint, error) {
	log := observability.LoggerFromContext(ctx)

	existing := p.lookupExisting(ctx, job.TicketID, result.ClientName)

	match, err := p.matcher.Match(ctx, job.TicketID, result)
	if err != nil {
		return domain.Agent3Checkpoint{}, fmt.Errorf("op=agent3 job=%s: %w", job.ID, err)
	}

	conflicts := detectConflicts(existing, result)
	cp := domain.Agent3Checkpoint{
		Match:       &match,
		Conflicts:   conflicts,
		ExistingDoc: existing,
		Status:      domain.CheckpointPassed,
		CompletedAt: p.now(),
	}
	if len(conflicts) > 0 {
		cp.Status = domain.CheckpointNeedsReview
		log.Info("conflicts detected",
			slog.String("job_id", job.ID),
			slog.Int("conflicts", len(conflicts)))
	}
	return cp, nil
}

// lookupExisting reads the DOC record by ticket id, with a client-name
// fallback. DOC unavailability is tolerated; conflicts simply cannot be
// detected then.
func (p *Pipeline) lookupExisting(ctx domain.Context, ticketID, clientName string) *domain.DebtRecord {
	log := observability.LoggerFromContext(ctx)

	if ticketID != "" {
		rec, err := p.doc.GetByTicket(ctx, ticketID)
		if err != nil {
			log.Warn("doc lookup by ticket failed", slog.Any("error", err))
		} else if rec != nil {
			return rec
		}
	}
	if clientName == "" {
		return nil
	}
	rec, err := p.doc.FindByClientName(ctx, clientName)
	if err != nil {
		log.Warn("doc lookup by client name failed", slog.Any("error", err))
		return nil
	}
	return rec
}

// detectConflicts compares the consolidated result with the stored record:
// amounts deviating more than 10% of the stored value, and case-insensitive
// name mismatches.
func detectConflicts(existing *domain.DebtRecord, result domain.ConsolidatedResult) []domain.FieldConflict {
	if existing == nil {
		return nil
	}
	var out []domain.FieldConflict

	if !existing.Amount.IsZero() {
		diff := existing.Amount.Sub(result.FinalAmount).Abs()
		if diff.GreaterThan(existing.Amount.Abs().Mul(amountConflictRatio)) {
			out = append(out, domain.FieldConflict{
				Field:    "amount",
				Original: existing.Amount.String(),
				New:      result.FinalAmount.String(),
			})
		}
	}
	if nameMismatch(existing.ClientName, result.ClientName) {
		out = append(out, domain.FieldConflict{
			Field:    "client_name",
			Original: existing.ClientName,
			New:      result.ClientName,
		})
	}
	if nameMismatch(existing.CreditorName, result.CreditorName) {
		out = append(out, domain.FieldConflict{
			Field:    "creditor_name",
			Original: existing.CreditorName,
			New:      result.CreditorName,
		})
	}
	return out
}

func nameMismatch(original, extracted string) bool {
	o := strings.TrimSpace(original)
	n := strings.TrimSpace(extracted)
	if o == "" || n == "" {
		return false
	}
	return !strings.EqualFold(o, n)
}
