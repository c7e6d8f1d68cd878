package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/confidence"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/localize"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/saga"
)

// ReviewService drives the manual review queue: claim, resolve, capture a
// calibration sample, and apply the reviewer's verdict to the stores.
type ReviewService struct {
	reviews     domain.ReviewRepository
	jobs        domain.JobRepository
	calibration domain.CalibrationRepository
	saga        *saga.Engine
	thresholds  confidence.Thresholds
	now         func() time.Time
}

func NewReviewService(
	reviews domain.ReviewRepository,
	jobs domain.JobRepository,
	calibration domain.CalibrationRepository,
	eng *saga.Engine,
	thresholds confidence.Thresholds,
) *ReviewService {
	return &ReviewService{
		reviews:     reviews,
		jobs:        jobs,
		calibration: calibration,
		saga:        eng,
		thresholds:  thresholds,
		now:         time.Now,
	}
}

func (s *ReviewService) ListPending(ctx domain.Context, limit, offset int) ([]domain.ManualReviewItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.reviews.ListPending(ctx, limit, offset)
}

// ClaimNext hands the highest-priority unclaimed item to the reviewer.
func (s *ReviewService) ClaimNext(ctx domain.Context, reviewer string) (domain.ManualReviewItem, error) {
	if strings.TrimSpace(reviewer) == "" {
		return domain.ManualReviewItem{}, fmt.Errorf("op=review_claim: reviewer required: %w", domain.ErrInvalidArgument)
	}
	return s.reviews.ClaimNext(ctx, reviewer)
}

// CorrectedFields is the reviewer's partial override; absent fields keep
// the extracted values.
type CorrectedFields struct {
	Amount       *string `json:"amount,omitempty"`
	ClientName   *string `json:"client_name,omitempty"`
	CreditorName *string `json:"creditor_name,omitempty"`
	CandidateID  *string `json:"candidate_id,omitempty"`
}

// Resolve records the verdict, captures a calibration sample for approved
// and corrected resolutions, and applies the resulting record through the
// dual-write saga when the verdict authorizes a write.
func (s *ReviewService) Resolve(ctx domain.Context, id int64, resolution domain.ReviewResolution, correctedData []byte) (domain.ManualReviewItem, error) {
	log := observability.LoggerFromContext(ctx)

	var corrected *CorrectedFields
	if resolution == domain.ResolutionCorrected {
		corrected = &CorrectedFields{}
		if err := json.Unmarshal(correctedData, corrected); err != nil {
			return domain.ManualReviewItem{}, fmt.Errorf("op=review_resolve corrected data: %w: %v", domain.ErrInvalidArgument, err)
		}
	}

	item, err := s.reviews.Resolve(ctx, id, resolution, correctedData)
	if err != nil {
		return domain.ManualReviewItem{}, fmt.Errorf("op=review_resolve id=%d: %w", id, err)
	}

	job, err := s.jobs.Get(ctx, item.JobID)
	if err != nil {
		return item, fmt.Errorf("op=review_resolve load job: %w", err)
	}

	switch resolution {
	case domain.ResolutionApproved:
		s.captureSample(ctx, job, true, "", nil)
		if job.ExtractedData != nil {
			if err := s.applyRecord(ctx, job, *job.ExtractedData, nil); err != nil {
				return item, err
			}
		}
	case domain.ResolutionCorrected:
		correctionType, details := s.describeCorrection(job, corrected)
		s.captureSample(ctx, job, false, correctionType, details)
		if job.ExtractedData != nil {
			if err := s.applyRecord(ctx, job, *job.ExtractedData, corrected); err != nil {
				return item, err
			}
		}
	default:
		// spam, rejected and escalated carry no usable label and no write.
		log.Info("review resolved without write",
			slog.Int64("review_id", id),
			slog.String("resolution", string(resolution)))
	}
	return item, nil
}

// applyRecord pushes the reviewer-authorized record through the saga. A
// corrected amount changes the idempotency key, so the write is a new
// effect rather than a replay of the rejected one.
func (s *ReviewService) applyRecord(ctx domain.Context, job domain.IncomingJob, extracted domain.ConsolidatedResult, corrected *CorrectedFields) error {
	rec := domain.DebtRecord{
		TicketID:     job.TicketID,
		ClientName:   extracted.ClientName,
		CreditorName: extracted.CreditorName,
		Amount:       extracted.FinalAmount,
		UpdatedAt:    s.now().UTC(),
	}
	if job.MatchResult != nil {
		rec.CreditorID = job.MatchResult.CandidateID
	}
	if corrected != nil {
		if corrected.Amount != nil {
			amt, err := parseReviewAmount(*corrected.Amount)
			if err != nil {
				return fmt.Errorf("op=review_apply amount: %w", err)
			}
			rec.Amount = amt
		}
		if corrected.ClientName != nil {
			rec.ClientName = *corrected.ClientName
		}
		if corrected.CreditorName != nil {
			rec.CreditorName = *corrected.CreditorName
		}
		if corrected.CandidateID != nil {
			rec.CreditorID = *corrected.CandidateID
		}
	}

	if _, _, err := s.saga.DualWrite(ctx, job.ID, domain.OpUpdateDebtAmount, rec, saga.Key(job.ID, rec)); err != nil {
		return fmt.Errorf("op=review_apply job=%s: %w", job.ID, err)
	}
	return nil
}

func parseReviewAmount(raw string) (decimal.Decimal, error) {
	if d, err := decimal.NewFromString(raw); err == nil {
		return d, nil
	}
	return localize.ParseAmount(raw)
}

// describeCorrection derives the typed correction from which fields the
// reviewer touched.
func (s *ReviewService) describeCorrection(job domain.IncomingJob, corrected *CorrectedFields) (domain.CorrectionType, []byte) {
	if corrected == nil {
		return domain.CorrectionMultiple, nil
	}
	var kinds []domain.CorrectionType
	before := map[string]string{}
	after := map[string]string{}
	if job.ExtractedData != nil {
		before["amount"] = job.ExtractedData.FinalAmount.String()
		before["client_name"] = job.ExtractedData.ClientName
		before["creditor_name"] = job.ExtractedData.CreditorName
	}
	if corrected.Amount != nil {
		kinds = append(kinds, domain.CorrectionAmount)
		after["amount"] = *corrected.Amount
	}
	if corrected.ClientName != nil {
		kinds = append(kinds, domain.CorrectionClient)
		after["client_name"] = *corrected.ClientName
	}
	if corrected.CreditorName != nil {
		kinds = append(kinds, domain.CorrectionCreditor)
		after["creditor_name"] = *corrected.CreditorName
	}
	if corrected.CandidateID != nil {
		kinds = append(kinds, domain.CorrectionMatch)
		after["candidate_id"] = *corrected.CandidateID
	}

	details, _ := json.Marshal(map[string]any{"before": before, "after": after})
	switch len(kinds) {
	case 0:
		return domain.CorrectionMultiple, details
	case 1:
		return kinds[0], details
	default:
		return domain.CorrectionMultiple, details
	}
}

// captureSample writes the calibration sample. Failures are logged only;
// calibration must never block a resolution.
func (s *ReviewService) captureSample(ctx domain.Context, job domain.IncomingJob, wasCorrect bool, correctionType domain.CorrectionType, details []byte) {
	sample := domain.CalibrationSample{
		JobID:                job.ID,
		ExtractionConfidence: job.ExtractionConfidence,
		OverallBucket:        s.thresholds.Bucket(job.OverallConfidence),
		WasCorrect:           wasCorrect,
		CorrectionType:       correctionType,
		CorrectionDetails:    details,
		CapturedAt:           s.now(),
	}
	if job.MatchResult != nil {
		sample.MatchConfidence = job.MatchResult.Score
	}
	if job.Checkpoints.Agent1 != nil {
		sample.IntentConfidence = job.Checkpoints.Agent1.Confidence
	}
	if job.ExtractedData != nil {
		sample.DocumentType = job.ExtractedData.DocumentType()
	}
	if err := s.calibration.Insert(ctx, sample); err != nil {
		observability.LoggerFromContext(ctx).Warn("calibration sample insert failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
}
