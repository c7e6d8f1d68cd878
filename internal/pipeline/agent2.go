package pipeline

import (
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/consolidate"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/extractor"
)

// runAgent2 orchestrates extraction. It refuses to spend on a message
// Agent 1 was unsure about and short-circuits entirely on non-creditor
// intents; otherwise it runs every extractor and the consolidator.
func (p *Pipeline) runAgent2(ctx domain.Context, job domain.IncomingJob, a1 domain.Agent1Checkpoint, budget *extractor.TokenBudget) (domain.Agent2Checkpoint, error) {
	now := p.now()

	if a1.SkipExtraction {
		return domain.Agent2Checkpoint{
			ShortCircuit: true,
			Status:       domain.CheckpointPassed,
			CompletedAt:  now,
		}, nil
	}

	if a1.Confidence < intentGate {
		// Minimal zero-cost result: body only, flagged for review.
		body := extractor.ExtractBody(job)
		result := consolidate.Consolidate([]domain.SourceResult{body})
		return domain.Agent2Checkpoint{
			Result:      &result,
			Sources:     []domain.SourceResult{body},
			Status:      domain.CheckpointNeedsReview,
			CompletedAt: now,
		}, nil
	}

	sources, err := p.ext.ExtractAll(ctx, job, budget)
	if err != nil && len(sources) == 0 {
		return domain.Agent2Checkpoint{}, err
	}
	result := consolidate.Consolidate(sources)

	cp := domain.Agent2Checkpoint{
		Result:      &result,
		Sources:     sources,
		Status:      domain.CheckpointPassed,
		CompletedAt: p.now(),
	}
	// Agent 1's review flag is inherited, partial extraction is not hidden.
	if a1.Status == domain.CheckpointNeedsReview {
		cp.Status = domain.CheckpointNeedsReview
	}
	return cp, nil
}
