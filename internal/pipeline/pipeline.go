package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/confidence"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/extractor"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
)

// Options carries the tunables the pipeline needs.
type Options struct {
	CheapModel      string
	CostPer1KTokens float64
	TokenBudget     int
	Thresholds      confidence.Thresholds
}

// Pipeline runs the three agent stages for one claimed job. Stages are
// idempotent: a valid checkpoint short-circuits its stage, so a crashed
// worker resumes from the first missing one.
type Pipeline struct {
	llm     domain.LLMClient
	prompts *prompt.Registry
	counter extractor.TokenCounter
	cost    domain.CostLimiter
	ext     *extractor.Extractor
	doc     domain.DocStore
	matcher domain.Matcher
	jobs    domain.JobRepository

	cheapModel string
	costPer1K  float64
	budgetCap  int
	thresholds confidence.Thresholds
	now        func() time.Time
}

func New(
	llm domain.LLMClient,
	prompts *prompt.Registry,
	counter extractor.TokenCounter,
	cost domain.CostLimiter,
	ext *extractor.Extractor,
	doc domain.DocStore,
	matcher domain.Matcher,
	jobs domain.JobRepository,
	opts Options,
) *Pipeline {
	return &Pipeline{
		llm:        llm,
		prompts:    prompts,
		counter:    counter,
		cost:       cost,
		ext:        ext,
		doc:        doc,
		matcher:    matcher,
		jobs:       jobs,
		cheapModel: opts.CheapModel,
		costPer1K:  opts.CostPer1KTokens,
		budgetCap:  opts.TokenBudget,
		thresholds: opts.Thresholds,
		now:        time.Now,
	}
}

// Outcome is what the worker acts on after the pipeline finished.
type Outcome struct {
	Checkpoints      domain.Checkpoints
	Result           *domain.ConsolidatedResult
	Match            *domain.MatchResult
	Score            confidence.Score
	Route            domain.RouteAction
	NotCreditorReply bool
	NeedsReview      bool
}

// Run executes Agent 1 through 3 with checkpoint resume, then computes the
// confidence route. Every checkpoint is persisted before the next stage
// starts.
func (p *Pipeline) Run(ctx domain.Context, job domain.IncomingJob) (Outcome, error) {
	log := observability.LoggerFromContext(ctx)
	budget := extractor.NewTokenBudget(p.budgetCap)
	cp := job.Checkpoints

	if cp.Agent1 == nil {
		a1 := p.runAgent1(ctx, job, budget)
		cp.Agent1 = &a1
		if err := p.jobs.SaveCheckpoints(ctx, job.ID, cp); err != nil {
			return Outcome{}, fmt.Errorf("op=pipeline save agent1: %w", err)
		}
	} else {
		log.Debug("agent1 checkpoint reused", slog.String("intent", string(cp.Agent1.Intent)))
	}

	if cp.Agent1.SkipExtraction {
		if cp.Agent2 == nil {
			a2, err := p.runAgent2(ctx, job, *cp.Agent1, budget)
			if err != nil {
				return Outcome{}, err
			}
			cp.Agent2 = &a2
			if err := p.jobs.SaveCheckpoints(ctx, job.ID, cp); err != nil {
				return Outcome{}, fmt.Errorf("op=pipeline save agent2: %w", err)
			}
		}
		return Outcome{Checkpoints: cp, NotCreditorReply: true}, nil
	}

	if cp.Agent2 == nil || cp.Agent2.Result == nil {
		a2, err := p.runAgent2(ctx, job, *cp.Agent1, budget)
		if err != nil {
			return Outcome{}, err
		}
		cp.Agent2 = &a2
		if err := p.jobs.SaveCheckpoints(ctx, job.ID, cp); err != nil {
			return Outcome{}, fmt.Errorf("op=pipeline save agent2: %w", err)
		}
	} else {
		log.Debug("agent2 checkpoint reused")
	}
	result := *cp.Agent2.Result

	if cp.Agent3 == nil {
		a3, err := p.runAgent3(ctx, job, result)
		if err != nil {
			return Outcome{}, err
		}
		cp.Agent3 = &a3
		if err := p.jobs.SaveCheckpoints(ctx, job.ID, cp); err != nil {
			return Outcome{}, fmt.Errorf("op=pipeline save agent3: %w", err)
		}
	} else {
		log.Debug("agent3 checkpoint reused")
	}

	score := confidence.Compute(result, cp.Agent3.Match)
	route := p.thresholds.Route(score)
	if cp.NeedsReview() && route != domain.RouteManualReview {
		// A flagged stage always ends in human review regardless of score.
		route = domain.RouteManualReview
	}
	if route == domain.RouteManualReview {
		p.prompts.FlagManualReview(ctx, job.ID)
	}

	observability.RoutingDecisionsTotal.WithLabelValues(string(route)).Inc()
	observability.OverallConfidenceHistogram.Observe(score.Overall)
	log.Info("pipeline finished",
		slog.String("job_id", job.ID),
		slog.String("route", string(route)),
		slog.Float64("overall_confidence", score.Overall),
		slog.Int("tokens_used", budget.Used()))

	return Outcome{
		Checkpoints: cp,
		Result:      &result,
		Match:       cp.Agent3.Match,
		Score:       score,
		Route:       route,
		NeedsReview: cp.NeedsReview(),
	}, nil
}
