// Package pipeline runs the three checkpointed agent stages over a claimed
// job: intent classification, extraction orchestration, and matching with
// conflict detection.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/extractor"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
)

// intentGate is the Agent 1 confidence below which downstream stages flag
// the job for review.
const intentGate = 0.7

// classifyBodyLimit bounds how much body text goes into the classification
// prompt.
const classifyBodyLimit = 4000

var (
	oooSubjectRe  = regexp.MustCompile(`(?i)(out of office|automatic reply|auto.?reply|abwesenheit|automatische antwort|nicht im (büro|buero|hause)|bin derzeit nicht erreichbar)`)
	noReplyFromRe = regexp.MustCompile(`(?i)^no[-._]?reply`)
)

// classifyByRules is the zero-cost fast path over headers, subject and
// sender. It returns ok=false when the rules are inconclusive.
func classifyByRules(job domain.IncomingJob) (domain.Intent, bool) {
	if v := headerValue(job.Headers, "Auto-Submitted"); v != "" && !strings.EqualFold(v, "no") {
		return domain.IntentAutoReply, true
	}
	if v := headerValue(job.Headers, "X-Auto-Response-Suppress"); v != "" {
		lv := strings.ToLower(v)
		for _, marker := range []string{"dr", "autoreply", "all"} {
			if strings.Contains(lv, marker) {
				return domain.IntentAutoReply, true
			}
		}
	}
	if oooSubjectRe.MatchString(job.Subject) {
		return domain.IntentAutoReply, true
	}
	if local, _, found := strings.Cut(job.FromEmail, "@"); found && noReplyFromRe.MatchString(local) {
		return domain.IntentSpam, true
	}
	return "", false
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// runAgent1 classifies the message intent, rules first, LLM second.
func (p *Pipeline) runAgent1(ctx domain.Context, job domain.IncomingJob, budget *extractor.TokenBudget) domain.Agent1Checkpoint {
	log := observability.LoggerFromContext(ctx)

	if intent, ok := classifyByRules(job); ok {
		log.Info("intent classified by rules", slog.String("intent", string(intent)))
		return finishAgent1(intent, 1.0, true, p.now())
	}

	intent, conf := p.classifyLLM(ctx, job, budget)
	return finishAgent1(intent, conf, false, p.now())
}

func finishAgent1(intent domain.Intent, conf float64, ruleBased bool, now time.Time) domain.Agent1Checkpoint {
	cp := domain.Agent1Checkpoint{
		Intent:         intent,
		Confidence:     conf,
		RuleBased:      ruleBased,
		SkipExtraction: intent.SkipsExtraction(),
		Status:         domain.CheckpointPassed,
		CompletedAt:    now,
	}
	if conf < intentGate {
		cp.Status = domain.CheckpointNeedsReview
	}
	return cp
}

type intentReply struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// classifyLLM asks the cheap model for {intent, confidence}. Refused or
// unusable calls default to debt_statement below the gate so the job keeps
// moving and gets flagged downstream.
func (p *Pipeline) classifyLLM(ctx domain.Context, job domain.IncomingJob, budget *extractor.TokenBudget) (domain.Intent, float64) {
	log := observability.LoggerFromContext(ctx)
	fallback := func(reason string, err error) (domain.Intent, float64) {
		log.Warn("intent classification fell back to default",
			slog.String("reason", reason), slog.Any("error", err))
		return domain.IntentDebtStatement, 0.5
	}

	tpl, err := p.prompts.GetActive(ctx, domain.TaskClassification, "email_intent")
	if err != nil {
		return fallback("no active template", err)
	}
	body := job.BodyText
	if len(body) > classifyBodyLimit {
		body = body[:classifyBodyLimit]
	}
	user, err := prompt.Render(tpl, map[string]any{
		"subject":    job.Subject,
		"from_email": job.FromEmail,
		"body":       body,
	})
	if err != nil {
		return fallback("render failed", err)
	}

	model := tpl.ModelName
	if model == "" {
		model = p.cheapModel
	}
	estimate := p.counter.Count(model, tpl.SystemText+user) + tpl.MaxTokens
	if err := budget.Reserve(ctx, estimate); err != nil {
		return fallback("token budget", err)
	}
	estimateUSD := float64(estimate) / 1000 * p.costPer1K
	if err := p.cost.Reserve(ctx, estimateUSD); err != nil {
		return fallback("daily cost breaker", err)
	}

	start := p.now()
	resp, err := p.llm.ChatJSON(ctx, domain.ChatRequest{
		Model:       model,
		System:      tpl.SystemText,
		User:        user,
		MaxTokens:   tpl.MaxTokens,
		Temperature: tpl.Temperature,
	})
	actual := resp.TokensIn + resp.TokensOut
	actualUSD := float64(actual) / 1000 * p.costPer1K
	budget.Debit(ctx, actual)
	if settleErr := p.cost.Settle(ctx, estimateUSD, actualUSD); settleErr != nil {
		log.Warn("cost settle failed", slog.Any("error", settleErr))
	}
	observability.LLMRequestsTotal.WithLabelValues(model, "classification").Inc()
	metric := domain.PromptCallMetric{
		TemplateID:  tpl.ID,
		JobID:       job.ID,
		TokensIn:    resp.TokensIn,
		TokensOut:   resp.TokensOut,
		CostUSD:     actualUSD,
		ExecutionMS: time.Since(start).Milliseconds(),
		Success:     err == nil,
	}
	if err != nil {
		p.prompts.RecordCall(ctx, metric)
		// Classification degrades instead of failing the job; extraction
		// still runs and the low default confidence flags it for review.
		return fallback("vendor error", err)
	}

	var reply intentReply
	if jerr := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &reply); jerr != nil {
		p.prompts.RecordCall(ctx, metric)
		return fallback("unparseable reply", fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, jerr))
	}
	intent := domain.Intent(reply.Intent)
	switch intent {
	case domain.IntentDebtStatement, domain.IntentPaymentPlan, domain.IntentRejection,
		domain.IntentInquiry, domain.IntentAutoReply, domain.IntentSpam:
	default:
		p.prompts.RecordCall(ctx, metric)
		return fallback("unknown intent", errors.New(reply.Intent))
	}
	if reply.Confidence <= 0 || reply.Confidence > 1 {
		reply.Confidence = 0.5
	}
	metric.Confidence = reply.Confidence
	p.prompts.RecordCall(ctx, metric)
	return intent, reply.Confidence
}
