package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/localize"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
)

// tokensPerImage is a flat pre-call estimate per attached image; the real
// usage comes back from the vendor and is what gets debited.
const tokensPerImage = 1100

// flexString absorbs JSON strings, numbers and null; vendors are not
// consistent about quoting German figures.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

// visionFields is the JSON shape the extraction prompt demands.
type visionFields struct {
	Gesamtforderung flexString `json:"gesamtforderung"`
	Glaeubiger      string     `json:"glaeubiger"`
	Schuldner       string     `json:"schuldner"`
	Hauptforderung  flexString `json:"hauptforderung"`
	Zinsen          flexString `json:"zinsen"`
	Kosten          flexString `json:"kosten"`
	Confidence      float64    `json:"confidence"`
}

// callVision performs one budgeted vendor call and maps the JSON reply to
// a SourceResult. The token budget and the daily breaker are both checked
// before the call and settled with the vendor-reported usage after.
func (e *Extractor) callVision(ctx domain.Context, job domain.IncomingJob, kind domain.SourceKind, filename string, images []domain.ChatImage, budget *TokenBudget) (domain.SourceResult, error) {
	tpl, err := e.prompts.GetActive(ctx, domain.TaskExtraction, "document_amounts")
	if err != nil {
		return domain.SourceResult{}, err
	}
	user, err := prompt.Render(tpl, map[string]any{"filename": filename})
	if err != nil {
		return domain.SourceResult{}, err
	}

	model := tpl.ModelName
	if model == "" {
		model = e.opts.VisionModel
	}
	estimate := e.counter.Count(model, tpl.SystemText+user) + len(images)*tokensPerImage + tpl.MaxTokens
	if err := budget.Reserve(ctx, estimate); err != nil {
		return domain.SourceResult{}, err
	}
	estimateUSD := float64(estimate) / 1000 * e.opts.CostPer1KTokens
	if err := e.cost.Reserve(ctx, estimateUSD); err != nil {
		return domain.SourceResult{}, err
	}

	start := time.Now()
	resp, err := e.llm.ChatJSON(ctx, domain.ChatRequest{
		Model:       model,
		System:      tpl.SystemText,
		User:        user,
		MaxTokens:   tpl.MaxTokens,
		Temperature: tpl.Temperature,
		Images:      images,
	})
	elapsed := time.Since(start)

	actual := resp.TokensIn + resp.TokensOut
	actualUSD := float64(actual) / 1000 * e.opts.CostPer1KTokens
	budget.Debit(ctx, actual)
	if settleErr := e.cost.Settle(ctx, estimateUSD, actualUSD); settleErr != nil {
		observability.LoggerFromContext(ctx).Warn("cost settle failed")
	}
	observability.LLMRequestsTotal.WithLabelValues(model, "extraction").Inc()
	observability.LLMTokensTotal.WithLabelValues("in").Add(float64(resp.TokensIn))
	observability.LLMTokensTotal.WithLabelValues("out").Add(float64(resp.TokensOut))
	observability.LLMCostUSD.Add(actualUSD)

	res := domain.SourceResult{
		Source:     kind,
		Filename:   filename,
		Method:     domain.MethodVision,
		TokensUsed: actual,
	}
	metric := domain.PromptCallMetric{
		TemplateID:  tpl.ID,
		JobID:       job.ID,
		TokensIn:    resp.TokensIn,
		TokensOut:   resp.TokensOut,
		CostUSD:     actualUSD,
		ExecutionMS: elapsed.Milliseconds(),
		Success:     err == nil,
	}
	if err != nil {
		e.prompts.RecordCall(ctx, metric)
		return domain.SourceResult{}, fmt.Errorf("op=vision_extract file=%s: %w", filename, err)
	}

	fields, err := parseVisionJSON(resp.Content)
	if err != nil {
		e.prompts.RecordCall(ctx, metric)
		res.Method = domain.MethodSkipped
		res.Error = err.Error()
		return res, nil
	}
	metric.Confidence = fields.Confidence
	e.prompts.RecordCall(ctx, metric)
	applyVisionFields(&res, fields)
	return res, nil
}

func parseVisionJSON(content string) (visionFields, error) {
	// Vendors occasionally wrap JSON in a markdown fence.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var f visionFields
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &f); err != nil {
		return visionFields{}, fmt.Errorf("vision reply not valid JSON: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return f, nil
}

// applyVisionFields amount-parses the German figures and fills the result.
// A components breakdown substitutes for a missing total.
func applyVisionFields(res *domain.SourceResult, f visionFields) {
	if amt, ok := parseGermanNumber(f.Gesamtforderung); ok {
		res.Amount = &amt
		res.AmountLabeled = true
	} else if sum, ok := sumComponents(f.Hauptforderung, f.Zinsen, f.Kosten); ok {
		res.Amount = &sum
		res.AmountLabeled = true
	}

	res.ClientName = cleanName(f.Schuldner)
	res.CreditorName = cleanName(f.Glaeubiger)

	switch {
	case f.Confidence >= 0.8 && res.Amount != nil:
		res.Confidence = domain.ConfidenceHigh
	case f.Confidence >= 0.5:
		res.Confidence = domain.ConfidenceMedium
	default:
		res.Confidence = domain.ConfidenceLow
	}
}

func parseGermanNumber(n flexString) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(n))
	if s == "" || s == "null" {
		return decimal.Decimal{}, false
	}
	d, err := localize.ParseAmount(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func sumComponents(parts ...flexString) (decimal.Decimal, bool) {
	sum := decimal.Decimal{}
	found := false
	for _, p := range parts {
		if d, ok := parseGermanNumber(p); ok {
			sum = sum.Add(d)
			found = true
		}
	}
	return sum, found
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") || strings.EqualFold(s, "unbekannt") {
		return ""
	}
	s, _ = localize.Preprocess(s)
	return localize.RestoreNameField(s)
}
