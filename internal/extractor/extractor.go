// Package extractor turns an email body and its attachments into uniform
// per-source extraction results. All vendor spend flows through the token
// budget and the daily cost breaker held here.
package extractor

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/prompt"
)

// TokenCounter estimates prompt tokens before a vendor call.
type TokenCounter interface {
	Count(model, text string) int
}

// Options are the static extraction limits.
type Options struct {
	VisionModel     string
	MaxFileBytes    int64
	MaxPages        int
	CostPer1KTokens float64
}

// Extractor runs the per-format extraction for one job at a time.
type Extractor struct {
	llm     domain.LLMClient
	cost    domain.CostLimiter
	blobs   domain.BlobFetcher
	prompts *prompt.Registry
	counter TokenCounter
	opts    Options
}

func New(llm domain.LLMClient, cost domain.CostLimiter, blobs domain.BlobFetcher, prompts *prompt.Registry, counter TokenCounter, opts Options) *Extractor {
	return &Extractor{llm: llm, cost: cost, blobs: blobs, prompts: prompts, counter: counter, opts: opts}
}

// ExtractAll runs the body extractor and one extractor per attachment,
// charging every vendor call against budget. Attachment failures yield
// skipped results; they never abort the job unless the budget or the daily
// breaker refuses further spend.
func (e *Extractor) ExtractAll(ctx domain.Context, job domain.IncomingJob, budget *TokenBudget) ([]domain.SourceResult, error) {
	log := observability.LoggerFromContext(ctx)

	results := make([]domain.SourceResult, 0, len(job.Attachments)+1)
	results = append(results, ExtractBody(job))

	for _, att := range job.Attachments {
		res, err := e.extractAttachment(ctx, job, att, budget)
		if err != nil {
			if isBudgetStop(err) {
				// Spend caps are job-wide; stop calling the vendor but keep
				// what we already have.
				log.Warn("extraction stopped by spend cap",
					slog.String("filename", att.Filename),
					slog.Any("error", err))
				results = append(results, skipped(att, kindFor(att), err))
				return results, err
			}
			log.Warn("attachment extraction skipped",
				slog.String("filename", att.Filename),
				slog.Any("error", err))
			results = append(results, skipped(att, kindFor(att), err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func isBudgetStop(err error) bool {
	return errors.Is(err, domain.ErrBudgetExceeded) || errors.Is(err, domain.ErrDailyLimitExceeded)
}

func skipped(att domain.Attachment, kind domain.SourceKind, err error) domain.SourceResult {
	res := domain.SourceResult{
		Source:   kind,
		Filename: att.Filename,
		Method:   domain.MethodSkipped,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// kindFor maps an attachment to its source kind from the declared media
// type with a filename-extension fallback.
func kindFor(att domain.Attachment) domain.SourceKind {
	ct := strings.ToLower(att.ContentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return domain.SourceNativePDF
	case strings.Contains(ct, "wordprocessingml"), strings.Contains(ct, "msword"):
		return domain.SourceDOCX
	case strings.Contains(ct, "spreadsheetml"), strings.Contains(ct, "ms-excel"):
		return domain.SourceXLSX
	case strings.HasPrefix(ct, "image/"):
		return domain.SourceImage
	}
	switch strings.ToLower(filepath.Ext(att.Filename)) {
	case ".pdf":
		return domain.SourceNativePDF
	case ".docx", ".doc":
		return domain.SourceDOCX
	case ".xlsx", ".xls":
		return domain.SourceXLSX
	case ".jpg", ".jpeg", ".png":
		return domain.SourceImage
	}
	return domain.SourceUnknown
}

func (e *Extractor) extractAttachment(ctx domain.Context, job domain.IncomingJob, att domain.Attachment, budget *TokenBudget) (domain.SourceResult, error) {
	kind := kindFor(att)

	var res domain.SourceResult
	err := e.blobs.WithAttachment(ctx, att, e.opts.MaxFileBytes, func(path string) error {
		var err error
		switch kind {
		case domain.SourceNativePDF:
			res, err = e.extractPDF(ctx, job, att, path, budget)
		case domain.SourceDOCX:
			res, err = extractDOCX(att, path)
		case domain.SourceXLSX:
			res, err = extractXLSX(att, path)
		case domain.SourceImage:
			res, err = e.extractImage(ctx, job, att, path, budget)
		default:
			res = skipped(att, domain.SourceUnknown, nil)
		}
		return err
	})
	if err != nil {
		return domain.SourceResult{}, err
	}
	return res, nil
}
