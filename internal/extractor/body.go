package extractor

import (
	"errors"
	"regexp"
	"strings"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/localize"
)

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// ExtractBody runs the zero-cost regex extraction over the email text.
// The HTML body is used only when the text body is empty.
func ExtractBody(job domain.IncomingJob) domain.SourceResult {
	text := job.BodyText
	if strings.TrimSpace(text) == "" {
		text = stripHTML(job.BodyHTML)
	}
	text, _ = localize.Preprocess(text)

	res := domain.SourceResult{
		Source: domain.SourceEmailBody,
		Method: domain.MethodRegex,
	}

	amount, labeled, err := localize.ExtractAmount(text)
	switch {
	case err == nil:
		res.Amount = &amount
		res.AmountLabeled = labeled
		if labeled {
			res.Confidence = domain.ConfidenceHigh
		} else {
			res.Confidence = domain.ConfidenceMedium
		}
	case errors.Is(err, domain.ErrAmbiguousAmount):
		res.Confidence = domain.ConfidenceLow
		res.Error = err.Error()
	default:
		res.Confidence = domain.ConfidenceLow
	}

	client, creditor := localize.ExtractParties(text)
	res.ClientName = client
	res.CreditorName = creditor
	return res
}

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&euro;", "€")
	return s
}
