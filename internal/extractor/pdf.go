package extractor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/localize"
)

// scannedRatio is the extracted-text-to-filesize threshold below which a
// PDF is treated as scanned and routed to vision.
const scannedRatio = 0.01

func (e *Extractor) extractPDF(ctx domain.Context, job domain.IncomingJob, att domain.Attachment, path string, budget *TokenBudget) (domain.SourceResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.SourceResult{}, fmt.Errorf("op=pdf_stat: %w", err)
	}

	text, total, err := readPDFText(path, e.opts.MaxPages)
	if err != nil {
		if errors.Is(err, domain.ErrUnreadableSource) {
			// Encrypted or corrupt; skip, keep partial results.
			return skipped(att, domain.SourceNativePDF, err), nil
		}
		return domain.SourceResult{}, err
	}

	if isScanned(text, info.Size()) {
		raw, err := visionPayload(path, total, e.opts.MaxPages)
		if err != nil {
			if errors.Is(err, domain.ErrUnreadableSource) {
				return skipped(att, domain.SourceScannedPDF, err), nil
			}
			return domain.SourceResult{}, err
		}
		return e.callVision(ctx, job, domain.SourceScannedPDF, att.Filename, []domain.ChatImage{{
			MediaType: "application/pdf",
			Base64:    base64.StdEncoding.EncodeToString(raw),
		}}, budget)
	}

	return textResult(domain.SourceNativePDF, att.Filename, text, domain.MethodNativeText), nil
}

// isScanned applies the text-to-filesize ratio heuristic.
func isScanned(text string, fileSize int64) bool {
	if fileSize <= 0 {
		return true
	}
	return float64(len(strings.TrimSpace(text)))/float64(fileSize) < scannedRatio
}

var pdfcpuOnce sync.Once

// visionPayload returns the PDF bytes to submit to the vision vendor.
// Documents over the page budget are trimmed to the window pages first so
// the vendor sees the same view the text path reads.
func visionPayload(path string, total, maxPages int) ([]byte, error) {
	if maxPages <= 0 || total <= maxPages {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=pdf_read: %w", err)
		}
		return raw, nil
	}

	pdfcpuOnce.Do(api.DisableConfigDir)
	sel := make([]string, 0, maxPages)
	for _, p := range pageWindow(total, maxPages) {
		sel = append(sel, strconv.Itoa(p))
	}
	out := path + ".window.pdf"
	defer func() { _ = os.Remove(out) }()
	if err := api.TrimFile(path, out, sel, nil); err != nil {
		return nil, fmt.Errorf("op=pdf_trim pages=%d: %w: %v", total, domain.ErrUnreadableSource, err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("op=pdf_trim read: %w", err)
	}
	return raw, nil
}

// readPDFText extracts plain text page by page, truncating oversized
// documents to the first five and last five pages. The total page count is
// returned so the scanned branch can apply the same window.
func readPDFText(path string, maxPages int) (text string, total int, err error) {
	// The PDF library panics on malformed cross reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parse panic: %w: %v", domain.ErrUnreadableSource, r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("pdf open: %w: %v", domain.ErrUnreadableSource, err)
	}
	defer f.Close()

	total = reader.NumPage()
	var b strings.Builder
	for _, pageNum := range pageWindow(total, maxPages) {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String(), total, nil
}

// pageWindow returns the page numbers to read: everything when the
// document fits the budget, otherwise the first five plus the last five.
func pageWindow(total, maxPages int) []int {
	if total <= 0 {
		return nil
	}
	if maxPages <= 0 || total <= maxPages {
		out := make([]int, total)
		for i := range out {
			out[i] = i + 1
		}
		return out
	}
	var out []int
	for i := 1; i <= 5 && i <= total; i++ {
		out = append(out, i)
	}
	for i := total - 4; i <= total; i++ {
		if i > 5 {
			out = append(out, i)
		}
	}
	return out
}

// textResult applies the body parsing rules to extracted document text.
func textResult(kind domain.SourceKind, filename, text string, method domain.ExtractionMethod) domain.SourceResult {
	text, _ = localize.Preprocess(text)
	res := domain.SourceResult{
		Source:   kind,
		Filename: filename,
		Method:   method,
	}
	amount, labeled, err := localize.ExtractAmount(text)
	if err == nil {
		res.Amount = &amount
		res.AmountLabeled = labeled
		if labeled {
			res.Confidence = domain.ConfidenceHigh
		} else {
			res.Confidence = domain.ConfidenceMedium
		}
	} else {
		res.Confidence = domain.ConfidenceLow
		if errors.Is(err, domain.ErrAmbiguousAmount) {
			res.Error = err.Error()
		}
	}
	client, creditor := localize.ExtractParties(text)
	res.ClientName = client
	res.CreditorName = creditor
	return res
}
