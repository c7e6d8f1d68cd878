package extractor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/localize"
)

var xlsxAmountLabels = []string{
	"gesamtforderung", "forderungshöhe", "forderungshoehe", "gesamtsumme",
	"gesamtbetrag", "offener betrag", "restschuld", "schulden", "summe",
}

// extractXLSX scans every sheet for amount-labeled cells and reads the
// value from the cell to the right, falling back to the cell below. The
// highest plausible amount wins.
func extractXLSX(att domain.Attachment, path string) (domain.SourceResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return skipped(att, domain.SourceXLSX, fmt.Errorf("xlsx open: %w: %v", domain.ErrUnreadableSource, err)), nil
	}
	defer f.Close()

	var best *decimal.Decimal
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for ri, row := range rows {
			for ci, cell := range row {
				if !isAmountLabel(cell) {
					continue
				}
				candidate := neighborValue(rows, ri, ci)
				if candidate == "" {
					continue
				}
				d, perr := localize.ParseAmount(candidate)
				if perr != nil || !plausibleAmount(d) {
					continue
				}
				if best == nil || d.GreaterThan(*best) {
					v := d
					best = &v
				}
			}
		}
	}

	res := domain.SourceResult{
		Source:   domain.SourceXLSX,
		Filename: att.Filename,
		Method:   domain.MethodTableScan,
	}
	if best != nil {
		res.Amount = best
		res.AmountLabeled = true
		res.Confidence = domain.ConfidenceHigh
	} else {
		res.Confidence = domain.ConfidenceLow
	}
	return res, nil
}

func isAmountLabel(cell string) bool {
	c := strings.ToLower(strings.TrimSpace(cell))
	c = strings.TrimSuffix(c, ":")
	for _, label := range xlsxAmountLabels {
		if strings.Contains(c, label) {
			return true
		}
	}
	return false
}

// neighborValue prefers the cell to the right of the label, then the cell
// directly below it.
func neighborValue(rows [][]string, ri, ci int) string {
	if ci+1 < len(rows[ri]) {
		if v := strings.TrimSpace(rows[ri][ci+1]); v != "" {
			return v
		}
	}
	if ri+1 < len(rows) && ci < len(rows[ri+1]) {
		return strings.TrimSpace(rows[ri+1][ci])
	}
	return ""
}

// plausibleAmount filters out years, percentages parsed as numbers and
// other obvious non-amounts.
func plausibleAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThan(decimal.RequireFromString("10000000"))
}
