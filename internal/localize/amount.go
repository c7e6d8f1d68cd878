// Package localize implements German-locale text preprocessing, amount
// parsing and field validation for creditor correspondence.
package localize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

var currencySuffix = regexp.MustCompile(`(?i)\s*(EUR|€)\s*$`)

// ParseAmount parses a single numeric string, German locale first
// ("1.234,56"), falling back to US locale ("1,234.56"). An optional EUR/€
// suffix is accepted. Ambiguous strings such as "1,234" fail with
// domain.ErrAmbiguousAmount, which is distinct from domain.ErrNoAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(currencySuffix.ReplaceAllString(strings.TrimSpace(s), ""))
	s = strings.TrimPrefix(s, "€")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" || !strings.ContainsAny(s, "0123456789") {
		return decimal.Zero, domain.ErrNoAmount
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both separators present: the later one is the decimal separator.
		if lastComma > lastDot {
			// German: "1.234,56"
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// US: "1,234.56"
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		frac := len(s) - lastComma - 1
		if strings.Count(s, ",") == 1 && frac == 3 {
			// "1,234" reads as 1234 in US and 1.234 in German. Refuse.
			return decimal.Zero, fmt.Errorf("%w: %q", domain.ErrAmbiguousAmount, s)
		}
		if strings.Count(s, ",") > 1 {
			// Multiple commas can only be US thousands separators.
			s = strings.ReplaceAll(s, ",", "")
		} else {
			// German decimal comma: "1234,56", "12,5"
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		frac := len(s) - lastDot - 1
		if strings.Count(s, ".") > 1 || frac == 3 {
			// German thousands: "1.234.567" or "1.234"
			s = strings.ReplaceAll(s, ".", "")
		}
		// Otherwise a plain decimal point: "1234.56"
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", domain.ErrNoAmount, s)
	}
	return d, nil
}

// Amount label patterns, strongest first. Each captures the numeric text
// following the label.
var (
	numPat        = `([0-9][0-9.,\s]*[0-9]|[0-9])`
	labeledAmount = []*regexp.Regexp{
		regexp.MustCompile(`(?i)gesamtforderung[^0-9€]{0,40}` + numPat),
		regexp.MustCompile(`(?i)forderungsh(?:ö|oe)he[^0-9€]{0,40}` + numPat),
		regexp.MustCompile(`(?i)gesamtsumme[^0-9€]{0,40}` + numPat),
		regexp.MustCompile(`(?i)offene[rn]?\s+betrag[^0-9€]{0,40}` + numPat),
		regexp.MustCompile(`(?i)restschuld[^0-9€]{0,40}` + numPat),
		regexp.MustCompile(`(?i)schulden[^0-9€]{0,40}` + numPat),
	}
	componentAmount = map[string]*regexp.Regexp{
		"hauptforderung": regexp.MustCompile(`(?i)hauptforderung[^0-9€]{0,40}` + numPat),
		"zinsen":         regexp.MustCompile(`(?i)zinsen[^0-9€]{0,40}` + numPat),
		"kosten":         regexp.MustCompile(`(?i)kosten[^0-9€]{0,40}` + numPat),
	}
	currencyTagged = regexp.MustCompile(numPat + `\s*(?:EUR|€)`)
)

// ExtractAmount finds the most plausible claim amount in a free-text
// passage. Labeled totals win; an unlabeled Hauptforderung+Zinsen+Kosten
// breakdown is summed; otherwise the largest currency-tagged number is
// taken. The second return reports whether the amount came from a label.
func ExtractAmount(text string) (decimal.Decimal, bool, error) {
	for _, re := range labeledAmount {
		if m := re.FindStringSubmatch(text); m != nil {
			if d, err := ParseAmount(m[1]); err == nil {
				return d, true, nil
			}
		}
	}
	// Components sum to the Gesamtforderung when no total is labelled.
	if m := componentAmount["hauptforderung"].FindStringSubmatch(text); m != nil {
		sum, err := ParseAmount(m[1])
		if err == nil {
			for _, part := range []string{"zinsen", "kosten"} {
				if pm := componentAmount[part].FindStringSubmatch(text); pm != nil {
					if d, perr := ParseAmount(pm[1]); perr == nil {
						sum = sum.Add(d)
					}
				}
			}
			return sum, true, nil
		}
	}
	best := decimal.Zero
	found := false
	for _, m := range currencyTagged.FindAllStringSubmatch(text, -1) {
		d, err := ParseAmount(m[1])
		if err != nil {
			continue
		}
		if !found || d.GreaterThan(best) {
			best, found = d, true
		}
	}
	if !found {
		return decimal.Zero, false, domain.ErrNoAmount
	}
	return best, false, nil
}

var (
	creditorLabel = regexp.MustCompile(`(?im)^[^\S\n]*(?:gl(?:ä|ae?)ubiger(?:in)?|forderungsinhaber)\s*[:\-]\s*(.+?)\s*$`)
	debtorLabel   = regexp.MustCompile(`(?im)^[^\S\n]*(?:schuldner(?:in)?|unser[e]?\s+mandant(?:in)?)\s*[:\-]\s*(.+?)\s*$`)
	inMatterOf    = regexp.MustCompile(`(?i)forderung\s+gegen\s+([\p{L}][\p{L}' .\-]{1,79})`)
)

// ExtractParties pulls probable debtor (client) and creditor names from
// labeled phrases. Either result may be empty.
func ExtractParties(text string) (clientName, creditorName string) {
	if m := debtorLabel.FindStringSubmatch(text); m != nil {
		clientName = strings.TrimSpace(m[1])
	} else if m := inMatterOf.FindStringSubmatch(text); m != nil {
		clientName = strings.TrimSpace(m[1])
	}
	if m := creditorLabel.FindStringSubmatch(text); m != nil {
		creditorName = strings.TrimSpace(m[1])
	}
	return clientName, creditorName
}
