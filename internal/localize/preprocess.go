package localize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// digraphs maps OCR-flattened digraphs to their Umlaut forms. Order matters
// only for readability; replacement is applied per pair.
var digraphs = [][2]string{
	{"ue", "ü"}, {"oe", "ö"}, {"ae", "ä"},
	{"Ue", "Ü"}, {"Oe", "Ö"}, {"Ae", "Ä"},
	{"UE", "Ü"}, {"OE", "Ö"}, {"AE", "Ä"},
}

// Preprocess normalizes text to NFKC (composed Umlauts) and conservatively
// restores German digraphs to Umlaut forms, token by token, only when the
// restored token is present in the lexicon. It returns the corrected text
// and the number of corrections made. Corrections never reduce confidence.
func Preprocess(s string) (string, int) {
	s = norm.NFKC.String(s)
	corrections := 0
	var b strings.Builder
	b.Grow(len(s))

	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		token := s[start:end]
		if restored, ok := restoreToken(token); ok {
			b.WriteString(restored)
			corrections++
		} else {
			b.WriteString(token)
		}
		start = -1
	}
	for i, r := range s {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
		b.WriteRune(r)
	}
	flush(len(s))
	return b.String(), corrections
}

// restoreToken tries the Umlaut restoration of one token. The restored form
// must be in the lexicon; otherwise the token is left untouched.
func restoreToken(token string) (string, bool) {
	if !strings.Contains(strings.ToLower(token), "ue") &&
		!strings.Contains(strings.ToLower(token), "oe") &&
		!strings.Contains(strings.ToLower(token), "ae") {
		return token, false
	}
	candidate := token
	for _, d := range digraphs {
		candidate = strings.ReplaceAll(candidate, d[0], d[1])
	}
	if candidate != token && InLexicon(candidate) {
		return candidate, true
	}
	return token, false
}

// nameDigitFixes are applied only to values the caller flags as name or
// address fields; general text never gets digit-to-letter substitution.
var nameDigitFixes = strings.NewReplacer("3", "e", "0", "o", "1", "l")

// RestoreNameField repairs common OCR digit substitutions in a name or
// address value. Values containing amounts must not be passed here.
func RestoreNameField(s string) string {
	if !strings.ContainsAny(s, "301") {
		return s
	}
	// Leave tokens that are purely numeric alone (house numbers, postal codes).
	fields := strings.Fields(s)
	for i, f := range fields {
		if strings.IndexFunc(f, unicode.IsLetter) >= 0 {
			fields[i] = nameDigitFixes.Replace(f)
		}
	}
	return strings.Join(fields, " ")
}
