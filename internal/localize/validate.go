package localize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	postalCodeRe = regexp.MustCompile(`^\d{5}$`)
	// Noble prefixes pass as-is; the letter class covers Umlauts and ß.
	nameRe   = regexp.MustCompile(`^[\p{L}][\p{L}'\-. ]*[\p{L}.]$`)
	hasDigit = regexp.MustCompile(`\d`)
)

// ValidPostalCode reports whether x is a five-digit German postal code.
func ValidPostalCode(x string) bool { return postalCodeRe.MatchString(x) }

// ValidName reports whether x looks like a personal or company name:
// Unicode letters (Umlauts included), noble prefixes (von, zu, de, ...),
// hyphens, apostrophes, 2..80 codepoints. A failed validation flags the
// field for review; callers must not null the value.
func ValidName(x string) bool {
	x = strings.TrimSpace(x)
	n := utf8.RuneCountInString(x)
	if n < 2 || n > 80 {
		return false
	}
	return nameRe.MatchString(x)
}

// ValidStreetAddress reports whether x is a free-form address with a
// numeric component.
func ValidStreetAddress(x string) bool {
	x = strings.TrimSpace(x)
	if x == "" || !hasDigit.MatchString(x) {
		return false
	}
	return strings.IndexFunc(x, unicode.IsLetter) >= 0
}
