package localize

import "strings"

// lexicon lists German words whose OCR-mangled digraph forms (ue, oe, ae)
// may be restored to their Umlaut spelling. Restoration only happens when
// the restored token is found here, so "Steuer" never becomes "Steür".
// Surnames common in creditor correspondence are included.
var lexicon = map[string]struct{}{}

func init() {
	for _, w := range []string{
		// creditor / claims vocabulary
		"gläubiger", "gläubigerin", "gläubigern", "forderungshöhe",
		"höhe", "säumnis", "säumniszuschlag", "mahngebühr", "mahngebühren",
		"rückstand", "rückstände", "rückzahlung", "überweisung", "überfällig",
		"fällig", "fälligkeit", "schuldnerberatung", "bürgschaft",
		"pfändung", "zwangsvollstreckung", "säumniszuschläge", "gebühren",
		"verzugszinsen", "tilgungsplan", "ratenzahlungsvereinbarung",
		// address vocabulary
		"straße", "münchen", "köln", "düsseldorf", "nürnberg", "würzburg",
		"münster", "saarbrücken", "osnabrück", "lübeck", "göttingen",
		"tübingen", "fürth", "mülheim", "lüneburg",
		// names
		"müller", "schäfer", "könig", "krüger", "schröder", "jäger",
		"böhm", "lüdtke", "krämer", "bäcker", "jürgen", "björn", "günter",
		"jörg", "sören", "käthe", "mühlbauer", "grünewald", "schönfeld",
		"bräuer", "höfer", "röder", "vögele", "nußbaum",
	} {
		lexicon[w] = struct{}{}
	}
}

// InLexicon reports whether the word (case-insensitive) is known.
func InLexicon(word string) bool {
	_, ok := lexicon[strings.ToLower(word)]
	return ok
}

// AddToLexicon registers extra words, e.g. tenant-specific creditor names.
func AddToLexicon(words ...string) {
	for _, w := range words {
		lexicon[strings.ToLower(w)] = struct{}{}
	}
}
