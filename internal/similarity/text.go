package similarity

import (
	"regexp"
	"strings"
	"unicode"
)

var cidRegex = regexp.MustCompile(`\(cid:\d+\)`)

// mathSymbols survive normalization alongside letters and digits.
const mathSymbols = "-+*/^=()[]{}.,"

// stopwords is the fixed list excluded from keyword sets (English and Spanish).
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "by": true, "with": true, "at": true, "as": true,
	"is": true, "are": true, "be": true, "this": true, "that": true, "these": true,
	"those": true, "it": true, "we": true, "you": true, "they": true, "from": true,
	"was": true, "were": true, "but": true, "not": true, "if": true, "then": true,
	"else": true, "such": true, "into": true, "over": true, "under": true,

	"el": true, "la": true, "los": true, "las": true, "un": true, "una": true,
	"de": true, "del": true, "al": true, "en": true, "por": true, "para": true,
	"con": true, "que": true, "es": true, "se": true, "lo": true, "su": true,
	"sus": true, "si": true, "no": true, "ni": true,
}

// normalize lowercases s, drops PDF glyph artefacts and every rune that is
// not a letter, digit or math symbol, and collapses whitespace.
func normalize(s string) string {
	s = cidRegex.ReplaceAllString(s, " ")
	var sb strings.Builder
	sb.Grow(len(s))
	space := false
	for _, r := range s {
		keep := unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(mathSymbols, r)
		if !keep {
			space = true
			continue
		}
		if space && sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		space = false
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// tokens splits normalized text into alphanumeric words of at least minLen
// runes that are not stopwords.
func tokens(normalized string, minLen int) map[string]bool {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len([]rune(w)) < minLen || stopwords[w] {
			continue
		}
		set[w] = true
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|, or 0 when both sets are empty.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
