// Package textnorm folds Spanish text for accent- and case-insensitive
// matching. "Trámite", "TRAMITE" and "tramite" all fold to "tramite".
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopWords are dropped by Tokens. Kept short: only function words that
// would otherwise match almost every catalog entry.
var stopWords = map[string]struct{}{
	"a": {}, "al": {}, "con": {}, "de": {}, "del": {}, "el": {}, "en": {},
	"es": {}, "la": {}, "las": {}, "lo": {}, "los": {}, "o": {}, "para": {},
	"por": {}, "que": {}, "se": {}, "su": {}, "sus": {}, "un": {}, "una": {},
	"y": {}, "como": {}, "mi": {}, "me": {},
}

// Fold lowercases s, strips diacritics and collapses runs of whitespace
// into a single space. Fold is idempotent.
func Fold(s string) string {
	if s == "" {
		return ""
	}
	// transform.Chain keeps internal state, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

// Tokens returns the folded words of s with punctuation removed and stop
// words dropped. Order is preserved and duplicates are removed.
func Tokens(s string) []string {
	folded := Fold(s)
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Contains reports whether needle occurs in haystack after folding both.
func Contains(haystack, needle string) bool {
	return strings.Contains(Fold(haystack), Fold(needle))
}

// IsStopWord reports whether the folded form of w is a stop word.
func IsStopWord(w string) bool {
	_, ok := stopWords[Fold(w)]
	return ok
}
