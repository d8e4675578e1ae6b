package guard

import (
	"strings"
	"unicode"
)

// Tokens splits normalized question text into a set of comparable terms.
// Punctuation is stripped and single-character terms are skipped.
func Tokens(text string) map[string]bool {
	terms := make(map[string]bool)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if len(word) >= 2 {
			terms[word] = true
		}
	}
	return terms
}

// Similarity returns the Jaccard index of two term sets in [0, 1].
func Similarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range a {
		if b[term] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// TextSimilarity is a convenience wrapper over Tokens and Similarity.
func TextSimilarity(a, b string) float64 {
	return Similarity(Tokens(a), Tokens(b))
}
