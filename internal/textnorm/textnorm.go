// Package textnorm holds the deterministic text normalization used for cache keys
// and query-pattern signatures. Any reimplementation applying the same rules must
// produce the same keys.
package textnorm

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kb-assistant/backend/pkg/utils"
)

var leadingArticles = map[string]bool{
	"a":   true,
	"an":  true,
	"the": true,
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "do": true, "does": true, "did": true, "i": true, "we": true, "you": true,
	"my": true, "our": true, "to": true, "of": true, "in": true, "on": true, "for": true,
	"and": true, "or": true, "with": true, "how": true, "what": true, "when": true,
	"where": true, "who": true, "which": true, "can": true, "could": true, "should": true,
	"it": true, "this": true, "that": true, "me": true, "there": true, "about": true,
}

// Normalize lowercases s, drops apostrophes, turns every other punctuation or symbol
// rune into a space, collapses whitespace and strips leading articles.
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			// "don't" and "don’t" both become "dont".
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 && leadingArticles[words[0]] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

// Key is the stable cache key for a question.
func Key(question string) string {
	return utils.HashString(Normalize(question))
}

// Words returns the normalized word list of s.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}

// Signature generalizes a query into its sorted set of content words. Queries that
// differ only in function words or word order share a signature.
func Signature(query string) string {
	return strings.Join(SignatureTerms(query), " ")
}

// SignatureTerms is Signature before joining.
func SignatureTerms(query string) []string {
	seen := make(map[string]bool)
	terms := make([]string, 0, 8)
	for _, w := range Words(query) {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	sort.Strings(terms)
	return terms
}
