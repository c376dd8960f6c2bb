// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package knowledge

import (
	"math"
	"net/url"
	"strings"

	"github.com/pdiddy/curation-engine/internal/textutil"
)

// SimilarityFunc scores two texts in [0, 1].
type SimilarityFunc func(a, b string) float64

// stopwords are excluded from salient-word prefiltering.
var stopwords = map[string]bool{
	"about": true, "after": true, "also": true, "because": true, "been": true,
	"being": true, "between": true, "both": true, "each": true, "from": true,
	"have": true, "into": true, "more": true, "most": true, "only": true,
	"other": true, "over": true, "same": true, "some": true, "such": true,
	"than": true, "that": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "those": true,
	"through": true, "under": true, "very": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "while": true, "will": true,
	"with": true, "would": true,
}

// Lexical blends Jaccard similarity over word tri-gram shingles with
// Jaccard similarity over words. Identical texts score 1.
func Lexical(a, b string) float64 {
	wa, wb := textutil.Words(a), textutil.Words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	return 0.5*jaccard(shingles(wa, 3), shingles(wb, 3)) + 0.5*jaccard(set(wa), set(wb))
}

// Overlap is the fraction of query words found in text. It ranks entries
// for short queries such as section headings.
func Overlap(query, text string) float64 {
	q := set(textutil.Words(query))
	if len(q) == 0 {
		return 0
	}
	t := set(textutil.Words(text))
	hits := 0
	for w := range q {
		if t[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

// Cosine returns the cosine similarity of two vectors, clamped to [0, 1].
// Vectors of different length score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, c))
}

// salient returns the distinctive words of text.
func salient(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range textutil.Words(text) {
		if len(w) >= 4 && !stopwords[w] {
			out[w] = true
		}
	}
	return out
}

// domain returns the host of a URL-shaped source ID, or the ID itself.
func domain(sourceID string) string {
	if u, err := url.Parse(sourceID); err == nil && u.Host != "" {
		return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	}
	return sourceID
}

func shingles(words []string, n int) map[string]bool {
	if len(words) < n {
		return map[string]bool{strings.Join(words, " "): true}
	}
	out := make(map[string]bool, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		out[strings.Join(words[i:i+n], " ")] = true
	}
	return out
}

func set(words []string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
