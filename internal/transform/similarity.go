// Package transform holds the task decomposer and merger: the two operations
// that rewrite the task graph, splitting oversized tasks and folding
// duplicates together.
package transform

import (
	"math"
	"strings"
	"unicode"

	"taskmesh/internal/domain"
)

// Component weights of the combined similarity. Context distance dominates,
// category overlap and complexity equality refine it.
const (
	contextWeight    = 0.6
	categoryWeight   = 0.25
	complexityWeight = 0.15
)

// Similarity computes the combined semantic similarity of two tasks in [0,1].
func Similarity(a, b domain.Task) float64 {
	return contextWeight*cosine(termFreq(a.Context), termFreq(b.Context)) +
		categoryWeight*jaccard(a.Categories, b.Categories) +
		complexityWeight*complexityEq(a.Complexity, b.Complexity)
}

func complexityEq(a, b int) float64 {
	if a == b {
		return 1
	}
	return 0
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := map[string]int{}
	for _, s := range a {
		set[strings.ToLower(s)] |= 1
	}
	for _, s := range b {
		set[strings.ToLower(s)] |= 2
	}
	var inter, union float64
	for _, v := range set {
		union++
		if v == 3 {
			inter++
		}
	}
	return inter / union
}

// termFreq builds a bag-of-words vector. Lowercased alphanumeric tokens of
// length >= 3 keep the vector small without losing the signal words.
func termFreq(text string) map[string]float64 {
	freq := map[string]float64{}
	for _, tok := range tokenize(text) {
		freq[tok]++
	}
	return freq
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, va := range a {
		na += va * va
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		nb += vb * vb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
