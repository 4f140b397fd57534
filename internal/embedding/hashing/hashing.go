// Package hashing implements an offline embedder: a feature-hashed bag of
// words with sublinear term frequency, L2-normalized to a fixed dimension.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"docrag/internal/domain"
)

// DefaultDimension is used when New is given a non-positive dimension.
const DefaultDimension = 256

// Embedder maps tokens to buckets by hash; the hash's top bit picks the
// sign so collisions tend to cancel rather than accumulate.
type Embedder struct {
	dimension    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// New creates a hashing embedder producing vectors of the given dimension.
func New(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{
		dimension:    dimension,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return fmt.Sprintf("hashing-%d", e.dimension) }

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed computes the hashed embedding for text. Text without any indexable
// token yields the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tf := make(map[string]int)
	for _, tok := range e.tokenize(text) {
		tf[tok]++
	}
	acc := make([]float64, e.dimension)
	for tok, count := range tf {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		weight := 1 + math.Log(float64(count))
		if sum>>63 == 1 {
			weight = -weight
		}
		acc[sum%uint64(e.dimension)] += weight
	}
	norm := 0.0
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vec := make([]float32, e.dimension)
	if norm == 0 {
		return vec, nil
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec, nil
}

// EmbedMany embeds each text in order.
func (e *Embedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *Embedder) tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := e.tokenPattern.FindAllString(lower, -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var _ domain.BatchEmbedder = (*Embedder)(nil)
