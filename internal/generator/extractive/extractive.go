// Package extractive answers questions offline by picking the retrieved
// sentences that best cover the question and the context's key terms.
package extractive

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"docrag/internal/domain"
)

// DefaultMaxSentences is used when New is given a non-positive limit.
const DefaultMaxSentences = 5

// questionWeight scales the bonus for each question term a sentence contains.
const questionWeight = 1.0

// Generator ranks context sentences by word frequency (stopwords filtered)
// plus overlap with the question.
type Generator struct {
	maxSentences    int
	tokenPattern    *regexp.Regexp
	sentencePattern *regexp.Regexp
	stopwords       map[string]struct{}
}

// New creates an extractive generator returning at most maxSentences sentences.
func New(maxSentences int) *Generator {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}
	return &Generator{
		maxSentences:    maxSentences,
		tokenPattern:    regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		sentencePattern: regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|\n|$)`),
		stopwords:       defaultStopwords(),
	}
}

func (g *Generator) Name() string { return "extractive" }

// Generate returns the best sentences in their original order.
func (g *Generator) Generate(ctx context.Context, question string, contexts []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var sentences []string
	seen := make(map[string]struct{})
	for _, c := range contexts {
		for _, s := range g.sentencePattern.FindAllString(c, -1) {
			s = strings.TrimSpace(s)
			if len(g.tokens(s)) == 0 {
				continue
			}
			// overlapping chunks repeat sentences
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return "", fmt.Errorf("no context to answer from: %w", domain.ErrNotFound)
	}

	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range g.tokens(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	for k, v := range freq {
		freq[k] = v / maxF
	}
	asked := make(map[string]struct{})
	for _, tok := range g.tokens(question) {
		asked[tok] = struct{}{}
	}

	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, len(sentences))
	for i, sent := range sentences {
		toks := g.tokens(sent)
		sscore := 0.0
		hits := make(map[string]struct{})
		for _, tok := range toks {
			sscore += freq[tok]
			if _, ok := asked[tok]; ok {
				hits[tok] = struct{}{}
			}
		}
		// Normalize by sentence length to avoid bias
		sscore /= math.Sqrt(float64(len(toks)))
		scores[i] = pair{i, sscore + questionWeight*float64(len(hits))}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	n := min(g.maxSentences, len(scores))
	// Keep original order among selected
	selected := make([]int, n)
	for i := 0; i < n; i++ {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, 0, n)
	for _, idx := range selected {
		out = append(out, sentences[idx])
	}
	return strings.Join(out, " "), nil
}

// tokens returns lowercased non-stopword tokens.
func (g *Generator) tokens(text string) []string {
	raw := g.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := g.stopwords[t]; !stop {
			out = append(out, t)
		}
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "how", "why", "when", "where", "does", "do", "did",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var _ domain.Generator = (*Generator)(nil)
