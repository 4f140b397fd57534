package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/index"
)

func norm(v []float32) float64 {
	s := 0.0
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbedIsDeterministicAndNormalized(t *testing.T) {
	e := New(64)
	a, err := e.Embed(context.Background(), "Vector search over document chunks")
	require.NoError(t, err)
	b, err := New(64).Embed(context.Background(), "Vector search over document chunks")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
	assert.Equal(t, "hashing-64", e.Name())
	assert.Equal(t, 64, e.Dimension())
}

func TestEmbedIgnoresCaseAndStopwords(t *testing.T) {
	e := New(128)
	a, err := e.Embed(context.Background(), "The Quick Fox")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "quick fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	v, err := New(16).Embed(context.Background(), "the and of ...")
	require.NoError(t, err)
	assert.Len(t, v, 16)
	assert.Zero(t, norm(v))
}

func TestSimilarTextsScoreHigher(t *testing.T) {
	e := New(512)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "sqlite record store persistence")
	near, _ := e.Embed(ctx, "the record store persists chunks to sqlite")
	far, _ := e.Embed(ctx, "bubble tea renders terminal interfaces")
	assert.Greater(t, index.Cosine.Score(q, near), index.Cosine.Score(q, far))
}

func TestEmbedManyAndCancellation(t *testing.T) {
	e := New(0)
	assert.Equal(t, DefaultDimension, e.Dimension())
	vs, err := e.EmbedMany(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.NotEqual(t, vs[0], vs[1])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
