package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"docrag/internal/domain"
)

// Cached memoizes embeddings of recently seen texts in an LRU cache.
// Only successful results are cached.
type Cached struct {
	inner domain.Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner with a cache holding up to size entries.
func NewCached(inner domain.Embedder, size int) (*Cached, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding cache: %v", domain.ErrInvalidConfiguration, err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Name() string { return c.inner.Name() }

func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return append([]float32(nil), v...), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, append([]float32(nil), v...))
	return v, nil
}

// Len reports the number of cached entries.
func (c *Cached) Len() int { return c.cache.Len() }

// Purge drops every cached entry.
func (c *Cached) Purge() { c.cache.Purge() }
