// Package embedding holds embedding capability adapters shared by the
// ingestion and retrieval paths.
package embedding

import (
	"context"

	"docrag/internal/domain"
)

// Func adapts a plain embedding function to domain.Embedder.
type Func struct {
	name string
	dim  int
	fn   func(ctx context.Context, text string) ([]float32, error)
}

// NewFunc wraps fn. dim may be 0 when the dimension is not known up front.
func NewFunc(name string, dim int, fn func(ctx context.Context, text string) ([]float32, error)) *Func {
	return &Func{name: name, dim: dim, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Dimension() int { return f.dim }

func (f *Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.fn(ctx, text)
}

var _ domain.Embedder = (*Func)(nil)
