// Package embedding wraps the external vector provider. Callers treat it as a
// black box that may fail at any time; failures surface as
// apperr.ErrEmbeddingUnavailable.
package embedding

import (
	"context"
	"fmt"

	"github.com/starford/ghostkb/internal/apperr"
)

// Provider turns texts into dense vectors of a fixed dimension.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model names the embedding model; cached vectors are keyed by it.
	Model() string
	// Dimension is the vector length the provider produces.
	Dimension() int
}

// Noop is used when no provider is configured. The index then runs
// lexical-only and every chunk stays flagged for later embedding.
type Noop struct{}

func (Noop) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding: no provider configured: %w", apperr.ErrEmbeddingUnavailable)
}

func (Noop) Model() string  { return "" }
func (Noop) Dimension() int { return 0 }

// Enabled reports whether p can produce vectors at all.
func Enabled(p Provider) bool {
	if p == nil {
		return false
	}
	_, noop := p.(Noop)
	return !noop && p.Model() != ""
}
