package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/starford/ghostkb/internal/apperr"
)

// Request is one text to embed, identified by a caller-chosen key (the
// reconciler uses the chunk content hash).
type Request struct {
	Key  string
	Text string
}

// Batcher embeds many texts in bounded groups and tolerates partial failure:
// a failed group only marks its own keys as failed.
type Batcher struct {
	provider  Provider
	batchSize int
	log       *slog.Logger
}

// NewBatcher wraps p. batchSize <= 0 means 32.
func NewBatcher(p Provider, batchSize int, log *slog.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{provider: p, batchSize: batchSize, log: log}
}

// Provider returns the wrapped provider.
func (b *Batcher) Provider() Provider { return b.provider }

// EmbedChunks embeds every distinct key once. It returns the vectors it got
// and the keys it could not embed; the error-free contract lets callers
// store what succeeded and flag the rest for retry.
func (b *Batcher) EmbedChunks(ctx context.Context, reqs []Request) (map[string][]float32, []string) {
	reqs = lo.UniqBy(reqs, func(r Request) string { return r.Key })
	vecs := make(map[string][]float32, len(reqs))
	if len(reqs) == 0 {
		return vecs, nil
	}
	if !Enabled(b.provider) {
		return vecs, lo.Map(reqs, func(r Request, _ int) string { return r.Key })
	}

	var failed []string
	for _, group := range lo.Chunk(reqs, b.batchSize) {
		keys := lo.Map(group, func(r Request, _ int) string { return r.Key })
		if ctx.Err() != nil {
			failed = append(failed, keys...)
			continue
		}
		texts := lo.Map(group, func(r Request, _ int) string { return r.Text })
		out, err := b.provider.Embed(ctx, texts)
		if err == nil && len(out) != len(texts) {
			err = fmt.Errorf("embedding: provider returned %d vectors for %d texts: %w", len(out), len(texts), apperr.ErrEmbeddingUnavailable)
		}
		if err != nil {
			b.log.Warn("embedding: batch failed, chunks flagged for retry", slog.Int("size", len(group)), slog.String("error", err.Error()))
			failed = append(failed, keys...)
			continue
		}
		for i, k := range keys {
			if len(out[i]) == 0 {
				failed = append(failed, k)
				continue
			}
			vecs[k] = out[i]
		}
	}
	return vecs, failed
}
