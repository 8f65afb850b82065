package reconcile

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"github.com/starford/ghostkb/internal/checksum"
	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/models"
)

const retryBatch = 256

func checksumOf(data []byte) string { return checksum.Sum(data) }

func embedText(title, content string) string { return title + "\n" + content }

// attachVectors fills chunk vectors from the embedding cache and the
// provider. Chunks left without a vector are stored flagged for retry.
func (r *Reconciler) attachVectors(ctx context.Context, chunks []models.Chunk) (model string, embedded int) {
	p := r.batcher.Provider()
	if p == nil || p.Model() == "" {
		return "", 0
	}
	model = p.Model()

	hashes := lo.Map(chunks, func(c models.Chunk, _ int) string { return c.ContentHash })
	cached, err := r.db.CachedVectors(ctx, model, hashes)
	if err != nil {
		r.log.Warn("reconcile: embedding cache lookup failed", slog.String("error", err.Error()))
		cached = map[string][]float32{}
	}
	var reqs []embedding.Request
	for i := range chunks {
		if v, ok := cached[chunks[i].ContentHash]; ok {
			chunks[i].Vector = v
			continue
		}
		reqs = append(reqs, embedding.Request{Key: chunks[i].ContentHash, Text: embedText(chunks[i].Title, chunks[i].Content)})
	}
	if len(reqs) == 0 || !embedding.Enabled(p) {
		return model, 0
	}
	vecs, failed := r.batcher.EmbedChunks(ctx, reqs)
	for i := range chunks {
		if chunks[i].Vector == nil {
			chunks[i].Vector = vecs[chunks[i].ContentHash]
		}
	}
	if len(failed) > 0 {
		r.log.Warn("reconcile: chunks left for embedding retry", slog.Int("count", len(failed)))
	}
	return model, len(vecs)
}

// RetryPending embeds chunks flagged needs_embedding. It stops early when
// the provider fails a whole batch so an outage does not spin.
func (r *Reconciler) RetryPending(ctx context.Context) (int, error) {
	p := r.batcher.Provider()
	if !embedding.Enabled(p) {
		return 0, nil
	}
	model := p.Model()

	var (
		after int64
		total int
	)
	for {
		pending, err := r.db.PendingEmbeddings(ctx, after, retryBatch)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}
		after = pending[len(pending)-1].ChunkID

		hashes := lo.Map(pending, func(c index.PendingChunk, _ int) string { return c.ContentHash })
		vecs, err := r.db.CachedVectors(ctx, model, hashes)
		if err != nil {
			return total, err
		}
		var reqs []embedding.Request
		for _, c := range pending {
			if _, ok := vecs[c.ContentHash]; !ok {
				reqs = append(reqs, embedding.Request{Key: c.ContentHash, Text: embedText(c.Title, c.Content)})
			}
		}
		fresh, failed := r.batcher.EmbedChunks(ctx, reqs)
		for k, v := range fresh {
			vecs[k] = v
		}

		var out []index.ChunkVector
		for _, c := range pending {
			if v, ok := vecs[c.ContentHash]; ok {
				out = append(out, index.ChunkVector{ChunkID: c.ChunkID, ContentHash: c.ContentHash, Vector: v})
			}
		}
		n, err := r.db.SetVectors(ctx, model, out)
		total += n
		if err != nil {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if len(failed) > 0 && len(fresh) == 0 {
			r.log.Warn("reconcile: embedding provider unavailable, retry deferred", slog.Int("failed", len(failed)))
			return total, nil
		}
	}
}

// Reembed flags every chunk whose vector came from another model and
// embeds them again. It only runs on explicit request.
func (r *Reconciler) Reembed(ctx context.Context) (int, error) {
	p := r.batcher.Provider()
	if !embedding.Enabled(p) {
		return 0, nil
	}
	flagged, err := r.db.MarkStaleVectors(ctx, p.Model())
	if err != nil {
		return 0, err
	}
	r.log.Info("reconcile: chunks flagged for re-embedding", slog.Int("count", flagged))
	return r.RetryPending(ctx)
}
