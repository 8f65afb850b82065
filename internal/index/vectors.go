package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/jmoiron/sqlx"
)

func serializeVector(v []float32) ([]byte, error) {
	b, err := sqlite_vec.SerializeFloat32(v)
	if err != nil {
		return nil, fmt.Errorf("index: serialize vector: %w", err)
	}
	return b, nil
}

// deserializeVector is the inverse of sqlite_vec.SerializeFloat32
// (little-endian float32).
func deserializeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// putVectorTx stores a chunk vector, clears the retry flag and records the
// vector in the embedding cache.
func putVectorTx(ctx context.Context, tx *sqlx.Tx, chunkID int64, hash, model string, vec []float32) error {
	blob, err := serializeVector(vec)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunk_vectors (chunk_id, model, dim, vector) VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET model = excluded.model, dim = excluded.dim, vector = excluded.vector`,
		chunkID, model, len(vec), blob); err != nil {
		return fmt.Errorf("index: put vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET needs_embedding = 0 WHERE id = ? AND needs_embedding <> 0`, chunkID); err != nil {
		return fmt.Errorf("index: clear embedding flag: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO embedding_cache (model, content_hash, dim, vector, created_at)
		VALUES (?, ?, ?, ?, ?)`, model, hash, len(vec), blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("index: cache vector: %w", err)
	}
	return nil
}

// CachedVectors returns the cached vectors of model for the given chunk
// content hashes. Missing hashes are absent from the map.
func (db *DB) CachedVectors(ctx context.Context, model string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if model == "" || len(hashes) == 0 {
		return out, nil
	}
	query, args, err := sq.Select("content_hash", "vector").From("embedding_cache").
		Where(sq.Eq{"model": model, "content_hash": hashes}).ToSql()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Hash   string `db:"content_hash"`
		Vector []byte `db:"vector"`
	}
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("index: cached vectors: %w", err)
	}
	for _, r := range rows {
		out[r.Hash] = deserializeVector(r.Vector)
	}
	return out, nil
}

// PendingChunk is a chunk waiting for an embedding.
type PendingChunk struct {
	ChunkID     int64  `db:"id"`
	EntryID     string `db:"entry_id"`
	Title       string `db:"title"`
	Content     string `db:"content"`
	ContentHash string `db:"content_hash"`
}

// PendingEmbeddings lists chunks flagged for (re-)embedding with an id
// greater than afterID, oldest first.
func (db *DB) PendingEmbeddings(ctx context.Context, afterID int64, limit int) ([]PendingChunk, error) {
	if limit <= 0 {
		limit = 256
	}
	var out []PendingChunk
	if err := db.conn.SelectContext(ctx, &out, `
		SELECT id, entry_id, title, content, content_hash FROM chunks
		WHERE needs_embedding = 1 AND id > ? ORDER BY id LIMIT ?`, afterID, limit); err != nil {
		return nil, fmt.Errorf("index: pending embeddings: %w", err)
	}
	return out, nil
}

// CountPending returns how many chunks still lack a current vector.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT count(*) FROM chunks WHERE needs_embedding = 1`); err != nil {
		return 0, fmt.Errorf("index: count pending: %w", err)
	}
	return n, nil
}

// ChunkVector is a freshly computed vector for a stored chunk.
type ChunkVector struct {
	ChunkID     int64
	ContentHash string
	Vector      []float32
}

// SetVectors stores vectors for pending chunks. A vector whose chunk changed
// content in the meantime is only cached, not attached.
func (db *DB) SetVectors(ctx context.Context, model string, vecs []ChunkVector) (int, error) {
	var n int
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, v := range vecs {
			var current string
			err := tx.GetContext(ctx, &current, `SELECT content_hash FROM chunks WHERE id = ?`, v.ChunkID)
			if err != nil || current != v.ContentHash {
				blob, serr := serializeVector(v.Vector)
				if serr != nil {
					return serr
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO embedding_cache (model, content_hash, dim, vector, created_at)
					VALUES (?, ?, ?, ?, ?)`, model, v.ContentHash, len(v.Vector), blob, time.Now().UTC()); err != nil {
					return fmt.Errorf("index: cache vector: %w", err)
				}
				continue
			}
			if err := putVectorTx(ctx, tx, v.ChunkID, v.ContentHash, model, v.Vector); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// MarkStaleVectors flags chunks whose vector was produced by a different
// model (or that have none and are not flagged yet). Returns the number of
// chunks newly flagged.
func (db *DB) MarkStaleVectors(ctx context.Context, model string) (int, error) {
	if model == "" {
		return 0, nil
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE chunks SET needs_embedding = 1
		WHERE needs_embedding = 0 AND (
			NOT EXISTS (SELECT 1 FROM chunk_vectors cv WHERE cv.chunk_id = chunks.id)
			OR EXISTS (SELECT 1 FROM chunk_vectors cv WHERE cv.chunk_id = chunks.id AND cv.model <> ?))`, model)
	if err != nil {
		return 0, fmt.Errorf("index: mark stale vectors: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
