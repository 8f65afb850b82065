package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Inconsistency is one integrity problem found in the index.
type Inconsistency struct {
	Kind    string `json:"kind"`
	EntryID string `json:"entry_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

const (
	KindOrphanChunk    = "orphan_chunk"
	KindOrphanVector   = "orphan_vector"
	KindOrphanLexical  = "orphan_lexical"
	KindMissingLexical = "missing_lexical"
	KindNoChunks       = "entry_without_chunks"
	KindUnflagged      = "chunk_without_vector"
)

// Inconsistencies scans the index for rows that no transactional write
// should leave behind. Interrupted external tooling or manual edits of the
// database are the usual cause.
func (db *DB) Inconsistencies(ctx context.Context) ([]Inconsistency, error) {
	var out []Inconsistency

	var orphanChunks []string
	if err := db.conn.SelectContext(ctx, &orphanChunks, `
		SELECT DISTINCT entry_id FROM chunks WHERE entry_id NOT IN (SELECT id FROM entries)`); err != nil {
		return nil, fmt.Errorf("index: scan orphan chunks: %w", err)
	}
	for _, id := range orphanChunks {
		out = append(out, Inconsistency{Kind: KindOrphanChunk, EntryID: id})
	}

	var orphanVectors int
	if err := db.conn.GetContext(ctx, &orphanVectors, `
		SELECT count(*) FROM chunk_vectors WHERE chunk_id NOT IN (SELECT id FROM chunks)`); err != nil {
		return nil, fmt.Errorf("index: scan orphan vectors: %w", err)
	}
	if orphanVectors > 0 {
		out = append(out, Inconsistency{Kind: KindOrphanVector, Detail: fmt.Sprintf("%d rows", orphanVectors)})
	}

	lexical, err := db.ftsOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: scan lexical rows: %w", err)
	}
	if len(lexical) > 0 {
		out = append(out, Inconsistency{Kind: KindOrphanLexical, Detail: fmt.Sprintf("%d rows", len(lexical))})
	}
	missing, err := db.ftsMissing(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: scan lexical coverage: %w", err)
	}
	for _, id := range missing {
		out = append(out, Inconsistency{Kind: KindMissingLexical, EntryID: id})
	}

	var empty []string
	if err := db.conn.SelectContext(ctx, &empty, `
		SELECT id FROM entries WHERE id NOT IN (SELECT DISTINCT entry_id FROM chunks)`); err != nil {
		return nil, fmt.Errorf("index: scan empty entries: %w", err)
	}
	for _, id := range empty {
		out = append(out, Inconsistency{Kind: KindNoChunks, EntryID: id})
	}

	var unflagged []string
	if err := db.conn.SelectContext(ctx, &unflagged, `
		SELECT DISTINCT entry_id FROM chunks
		WHERE needs_embedding = 0 AND id NOT IN (SELECT chunk_id FROM chunk_vectors)`); err != nil {
		return nil, fmt.Errorf("index: scan unflagged chunks: %w", err)
	}
	for _, id := range unflagged {
		out = append(out, Inconsistency{Kind: KindUnflagged, EntryID: id})
	}
	return out, nil
}

// Repair fixes what can be fixed in place and returns the entry ids that
// must be re-indexed from their files.
func (db *DB) Repair(ctx context.Context, found []Inconsistency) ([]string, error) {
	var reindex []string
	for _, inc := range found {
		switch inc.Kind {
		case KindOrphanChunk:
			if _, err := db.conn.ExecContext(ctx, `DELETE FROM chunks WHERE entry_id = ?`, inc.EntryID); err != nil {
				return nil, fmt.Errorf("index: repair orphan chunks: %w", err)
			}
		case KindOrphanVector:
			if _, err := db.conn.ExecContext(ctx, `
				DELETE FROM chunk_vectors WHERE chunk_id NOT IN (SELECT id FROM chunks)`); err != nil {
				return nil, fmt.Errorf("index: repair orphan vectors: %w", err)
			}
		case KindOrphanLexical:
			ids, err := db.ftsOrphans(ctx)
			if err != nil {
				return nil, err
			}
			if err := db.ftsDeleteRows(ctx, ids); err != nil {
				return nil, err
			}
		case KindUnflagged:
			if _, err := db.conn.ExecContext(ctx, `
				UPDATE chunks SET needs_embedding = 1
				WHERE entry_id = ? AND id NOT IN (SELECT chunk_id FROM chunk_vectors)`, inc.EntryID); err != nil {
				return nil, fmt.Errorf("index: repair embedding flags: %w", err)
			}
		case KindMissingLexical, KindNoChunks:
			if err := db.PurgeEntryIndex(ctx, inc.EntryID); err != nil {
				return nil, err
			}
			reindex = append(reindex, inc.EntryID)
		}
	}
	return reindex, nil
}

// PurgeEntryIndex drops the derived rows of one entry and resets its content
// hash so the next pass re-indexes the file. Tags, links and topic metadata
// are left to be replaced by that pass.
func (db *DB) PurgeEntryIndex(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := ftsDeleteEntry(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE entry_id = ?`, id); err != nil {
			return fmt.Errorf("index: purge chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE entries SET content_hash = '' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("index: reset entry hash: %w", err)
		}
		return nil
	})
}

// Snapshot returns a digest of every indexed row that reconciliation owns.
// Two snapshots are equal iff a pass between them wrote nothing observable.
// Bookkeeping (kv, failure timestamps) is excluded.
func (db *DB) Snapshot(ctx context.Context) (string, error) {
	queries := []string{
		`SELECT id || '|' || path || '|' || title || '|' || entry_type || '|' || archetype || '|' ||
			scope || '|' || owner || '|' || trust_score || '|' || content_hash || '|' || version || '|' ||
			parent_id || '|' || topic_key || '|' || meta || '|' || created_at || '|' || updated_at
		 FROM entries`,
		`SELECT id || '|' || entry_id || '|' || chunk_index || '|' || content_hash || '|' || needs_embedding FROM chunks`,
		`SELECT chunk_id || '|' || model || '|' || dim || '|' || hex(vector) FROM chunk_vectors`,
		`SELECT model || '|' || content_hash FROM embedding_cache`,
		`SELECT entry_id || '|' || tag || '|' || position FROM tags`,
		`SELECT source_id || '|' || target_title || '|' || alias || '|' || COALESCE(target_id, '-') || '|' || policy_violation FROM links`,
		`SELECT entry_id || '|' || name || '|' || max_age_days || '|' || sources FROM topics`,
		`SELECT topic_entry_id || '|' || name || '|' || position || '|' || source_url || '|' || status FROM reference_files`,
		`SELECT path || '|' || content_hash || '|' || reason FROM parse_failures`,
	}
	h := sha256.New()
	for _, q := range queries {
		var rows []string
		if err := db.conn.SelectContext(ctx, &rows, q); err != nil {
			return "", fmt.Errorf("index: snapshot: %w", err)
		}
		sort.Strings(rows)
		fmt.Fprintln(h, strings.Join(rows, "\n"))
	}
	lexical, err := db.ftsDigest(ctx)
	if err != nil {
		return "", fmt.Errorf("index: snapshot lexical: %w", err)
	}
	fmt.Fprintln(h, strings.Join(lexical, "\n"))
	return hex.EncodeToString(h.Sum(nil)), nil
}
