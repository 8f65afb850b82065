//go:build sqlite_fts5

package index

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/starford/ghostkb/internal/models"
)

// LexicalEngine names the lexical implementation compiled in.
const LexicalEngine = "fts5"

func initFTS(conn *sqlx.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			title,
			content,
			tags,
			tokenize = 'porter unicode61 remove_diacritics 2'
		);
	`)
	return err
}

// ftsDeleteEntry drops the lexical rows of every chunk of the entry.
func ftsDeleteEntry(ctx context.Context, tx *sqlx.Tx, entryID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks_fts WHERE rowid IN (SELECT id FROM chunks WHERE entry_id = ?)`, entryID); err != nil {
		return fmt.Errorf("index: delete fts rows: %w", err)
	}
	return nil
}

// ftsInsertEntry indexes the current chunk rows of e. The entry title is
// prepended to each chunk title so title matches rank every chunk.
func ftsInsertEntry(ctx context.Context, tx *sqlx.Tx, e models.Entry) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks_fts (rowid, title, content, tags)
		SELECT c.id, ? || ' ' || c.title, c.content, ? FROM chunks c WHERE c.entry_id = ?`,
		e.Title, strings.Join(e.Tags, " "), e.ID); err != nil {
		return fmt.Errorf("index: insert fts rows: %w", err)
	}
	return nil
}

// ftsOrphans returns lexical rows whose chunk no longer exists.
func (db *DB) ftsOrphans(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := db.conn.SelectContext(ctx, &ids, `
		SELECT rowid FROM chunks_fts WHERE rowid NOT IN (SELECT id FROM chunks)`)
	return ids, err
}

// ftsMissing returns chunks that have no lexical row.
func (db *DB) ftsMissing(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.conn.SelectContext(ctx, &ids, `
		SELECT DISTINCT entry_id FROM chunks WHERE id NOT IN (SELECT rowid FROM chunks_fts)`)
	return ids, err
}

func (db *DB) ftsDeleteRows(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := db.conn.ExecContext(ctx, `DELETE FROM chunks_fts WHERE rowid = ?`, id); err != nil {
			return fmt.Errorf("index: delete fts row: %w", err)
		}
	}
	return nil
}

// ftsDigest feeds the lexical rows into the snapshot.
func (db *DB) ftsDigest(ctx context.Context) ([]string, error) {
	var rows []string
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT c.entry_id || ':' || c.chunk_index || ':' || f.title || ':' || f.tags
		FROM chunks_fts f JOIN chunks c ON c.id = f.rowid
		ORDER BY c.entry_id, c.chunk_index`)
	return rows, err
}

// LexicalCandidates ranks chunks with FTS5 bm25. Query words are quoted and
// OR-ed so FTS syntax in user input is never interpreted.
func (db *DB) LexicalCandidates(ctx context.Context, query string, f Filter, limit int) ([]ChunkHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	q, args, err := sq.Select("c.id", "c.entry_id",
		"-bm25(chunks_fts, 5.0, 1.0, 2.0) AS score",
		"snippet(chunks_fts, 1, '', '', '…', 24) AS snippet").
		From("chunks_fts").
		Join("chunks c ON c.id = chunks_fts.rowid").
		Join("entries e ON e.id = c.entry_id").
		Where("chunks_fts MATCH ?", strings.Join(quoted, " OR ")).
		Where(f.where()).
		OrderBy("score DESC", "c.id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	var hits []ChunkHit
	if err := db.conn.SelectContext(ctx, &hits, q, args...); err != nil {
		return nil, fmt.Errorf("index: lexical candidates: %w", err)
	}
	return hits, nil
}
