package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetKV returns a bookkeeping value, or "" when unset.
func (db *DB) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := db.conn.GetContext(ctx, &v, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: get kv: %w", err)
	}
	return v, nil
}

// SetKV stores a bookkeeping value.
func (db *DB) SetKV(ctx context.Context, key, value string) error {
	if _, err := db.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("index: set kv: %w", err)
	}
	return nil
}

// ParseFailure is a file that could not be indexed.
type ParseFailure struct {
	Path        string    `db:"path" json:"path"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	Reason      string    `db:"reason" json:"reason"`
	FailedAt    time.Time `db:"failed_at" json:"failed_at"`
}

// RecordParseFailure stores why path failed. The row is left untouched when
// the same content already failed for the same reason, so repeated passes
// over a broken file do not write.
func (db *DB) RecordParseFailure(ctx context.Context, path, hash, reason string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO parse_failures (path, content_hash, reason, failed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash, reason = excluded.reason, failed_at = excluded.failed_at
		WHERE parse_failures.content_hash <> excluded.content_hash OR parse_failures.reason <> excluded.reason`,
		path, hash, reason, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("index: record parse failure: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearParseFailure forgets a previous failure for path.
func (db *DB) ClearParseFailure(ctx context.Context, path string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM parse_failures WHERE path = ?`, path); err != nil {
		return fmt.Errorf("index: clear parse failure: %w", err)
	}
	return nil
}

// ParseFailures lists recorded failures ordered by path.
func (db *DB) ParseFailures(ctx context.Context) ([]ParseFailure, error) {
	var out []ParseFailure
	if err := db.conn.SelectContext(ctx, &out, `
		SELECT path, content_hash, reason, failed_at FROM parse_failures ORDER BY path`); err != nil {
		return nil, fmt.Errorf("index: parse failures: %w", err)
	}
	return out, nil
}

// ParseFailurePaths returns every path with a recorded failure.
func (db *DB) ParseFailurePaths(ctx context.Context) ([]string, error) {
	var out []string
	if err := db.conn.SelectContext(ctx, &out, `SELECT path FROM parse_failures`); err != nil {
		return nil, fmt.Errorf("index: parse failure paths: %w", err)
	}
	return out, nil
}
