// Package index is the SQLite-backed Index Store: entries, chunks, lexical
// and dense indexes, tags, link edges, reference topic metadata and
// reconciliation bookkeeping. Every per-entry write is one transaction.
package index

import (
	"context"
	"fmt"
	"log/slog"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Registers vec_* functions on every connection opened afterwards.
	sqlite_vec.Auto()
}

// DB wraps a sqlx.DB with index-specific operations.
type DB struct {
	conn *sqlx.DB
	log  *slog.Logger
}

// Open opens (or creates) the SQLite database, applies migrations and the
// lexical index schema.
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if err := migrateUp(conn.DB); err != nil {
		conn.Close()
		return nil, err
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	return &DB{conn: conn, log: slog.Default()}, nil
}

// SetLogger replaces the logger used for non-fatal index warnings.
func (db *DB) SetLogger(l *slog.Logger) {
	if l != nil {
		db.log = l
	}
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// VecVersion reports the loaded sqlite-vec version; it doubles as a check
// that the extension is registered.
func (db *DB) VecVersion(ctx context.Context) (string, error) {
	var v string
	if err := db.conn.GetContext(ctx, &v, `SELECT vec_version()`); err != nil {
		return "", fmt.Errorf("index: vec_version: %w", err)
	}
	return v, nil
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}
