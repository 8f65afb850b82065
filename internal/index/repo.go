package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/starford/ghostkb/internal/links"
	"github.com/starford/ghostkb/internal/models"
)

// EntryWrite is everything the store needs to replace one entry.
type EntryWrite struct {
	Entry  models.Entry
	Chunks []models.Chunk // Vector set where an embedding is available
	Links  []links.Ref
	Topic  *models.Topic // topic descriptors only
	Model  string        // embedding model the chunk vectors belong to
}

// Applied summarises an ApplyEntry call.
type Applied struct {
	Created       bool
	ChunksWritten int
	ChunksKept    int
	Violations    []models.Link
}

// ApplyEntry replaces the entry, its chunk set, lexical rows, vectors, tags,
// links and topic metadata in one transaction, then re-resolves every link
// whose target may have changed because of this write.
func (db *DB) ApplyEntry(ctx context.Context, w EntryWrite) (Applied, error) {
	var out Applied
	e := w.Entry
	if err := models.CheckOwner(e.Scope, e.Owner); err != nil {
		return out, err
	}
	if e.ID == "" || e.Path == "" {
		return out, fmt.Errorf("index: apply entry: id and path are required")
	}

	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		affected := map[string]struct{}{}

		prev, err := entryKeysTx(ctx, tx, sq.Eq{"id": e.ID})
		if err != nil {
			return err
		}
		out.Created = prev == nil
		if prev != nil {
			prev.addTo(affected)
		}

		// A different entry previously indexed at this path is replaced.
		if other, err := entryKeysTx(ctx, tx, sq.And{sq.Eq{"path": e.Path}, sq.NotEq{"id": e.ID}}); err != nil {
			return err
		} else if other != nil {
			other.addTo(affected)
			if err := deleteEntryTx(ctx, tx, other.ID); err != nil {
				return err
			}
		}

		if err := upsertEntryTx(ctx, tx, e); err != nil {
			return err
		}
		(&entryKeys{ID: e.ID, TitleKey: titleKey(e.Title), TopicKey: e.TopicKey}).addTo(affected)

		if err := ftsDeleteEntry(ctx, tx, e.ID); err != nil {
			return err
		}
		written, kept, err := replaceChunksTx(ctx, tx, e.ID, w.Chunks, w.Model)
		if err != nil {
			return err
		}
		out.ChunksWritten, out.ChunksKept = written, kept
		if err := ftsInsertEntry(ctx, tx, e); err != nil {
			return err
		}
		if err := replaceTagsTx(ctx, tx, e.ID, e.Tags); err != nil {
			return err
		}
		if err := replaceLinksTx(ctx, tx, e, w.Links); err != nil {
			return err
		}
		if err := replaceTopicTx(ctx, tx, e, w.Topic); err != nil {
			return err
		}
		if err := reresolveTx(ctx, tx, e.ID, affected); err != nil {
			return err
		}

		var rows []linkRow
		if err := tx.SelectContext(ctx, &rows, `
			SELECT source_id, target_title, alias, target_id, policy_violation
			FROM links WHERE source_id = ? AND policy_violation = 1
			ORDER BY target_title, alias`, e.ID); err != nil {
			return fmt.Errorf("index: read violations: %w", err)
		}
		for _, r := range rows {
			out.Violations = append(out.Violations, r.model())
		}
		return nil
	})
	return out, err
}

// DeleteEntry removes an entry and everything hanging off it. Links that
// pointed at it become unresolved or move to another matching entry.
func (db *DB) DeleteEntry(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		keys, err := entryKeysTx(ctx, tx, sq.Eq{"id": id})
		if err != nil || keys == nil {
			return err
		}
		deleted = true
		if err := deleteEntryTx(ctx, tx, id); err != nil {
			return err
		}
		affected := map[string]struct{}{}
		keys.addTo(affected)
		return reresolveTx(ctx, tx, id, affected)
	})
	return deleted, err
}

// DeleteByPath removes the entry indexed at path, if any.
func (db *DB) DeleteByPath(ctx context.Context, path string) (string, error) {
	var id string
	err := db.conn.GetContext(ctx, &id, `SELECT id FROM entries WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: lookup path: %w", err)
	}
	if _, err := db.DeleteEntry(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

type entryKeys struct {
	ID       string `db:"id"`
	TitleKey string `db:"title_key"`
	TopicKey string `db:"topic_key"`
}

func (k *entryKeys) addTo(set map[string]struct{}) {
	if k.TitleKey != "" {
		set[k.TitleKey] = struct{}{}
	}
	if k.TopicKey != "" {
		set[titleKey(k.TopicKey)] = struct{}{}
	}
}

func entryKeysTx(ctx context.Context, tx *sqlx.Tx, where sq.Sqlizer) (*entryKeys, error) {
	query, args, err := sq.Select("id", "title_key", "topic_key").From("entries").Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var k entryKeys
	if err := tx.GetContext(ctx, &k, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("index: read entry keys: %w", err)
	}
	return &k, nil
}

func deleteEntryTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	if err := ftsDeleteEntry(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE links SET target_id = NULL WHERE target_id = ?`, id); err != nil {
		return fmt.Errorf("index: unlink deleted entry: %w", err)
	}
	return nil
}

func upsertEntryTx(ctx context.Context, tx *sqlx.Tx, e models.Entry) error {
	r := rowFromEntry(e)
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO entries (id, path, title, title_key, entry_type, archetype, scope, owner,
			trust_score, created_at, updated_at, content_hash, version, parent_id, topic,
			topic_key, creator_ghost, creator_model, meta)
		VALUES (:id, :path, :title, :title_key, :entry_type, :archetype, :scope, :owner,
			:trust_score, :created_at, :updated_at, :content_hash, :version, :parent_id, :topic,
			:topic_key, :creator_ghost, :creator_model, :meta)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path, title = excluded.title, title_key = excluded.title_key,
			entry_type = excluded.entry_type, archetype = excluded.archetype,
			scope = excluded.scope, owner = excluded.owner, trust_score = excluded.trust_score,
			created_at = excluded.created_at, updated_at = excluded.updated_at,
			content_hash = excluded.content_hash, version = excluded.version,
			parent_id = excluded.parent_id, topic = excluded.topic, topic_key = excluded.topic_key,
			creator_ghost = excluded.creator_ghost, creator_model = excluded.creator_model,
			meta = excluded.meta`,
		struct {
			entryRow
			TitleKey string `db:"title_key"`
		}{r, titleKey(e.Title)})
	if err != nil {
		return fmt.Errorf("index: upsert entry: %w", err)
	}
	return nil
}

// replaceChunksTx diffs the new chunk set against the stored one by
// ordinal. Rows whose content hash is unchanged are kept with their vector.
func replaceChunksTx(ctx context.Context, tx *sqlx.Tx, entryID string, chunks []models.Chunk, model string) (written, kept int, err error) {
	var existing []chunkRow
	if err := tx.SelectContext(ctx, &existing, `
		SELECT c.id, c.entry_id, c.chunk_index, c.title, c.content, c.content_hash,
		       c.needs_embedding, COALESCE(cv.model, '') AS model
		FROM chunks c LEFT JOIN chunk_vectors cv ON cv.chunk_id = c.id
		WHERE c.entry_id = ?`, entryID); err != nil {
		return 0, 0, fmt.Errorf("index: read chunks: %w", err)
	}
	byIndex := make(map[int]chunkRow, len(existing))
	for _, r := range existing {
		byIndex[r.Index] = r
	}

	for _, ch := range chunks {
		hasVec := len(ch.Vector) > 0 && model != ""
		old, ok := byIndex[ch.Index]
		switch {
		case ok && old.ContentHash == ch.ContentHash:
			kept++
			if hasVec && (old.NeedsEmbedding || old.Model != model) {
				if err := putVectorTx(ctx, tx, old.ID, ch.ContentHash, model, ch.Vector); err != nil {
					return 0, 0, err
				}
			}
			continue
		case ok:
			// Changed content: the previous vector stays until a new one
			// arrives, flagged for retry.
			if _, err := tx.ExecContext(ctx, `
				UPDATE chunks SET title = ?, content = ?, content_hash = ?, needs_embedding = 1
				WHERE id = ?`, ch.Title, ch.Content, ch.ContentHash, old.ID); err != nil {
				return 0, 0, fmt.Errorf("index: update chunk: %w", err)
			}
			ch.ID = old.ID
		default:
			res, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (entry_id, chunk_index, title, content, content_hash, needs_embedding)
				VALUES (?, ?, ?, ?, ?, 1)`, entryID, ch.Index, ch.Title, ch.Content, ch.ContentHash)
			if err != nil {
				return 0, 0, fmt.Errorf("index: insert chunk: %w", err)
			}
			if ch.ID, err = res.LastInsertId(); err != nil {
				return 0, 0, err
			}
		}
		written++
		if hasVec {
			if err := putVectorTx(ctx, tx, ch.ID, ch.ContentHash, model, ch.Vector); err != nil {
				return 0, 0, err
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE entry_id = ? AND chunk_index >= ?`, entryID, len(chunks)); err != nil {
		return 0, 0, fmt.Errorf("index: trim chunks: %w", err)
	}
	return written, kept, nil
}

func replaceTagsTx(ctx context.Context, tx *sqlx.Tx, entryID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("index: clear tags: %w", err)
	}
	for i, t := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (entry_id, tag, position) VALUES (?, ?, ?)`, entryID, t, i); err != nil {
			return fmt.Errorf("index: insert tag: %w", err)
		}
	}
	return nil
}

func replaceLinksTx(ctx context.Context, tx *sqlx.Tx, e models.Entry, refs []links.Ref) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_id = ?`, e.ID); err != nil {
		return fmt.Errorf("index: clear links: %w", err)
	}
	src := links.Endpoint{Scope: e.Scope, Owner: e.Owner}
	for _, r := range refs {
		key := titleKey(r.Title)
		target, violation, err := resolveTx(ctx, tx, src, key, r.LongForm())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO links (source_id, target_title, target_key, alias, target_id, policy_violation)
			VALUES (?, ?, ?, ?, ?, ?)`, e.ID, r.Title, key, r.Alias, nullString(target), violation); err != nil {
			return fmt.Errorf("index: insert link: %w", err)
		}
	}
	return nil
}

// resolveTx looks up candidates for a link key and applies the visibility
// policy.
func resolveTx(ctx context.Context, tx *sqlx.Tx, src links.Endpoint, key string, longForm bool) (string, bool, error) {
	query := `SELECT id, scope, owner, trust_score, updated_at FROM entries WHERE title_key = ?`
	if longForm {
		query = `SELECT id, scope, owner, trust_score, updated_at FROM entries WHERE topic_key = ? COLLATE NOCASE`
	}
	var rows []struct {
		ID         string    `db:"id"`
		Scope      string    `db:"scope"`
		Owner      string    `db:"owner"`
		TrustScore int       `db:"trust_score"`
		UpdatedAt  time.Time `db:"updated_at"`
	}
	if err := tx.SelectContext(ctx, &rows, query, key); err != nil {
		return "", false, fmt.Errorf("index: resolve link: %w", err)
	}
	cands := make([]links.Candidate, len(rows))
	for i, r := range rows {
		cands[i] = links.Candidate{ID: r.ID, Scope: models.Scope(r.Scope), Owner: r.Owner, TrustScore: r.TrustScore, UpdatedAt: r.UpdatedAt}
	}
	id, violation := links.Pick(src, cands)
	return id, violation, nil
}

// reresolveTx recomputes links, written by other entries, whose target key
// is in keys or that currently point at id.
func reresolveTx(ctx context.Context, tx *sqlx.Tx, id string, keys map[string]struct{}) error {
	keyList := make([]string, 0, len(keys))
	for k := range keys {
		keyList = append(keyList, k)
	}
	query, args, err := sq.Select("l.source_id", "l.target_title", "l.target_key", "l.alias",
		"COALESCE(l.target_id, '') AS target_id", "l.policy_violation", "e.scope", "e.owner").
		From("links l").
		Join("entries e ON e.id = l.source_id").
		Where(sq.NotEq{"l.source_id": id}).
		Where(sq.Or{sq.Eq{"l.target_key": keyList}, sq.Eq{"l.target_id": id}}).
		ToSql()
	if err != nil {
		return err
	}
	var rows []struct {
		SourceID    string `db:"source_id"`
		TargetTitle string `db:"target_title"`
		TargetKey   string `db:"target_key"`
		Alias       string `db:"alias"`
		TargetID    string `db:"target_id"`
		Violation   bool   `db:"policy_violation"`
		Scope       string `db:"scope"`
		Owner       string `db:"owner"`
	}
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("index: select links to re-resolve: %w", err)
	}
	for _, r := range rows {
		src := links.Endpoint{Scope: models.Scope(r.Scope), Owner: r.Owner}
		target, violation, err := resolveTx(ctx, tx, src, r.TargetKey, strings.Contains(r.TargetTitle, "/"))
		if err != nil {
			return err
		}
		if target == r.TargetID && violation == r.Violation {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE links SET target_id = ?, policy_violation = ?
			WHERE source_id = ? AND target_title = ? AND alias = ?`,
			nullString(target), violation, r.SourceID, r.TargetTitle, r.Alias); err != nil {
			return fmt.Errorf("index: update link: %w", err)
		}
	}
	return nil
}

func replaceTopicTx(ctx context.Context, tx *sqlx.Tx, e models.Entry, t *models.Topic) error {
	if t == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE entry_id = ?`, e.ID); err != nil {
			return fmt.Errorf("index: clear topic: %w", err)
		}
		return nil
	}
	sources, _ := json.Marshal(t.Sources)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topics (entry_id, name, scope, owner, max_age_days, fetched_at, sources)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			name = excluded.name, scope = excluded.scope, owner = excluded.owner,
			max_age_days = excluded.max_age_days, fetched_at = excluded.fetched_at,
			sources = excluded.sources`,
		e.ID, e.Topic, e.Scope, e.Owner, t.MaxAgeDays, nullTime(t.FetchedAt), string(sources)); err != nil {
		return fmt.Errorf("index: upsert topic: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_files WHERE topic_entry_id = ?`, e.ID); err != nil {
		return fmt.Errorf("index: clear reference files: %w", err)
	}
	for i, f := range t.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO reference_files (topic_entry_id, name, position, source_url,
				source_type, fetched_at, max_age_days, role, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, f.Name, i, f.SourceURL, f.SourceType, nullTime(f.FetchedAt), f.MaxAgeDays, f.Role, f.Status); err != nil {
			return fmt.Errorf("index: insert reference file: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
