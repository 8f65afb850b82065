package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/models"
)

// GetEntry returns the entry with the given id.
func (db *DB) GetEntry(ctx context.Context, id string) (models.Entry, error) {
	return db.getEntry(ctx, sq.Eq{"e.id": id})
}

// GetEntryByPath returns the entry indexed at path.
func (db *DB) GetEntryByPath(ctx context.Context, path string) (models.Entry, error) {
	return db.getEntry(ctx, sq.Eq{"e.path": path})
}

func (db *DB) getEntry(ctx context.Context, where sq.Sqlizer) (models.Entry, error) {
	query, args, err := sq.Select(entryColumns).From("entries e").Where(where).Limit(1).ToSql()
	if err != nil {
		return models.Entry{}, err
	}
	var r entryRow
	if err := db.conn.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Entry{}, apperr.ErrNotFound
		}
		return models.Entry{}, fmt.Errorf("index: get entry: %w", err)
	}
	tags, err := db.Tags(ctx, r.ID)
	if err != nil {
		return models.Entry{}, err
	}
	return r.model(tags), nil
}

// EntryHashByPath returns the stored content hash for path, or "" when the
// path is not indexed.
func (db *DB) EntryHashByPath(ctx context.Context, path string) (string, error) {
	var h string
	err := db.conn.GetContext(ctx, &h, `SELECT content_hash FROM entries WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: entry hash: %w", err)
	}
	return h, nil
}

// AllPathHashes maps every indexed path under prefix to its content hash.
// An empty prefix returns the whole index.
func (db *DB) AllPathHashes(ctx context.Context, prefix string) (map[string]string, error) {
	b := sq.Select("path", "content_hash").From("entries")
	if prefix != "" {
		b = b.Where(sq.Like{"path": strings.TrimSuffix(prefix, "/") + "/%"})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Path string `db:"path"`
		Hash string `db:"content_hash"`
	}
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("index: path hashes: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Path] = r.Hash
	}
	return out, nil
}

// FindByTitle returns entries whose title matches case-insensitively,
// highest trust first.
func (db *DB) FindByTitle(ctx context.Context, title string) ([]models.Entry, error) {
	return db.listEntries(ctx, sq.Eq{"e.title_key": titleKey(title)})
}

// FindByTopicKey returns entries addressed by a long-form topic path such
// as "stdlib" or "stdlib/io.md".
func (db *DB) FindByTopicKey(ctx context.Context, key string) ([]models.Entry, error) {
	return db.listEntries(ctx, sq.Expr("e.topic_key = ? COLLATE NOCASE", strings.Trim(key, "/")))
}

// EntriesByIDs returns the entries with the given ids keyed by id.
func (db *DB) EntriesByIDs(ctx context.Context, ids []string) (map[string]models.Entry, error) {
	out := make(map[string]models.Entry, len(ids))
	for _, batch := range lo.Chunk(lo.Uniq(ids), 500) {
		list, err := db.listEntries(ctx, sq.Eq{"e.id": batch})
		if err != nil {
			return nil, err
		}
		for _, e := range list {
			out[e.ID] = e
		}
	}
	return out, nil
}

// Children returns entries whose parent is id.
func (db *DB) Children(ctx context.Context, id string) ([]models.Entry, error) {
	return db.listEntries(ctx, sq.Eq{"e.parent_id": id})
}

// EntriesByTag returns entries carrying tag, excluding the entry except.
func (db *DB) EntriesByTag(ctx context.Context, tag, except string, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := sq.Select(entryColumns).From("entries e").
		Join("tags t ON t.entry_id = e.id").
		Where(sq.Eq{"t.tag": tag}).
		Where(sq.NotEq{"e.id": except}).
		OrderBy("e.trust_score DESC", "e.updated_at DESC", "e.id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	return db.selectEntries(ctx, query, args...)
}

func (db *DB) listEntries(ctx context.Context, where sq.Sqlizer) ([]models.Entry, error) {
	query, args, err := sq.Select(entryColumns).From("entries e").Where(where).
		OrderBy("e.trust_score DESC", "e.updated_at DESC", "e.id ASC").ToSql()
	if err != nil {
		return nil, err
	}
	return db.selectEntries(ctx, query, args...)
}

func (db *DB) selectEntries(ctx context.Context, query string, args ...any) ([]models.Entry, error) {
	var rows []entryRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("index: list entries: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	tags, err := db.tagsFor(ctx, lo.Map(rows, func(r entryRow, _ int) string { return r.ID }))
	if err != nil {
		return nil, err
	}
	out := make([]models.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.model(tags[r.ID])
	}
	return out, nil
}

// Tags returns the tags of an entry in their stored order.
func (db *DB) Tags(ctx context.Context, entryID string) ([]string, error) {
	m, err := db.tagsFor(ctx, []string{entryID})
	if err != nil {
		return nil, err
	}
	return m[entryID], nil
}

func (db *DB) tagsFor(ctx context.Context, ids []string) (map[string][]string, error) {
	out := map[string][]string{}
	query, args, err := sq.Select("entry_id", "tag").From("tags").
		Where(sq.Eq{"entry_id": ids}).OrderBy("entry_id", "position").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		EntryID string `db:"entry_id"`
		Tag     string `db:"tag"`
	}
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("index: tags: %w", err)
	}
	for _, r := range rows {
		out[r.EntryID] = append(out[r.EntryID], r.Tag)
	}
	return out, nil
}

// Chunks returns the chunks of an entry ordered by index. Vectors are not
// loaded.
func (db *DB) Chunks(ctx context.Context, entryID string) ([]models.Chunk, error) {
	var rows []chunkRow
	if err := db.conn.SelectContext(ctx, &rows, `
		SELECT c.id, c.entry_id, c.chunk_index, c.title, c.content, c.content_hash,
		       c.needs_embedding, COALESCE(cv.model, '') AS model
		FROM chunks c LEFT JOIN chunk_vectors cv ON cv.chunk_id = c.id
		WHERE c.entry_id = ? ORDER BY c.chunk_index`, entryID); err != nil {
		return nil, fmt.Errorf("index: chunks: %w", err)
	}
	return lo.Map(rows, func(r chunkRow, _ int) models.Chunk { return r.model() }), nil
}

// OutgoingLinks returns the links written in an entry.
func (db *DB) OutgoingLinks(ctx context.Context, entryID string) ([]models.Link, error) {
	return db.selectLinks(ctx, `
		SELECT source_id, target_title, alias, target_id, policy_violation
		FROM links WHERE source_id = ? ORDER BY target_title, alias`, entryID)
}

// Backlinks returns resolved links that point at an entry.
func (db *DB) Backlinks(ctx context.Context, entryID string) ([]models.Link, error) {
	return db.selectLinks(ctx, `
		SELECT source_id, target_title, alias, target_id, policy_violation
		FROM links WHERE target_id = ? ORDER BY source_id, target_title, alias`, entryID)
}

func (db *DB) selectLinks(ctx context.Context, query string, args ...any) ([]models.Link, error) {
	var rows []linkRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("index: links: %w", err)
	}
	return lo.Map(rows, func(r linkRow, _ int) models.Link { return r.model() }), nil
}

// Topic returns the topic metadata stored for a descriptor entry, with its
// member files and the entry ids they are indexed under.
func (db *DB) Topic(ctx context.Context, descriptorID string) (models.Topic, error) {
	var row struct {
		EntryID    string       `db:"entry_id"`
		Name       string       `db:"name"`
		Scope      string       `db:"scope"`
		Owner      string       `db:"owner"`
		MaxAgeDays int          `db:"max_age_days"`
		FetchedAt  sql.NullTime `db:"fetched_at"`
		Sources    string       `db:"sources"`
	}
	err := db.conn.GetContext(ctx, &row, `
		SELECT entry_id, name, scope, owner, max_age_days, fetched_at, sources
		FROM topics WHERE entry_id = ?`, descriptorID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Topic{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Topic{}, fmt.Errorf("index: topic: %w", err)
	}
	t := models.Topic{
		Name:       row.Name,
		Scope:      models.Scope(row.Scope),
		Owner:      row.Owner,
		EntryID:    row.EntryID,
		MaxAgeDays: row.MaxAgeDays,
	}
	if row.FetchedAt.Valid {
		t.FetchedAt = row.FetchedAt.Time.UTC()
	}
	if err := decodeJSON(row.Sources, &t.Sources); err != nil {
		db.log.Warn("index: topic sources unreadable", slog.String("entry_id", descriptorID), slog.String("error", err.Error()))
	}
	if t.Files, err = db.RefFiles(ctx, t); err != nil {
		return models.Topic{}, err
	}
	return t, nil
}

// RefFiles lists the member files declared by a topic, joined with the
// member entries indexed in the same scope and owner.
func (db *DB) RefFiles(ctx context.Context, t models.Topic) ([]models.RefFile, error) {
	var rows []struct {
		Name       string       `db:"name"`
		Position   int          `db:"position"`
		SourceURL  string       `db:"source_url"`
		SourceType string       `db:"source_type"`
		FetchedAt  sql.NullTime `db:"fetched_at"`
		MaxAgeDays int          `db:"max_age_days"`
		Role       string       `db:"role"`
		Status     string       `db:"status"`
		EntryID    string       `db:"member_id"`
	}
	if err := db.conn.SelectContext(ctx, &rows, `
		SELECT rf.name, rf.position, rf.source_url, rf.source_type, rf.fetched_at,
		       rf.max_age_days, rf.role, rf.status, COALESCE(m.id, '') AS member_id
		FROM reference_files rf
		LEFT JOIN entries m ON m.topic_key = ? || '/' || rf.name
		     AND m.scope = ? AND m.owner = ? AND m.id <> rf.topic_entry_id
		WHERE rf.topic_entry_id = ?
		ORDER BY rf.position`, t.Name, string(t.Scope), t.Owner, t.EntryID); err != nil {
		return nil, fmt.Errorf("index: reference files: %w", err)
	}
	out := make([]models.RefFile, len(rows))
	for i, r := range rows {
		out[i] = models.RefFile{
			Name:       r.Name,
			Position:   r.Position,
			SourceURL:  r.SourceURL,
			SourceType: r.SourceType,
			MaxAgeDays: r.MaxAgeDays,
			Role:       r.Role,
			Status:     r.Status,
			EntryID:    r.EntryID,
		}
		if r.FetchedAt.Valid {
			out[i].FetchedAt = r.FetchedAt.Time.UTC()
		}
	}
	return out, nil
}

// TopicDescriptor returns the descriptor entry of a topic in a scope/owner.
func (db *DB) TopicDescriptor(ctx context.Context, scope models.Scope, owner, topic string) (models.Entry, error) {
	return db.getEntry(ctx, sq.And{
		sq.Eq{"e.entry_type": string(models.TypeReferenceTopic), "e.scope": string(scope), "e.owner": owner},
		sq.Expr("e.topic = ? COLLATE NOCASE", topic),
	})
}

// CountEntries returns the number of indexed entries.
func (db *DB) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT count(*) FROM entries`); err != nil {
		return 0, fmt.Errorf("index: count entries: %w", err)
	}
	return n, nil
}
