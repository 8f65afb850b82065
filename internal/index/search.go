package index

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	sq "github.com/Masterminds/squirrel"

	"github.com/starford/ghostkb/internal/models"
)

// Filter restricts candidate queries. Visibility is always applied: shared
// scopes for everyone, ghost scopes only for their owner.
type Filter struct {
	Viewer    string
	Scopes    []models.Scope
	Types     []models.EntryType
	Topic     string
	Archetype models.Archetype
	Tag       string
}

// where compiles the filter against the entries alias "e".
func (f Filter) where() sq.Sqlizer {
	var shared, private []string
	for _, s := range models.AllScopes {
		if s.Shared() {
			shared = append(shared, string(s))
		} else {
			private = append(private, string(s))
		}
	}
	visible := sq.Or{sq.Eq{"e.scope": shared}}
	if f.Viewer != "" {
		visible = append(visible, sq.And{sq.Eq{"e.scope": private}, sq.Eq{"e.owner": f.Viewer}})
	}
	cond := sq.And{visible}
	if len(f.Scopes) > 0 {
		cond = append(cond, sq.Eq{"e.scope": scopeStrings(f.Scopes)})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		cond = append(cond, sq.Eq{"e.entry_type": types})
	}
	if f.Topic != "" {
		cond = append(cond, sq.Eq{"e.topic": f.Topic})
	}
	if f.Archetype != "" {
		cond = append(cond, sq.Eq{"e.archetype": string(f.Archetype)})
	}
	if f.Tag != "" {
		cond = append(cond, sq.Expr(`EXISTS (SELECT 1 FROM tags t WHERE t.entry_id = e.id AND (t.tag = ? OR t.tag LIKE ?))`,
			f.Tag, f.Tag+"/%"))
	}
	return cond
}

func scopeStrings(scopes []models.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// ChunkHit is one ranked chunk from a candidate query.
type ChunkHit struct {
	ChunkID int64   `db:"id"`
	EntryID string  `db:"entry_id"`
	Score   float64 `db:"score"`
	Snippet string  `db:"snippet"`
}

// DenseCandidates ranks chunks by cosine similarity to vec using
// sqlite-vec. Only vectors produced by model with the same dimension are
// compared.
func (db *DB) DenseCandidates(ctx context.Context, vec []float32, model string, f Filter, limit int) ([]ChunkHit, error) {
	if len(vec) == 0 || model == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	blob, err := serializeVector(vec)
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("c.id", "c.entry_id").
		Column(sq.Expr("1.0 - vec_distance_cosine(cv.vector, ?) AS score", blob)).
		Column("substr(c.content, 1, 240) AS snippet").
		From("chunk_vectors cv").
		Join("chunks c ON c.id = cv.chunk_id").
		Join("entries e ON e.id = c.entry_id").
		Where(sq.Eq{"cv.model": model, "cv.dim": len(vec)}).
		Where(f.where()).
		OrderBy("score DESC", "c.id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	var hits []ChunkHit
	if err := db.conn.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, fmt.Errorf("index: dense candidates: %w", err)
	}
	return hits, nil
}

// queryTerms splits free text into lowercase word terms.
func queryTerms(q string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range tokenize(q) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// tokenize lowercases s and splits it into letter and digit runs, keeping
// duplicates.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
