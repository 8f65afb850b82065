//go:build !sqlite_fts5

package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/starford/ghostkb/internal/models"
)

// LexicalEngine names the lexical implementation compiled in.
const LexicalEngine = "bm25-go"

// maxFallbackCandidates bounds how many LIKE matches are scored in Go.
const maxFallbackCandidates = 2000

func initFTS(_ *sqlx.DB) error {
	// FTS5 not available; lexical ranking scores chunk rows in Go.
	return nil
}

func ftsDeleteEntry(_ context.Context, _ *sqlx.Tx, _ string) error { return nil }

func ftsInsertEntry(_ context.Context, _ *sqlx.Tx, _ models.Entry) error { return nil }

func (db *DB) ftsOrphans(_ context.Context) ([]int64, error) { return nil, nil }

func (db *DB) ftsMissing(_ context.Context) ([]string, error) { return nil, nil }

func (db *DB) ftsDeleteRows(_ context.Context, _ []int64) error { return nil }

func (db *DB) ftsDigest(_ context.Context) ([]string, error) { return nil, nil }

type fallbackRow struct {
	ID         int64  `db:"id"`
	EntryID    string `db:"entry_id"`
	Title      string `db:"title"`
	EntryTitle string `db:"entry_title"`
	Content    string `db:"content"`
}

// LexicalCandidates ranks chunks with BM25 computed in Go over the rows that
// contain at least one query term.
func (db *DB) LexicalCandidates(ctx context.Context, query string, f Filter, limit int) ([]ChunkHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	anyTerm := sq.Or{}
	for _, t := range terms {
		like := "%" + t + "%"
		anyTerm = append(anyTerm, sq.Like{"lower(c.content)": like}, sq.Like{"lower(c.title)": like}, sq.Like{"lower(e.title)": like})
	}
	q, args, err := sq.Select("c.id", "c.entry_id", "c.title", "e.title AS entry_title", "c.content").
		From("chunks c").
		Join("entries e ON e.id = c.entry_id").
		Where(anyTerm).
		Where(f.where()).
		OrderBy("c.id").
		Limit(maxFallbackCandidates).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []fallbackRow
	if err := db.conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("index: lexical candidates: %w", err)
	}
	hits := scoreBM25(rows, terms)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
	// titleBoost counts a title occurrence as this many body occurrences.
	titleBoost = 5
)

func scoreBM25(rows []fallbackRow, terms []string) []ChunkHit {
	if len(rows) == 0 {
		return nil
	}
	type doc struct {
		tf  map[string]int
		len int
	}
	docs := make([]doc, len(rows))
	df := map[string]int{}
	var total int
	for i, r := range rows {
		body := tokenize(r.Content)
		bodyTF := counts(body)
		titleTF := counts(tokenize(r.EntryTitle + " " + r.Title))
		d := doc{tf: map[string]int{}, len: len(body) + 1}
		for _, t := range terms {
			// Whole tokens only: "rust" must not score on "trust".
			n := bodyTF[t] + titleBoost*titleTF[t]
			if n > 0 {
				d.tf[t] = n
				df[t]++
			}
		}
		docs[i] = d
		total += d.len
	}
	avg := float64(total) / float64(len(rows))
	n := float64(len(rows))

	hits := make([]ChunkHit, 0, len(rows))
	for i, d := range docs {
		var score float64
		for t, tf := range d.tf {
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			f := float64(tf)
			score += idf * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(d.len)/avg))
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, ChunkHit{
			ChunkID: rows[i].ID,
			EntryID: rows[i].EntryID,
			Score:   score,
			Snippet: snippetAround(rows[i].Content, terms, 200),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return hits
}

func counts(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

// snippetAround returns about width bytes of text centred on the first term
// occurrence.
func snippetAround(text string, terms []string, width int) string {
	lower := strings.ToLower(text)
	pos := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 || len(text) <= width {
		if len(text) > width {
			return strings.ToValidUTF8(text[:width], "") + "…"
		}
		return text
	}
	start := max(0, pos-width/3)
	end := min(len(text), start+width)
	s := strings.ToValidUTF8(text[start:end], "")
	if start > 0 {
		s = "…" + s
	}
	if end < len(text) {
		s += "…"
	}
	return s
}
