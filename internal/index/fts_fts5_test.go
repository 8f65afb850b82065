//go:build sqlite_fts5

package index

import (
	"context"
	"testing"

	"github.com/starford/ghostkb/internal/models"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM chunks_fts`).Scan(&count); err != nil {
		t.Fatalf("chunks_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	e := entry("f", "shared/notes/fts.md", "FTS Note", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "The index provides powerful full-text search capabilities.")}})

	hits, err := db.LexicalCandidates(context.Background(), "powerful", Filter{}, 10)
	if err != nil {
		t.Fatalf("LexicalCandidates: %v", err)
	}
	if len(hits) != 1 || hits[0].EntryID != "f" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Snippet == "" || hits[0].Score <= 0 {
		t.Errorf("hit = %+v", hits[0])
	}
}

func TestFTS5_QuerySyntaxIsEscaped(t *testing.T) {
	db := testDB(t)
	apply(t, db, EntryWrite{Entry: entry("f", "shared/notes/f.md", "F", models.ScopeSharedNote, ""),
		Chunks: []models.Chunk{chunk(0, "near operators AND quotes")}})
	if _, err := db.LexicalCandidates(context.Background(), `NEAR("x" AND) *`, Filter{}, 10); err != nil {
		t.Fatalf("raw FTS syntax leaked into MATCH: %v", err)
	}
}

func TestFTS5_UpdateReplacesRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e := entry("f", "shared/notes/f.md", "F", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "vanishing content"), chunk(1, "second")}})
	apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "fresh content")}})

	if hits, _ := db.LexicalCandidates(ctx, "vanishing", Filter{}, 10); len(hits) != 0 {
		t.Errorf("stale lexical rows: %+v", hits)
	}
	if hits, _ := db.LexicalCandidates(ctx, "second", Filter{}, 10); len(hits) != 0 {
		t.Errorf("trimmed chunk still searchable: %+v", hits)
	}
	if orphans, _ := db.ftsOrphans(ctx); len(orphans) != 0 {
		t.Errorf("orphan rows = %v", orphans)
	}
}

func TestFTS5_DeleteRemovesRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	apply(t, db, EntryWrite{Entry: entry("g", "shared/notes/g.md", "G", models.ScopeSharedNote, ""),
		Chunks: []models.Chunk{chunk(0, "vanishing content")}})
	if _, err := db.DeleteEntry(ctx, "g"); err != nil {
		t.Fatal(err)
	}
	if hits, _ := db.LexicalCandidates(ctx, "vanishing", Filter{}, 10); len(hits) != 0 {
		t.Errorf("deleted entry still searchable: %+v", hits)
	}
}
