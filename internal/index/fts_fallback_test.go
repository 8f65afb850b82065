//go:build !sqlite_fts5

package index

import (
	"context"
	"strings"
	"testing"

	"github.com/starford/ghostkb/internal/models"
)

func TestFallback_RanksByTermFrequency(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	apply(t, db, EntryWrite{Entry: entry("once", "shared/notes/once.md", "Once", models.ScopeSharedNote, ""),
		Chunks: []models.Chunk{chunk(0, "a raft is mentioned here among many other unrelated words in a long text")}})
	apply(t, db, EntryWrite{Entry: entry("many", "shared/notes/many.md", "Raft", models.ScopeSharedNote, ""),
		Chunks: []models.Chunk{chunk(0, "raft raft consensus")}})

	hits, err := db.LexicalCandidates(ctx, "raft", Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].EntryID != "many" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Snippet == "" {
		t.Error("empty snippet")
	}
}

func TestFallback_MatchesWholeWordsOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	apply(t, db, EntryWrite{Entry: entry("trust", "shared/notes/trust.md", "Trust scores", models.ScopeSharedNote, ""),
		Chunks: []models.Chunk{chunk(0, "trust is earned through validation and trustworthy sources")}})
	apply(t, db, EntryWrite{Entry: entry("rust", "shared/notes/rust.md", "Ownership", models.ScopeSharedNote, ""),
		Chunks: []models.Chunk{chunk(0, "rust ownership rules prevent data races")}})

	hits, err := db.LexicalCandidates(ctx, "rust", Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].EntryID != "rust" {
		t.Fatalf("hits = %+v, want only the rust entry", hits)
	}
}

func TestSnippetAround(t *testing.T) {
	long := strings.Repeat("filler ", 50)
	long += "needle " + long
	s := snippetAround(long, []string{"needle"}, 60)
	if len(s) > 70 || !strings.Contains(s, "needle") {
		t.Errorf("snippet = %q", s)
	}
}
