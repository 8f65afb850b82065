package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/checksum"
	"github.com/starford/ghostkb/internal/links"
	"github.com/starford/ghostkb/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ghostkb-test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, path, title string, scope models.Scope, owner string) models.Entry {
	return models.Entry{
		ID:          id,
		Path:        path,
		Title:       title,
		Type:        models.TypeNote,
		Scope:       scope,
		Owner:       owner,
		TrustScore:  5,
		CreatedAt:   testTime,
		UpdatedAt:   testTime,
		ContentHash: checksum.SumString(id + title),
		Version:     1,
		Creator:     models.Creator{Ghost: "tester"},
	}
}

func chunk(i int, content string) models.Chunk {
	return models.Chunk{Index: i, Title: "c", Content: content, ContentHash: checksum.SumString(content)}
}

func apply(t *testing.T, db *DB, w EntryWrite) Applied {
	t.Helper()
	res, err := db.ApplyEntry(context.Background(), w)
	if err != nil {
		t.Fatalf("ApplyEntry(%s): %v", w.Entry.ID, err)
	}
	return res
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"entries", "chunks", "chunk_vectors", "embedding_cache", "tags", "links", "topics", "reference_files", "parse_failures", "kv"} {
		var n int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
	if _, err := db.VecVersion(context.Background()); err != nil {
		t.Fatalf("sqlite-vec not loaded: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e := entry("a", "shared/notes/a.md", "Alpha", models.ScopeSharedNote, "")
	if _, err := db.ApplyEntry(context.Background(), EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "alpha")}}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetEntry(context.Background(), "a"); err != nil {
		t.Fatalf("GetEntry after reopen: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}

func TestApplyAndLookup(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e := entry("a", "shared/notes/go/a.md", "Alpha", models.ScopeSharedNote, "")
	e.Tags = []string{"go", "go/concurrency"}
	e.Extra = map[string]any{"mood": "calm"}

	res := apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "one"), chunk(1, "two")}})
	if !res.Created || res.ChunksWritten != 2 {
		t.Fatalf("Applied = %+v", res)
	}

	got, err := db.GetEntry(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Alpha" || len(got.Tags) != 2 || got.Tags[0] != "go" {
		t.Errorf("entry = %+v", got)
	}
	if got.Extra["mood"] != "calm" {
		t.Errorf("extra lost: %v", got.Extra)
	}
	if !got.UpdatedAt.Equal(testTime) {
		t.Errorf("updated_at = %v", got.UpdatedAt)
	}

	h, _ := db.EntryHashByPath(ctx, "shared/notes/go/a.md")
	if h != e.ContentHash {
		t.Errorf("hash = %q", h)
	}
	all, _ := db.AllPathHashes(ctx, "shared/notes")
	if len(all) != 1 {
		t.Errorf("AllPathHashes = %v", all)
	}
	byTitle, _ := db.FindByTitle(ctx, "alpha")
	if len(byTitle) != 1 {
		t.Errorf("FindByTitle case-insensitive: %v", byTitle)
	}
	chunks, _ := db.Chunks(ctx, "a")
	if len(chunks) != 2 || !chunks[0].NeedsEmbedding {
		t.Errorf("chunks = %+v", chunks)
	}

	if _, err := db.GetEntry(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing entry err = %v", err)
	}
}

func TestApplyRejectsOwnerInvariant(t *testing.T) {
	db := testDB(t)
	e := entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, "kestrel")
	if _, err := db.ApplyEntry(context.Background(), EntryWrite{Entry: e}); !errors.Is(err, apperr.ErrScopeViolation) {
		t.Fatalf("err = %v, want scope violation", err)
	}
	e = entry("b", "ghosts/x/notes/b.md", "B", models.ScopeGhostNote, "")
	if _, err := db.ApplyEntry(context.Background(), EntryWrite{Entry: e}); !errors.Is(err, apperr.ErrScopeViolation) {
		t.Fatalf("err = %v, want scope violation", err)
	}
}

func TestUnchangedChunksKeepVectors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e := entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, "")
	c0, c1 := chunk(0, "stable"), chunk(1, "changing")
	c0.Vector, c1.Vector = []float32{1, 0}, []float32{0, 1}
	apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{c0, c1}, Model: "m"})

	before, _ := db.Chunks(ctx, "a")
	if before[0].NeedsEmbedding || before[0].EmbeddingModel != "m" {
		t.Fatalf("vector not stored: %+v", before[0])
	}

	// Second write: chunk 0 identical, chunk 1 changed without a vector.
	c1b := chunk(1, "changed")
	res := apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "stable"), c1b}, Model: "m"})
	if res.ChunksKept != 1 || res.ChunksWritten != 1 {
		t.Fatalf("Applied = %+v", res)
	}
	after, _ := db.Chunks(ctx, "a")
	if after[0].ID != before[0].ID || after[0].NeedsEmbedding {
		t.Errorf("unchanged chunk rewritten: %+v", after[0])
	}
	if !after[1].NeedsEmbedding {
		t.Errorf("changed chunk not flagged: %+v", after[1])
	}

	cached, err := db.CachedVectors(ctx, "m", []string{c0.ContentHash, c1.ContentHash, c1b.ContentHash})
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Errorf("cache = %d vectors, want 2", len(cached))
	}
	if v := cached[c0.ContentHash]; len(v) != 2 || v[0] != 1 {
		t.Errorf("cached vector = %v", v)
	}

	pending, _ := db.PendingEmbeddings(ctx, 0, 10)
	if len(pending) != 1 || pending[0].ContentHash != c1b.ContentHash {
		t.Fatalf("pending = %+v", pending)
	}
	n, err := db.SetVectors(ctx, "m", []ChunkVector{{ChunkID: pending[0].ChunkID, ContentHash: c1b.ContentHash, Vector: []float32{0.5, 0.5}}})
	if err != nil || n != 1 {
		t.Fatalf("SetVectors = %d, %v", n, err)
	}
	if left, _ := db.CountPending(ctx); left != 0 {
		t.Errorf("pending after SetVectors = %d", left)
	}
}

func TestShrinkingEntryDropsTrailingChunks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e := entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "x"), chunk(1, "y"), chunk(2, "z")}})
	apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "x")}})
	chunks, _ := db.Chunks(ctx, "a")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	found, err := db.Inconsistencies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("inconsistencies after shrink: %+v", found)
	}
}

func TestLinkResolutionScopes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	private := entry("p", "ghosts/kestrel/notes/p.md", "Secret Plan", models.ScopeGhostNote, "kestrel")
	apply(t, db, EntryWrite{Entry: private, Chunks: []models.Chunk{chunk(0, "p")}})

	shared := entry("s", "shared/notes/s.md", "Public", models.ScopeSharedNote, "")
	res := apply(t, db, EntryWrite{Entry: shared, Chunks: []models.Chunk{chunk(0, "s")},
		Links: []links.Ref{{Title: "Secret Plan"}}})
	if len(res.Violations) != 1 {
		t.Fatalf("violations = %+v", res.Violations)
	}
	out, _ := db.OutgoingLinks(ctx, "s")
	if len(out) != 1 || out[0].Resolved() || !out[0].PolicyViolation {
		t.Errorf("shared link into private resolved: %+v", out)
	}

	owner := entry("o", "ghosts/kestrel/notes/o.md", "Mine", models.ScopeGhostNote, "kestrel")
	apply(t, db, EntryWrite{Entry: owner, Chunks: []models.Chunk{chunk(0, "o")}, Links: []links.Ref{{Title: "secret plan"}}})
	out, _ = db.OutgoingLinks(ctx, "o")
	if len(out) != 1 || out[0].TargetID != "p" {
		t.Errorf("owner link = %+v", out)
	}

	other := entry("x", "ghosts/wren/notes/x.md", "Other", models.ScopeGhostNote, "wren")
	res = apply(t, db, EntryWrite{Entry: other, Chunks: []models.Chunk{chunk(0, "x")}, Links: []links.Ref{{Title: "Secret Plan"}}})
	out, _ = db.OutgoingLinks(ctx, "x")
	if len(out) != 1 || out[0].Resolved() || len(res.Violations) != 0 {
		t.Errorf("cross-ghost link = %+v", out)
	}

	back, _ := db.Backlinks(ctx, "p")
	if len(back) != 1 || back[0].SourceID != "o" {
		t.Errorf("backlinks = %+v", back)
	}
}

func TestLinkReresolutionOnCreateAndDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	src := entry("src", "shared/notes/src.md", "Source", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: src, Chunks: []models.Chunk{chunk(0, "s")}, Links: []links.Ref{{Title: "Target"}}})
	out, _ := db.OutgoingLinks(ctx, "src")
	if out[0].Resolved() {
		t.Fatal("link resolved before target exists")
	}

	low := entry("t1", "shared/notes/t1.md", "Target", models.ScopeSharedNote, "")
	low.TrustScore = 3
	apply(t, db, EntryWrite{Entry: low, Chunks: []models.Chunk{chunk(0, "t1")}})
	out, _ = db.OutgoingLinks(ctx, "src")
	if out[0].TargetID != "t1" {
		t.Fatalf("after create target = %q", out[0].TargetID)
	}

	high := entry("t2", "shared/notes/t2.md", "Target", models.ScopeSharedNote, "")
	high.TrustScore = 8
	apply(t, db, EntryWrite{Entry: high, Chunks: []models.Chunk{chunk(0, "t2")}})
	out, _ = db.OutgoingLinks(ctx, "src")
	if out[0].TargetID != "t2" {
		t.Fatalf("higher trust should win, got %q", out[0].TargetID)
	}

	if ok, err := db.DeleteEntry(ctx, "t2"); err != nil || !ok {
		t.Fatalf("DeleteEntry = %v, %v", ok, err)
	}
	out, _ = db.OutgoingLinks(ctx, "src")
	if out[0].TargetID != "t1" {
		t.Errorf("after delete target = %q, want fallback t1", out[0].TargetID)
	}

	if _, err := db.DeleteByPath(ctx, "shared/notes/t1.md"); err != nil {
		t.Fatal(err)
	}
	out, _ = db.OutgoingLinks(ctx, "src")
	if out[0].Resolved() {
		t.Errorf("link still resolved after all targets deleted: %+v", out[0])
	}
}

func TestLongFormLinkResolvesTopicMember(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	desc := entry("d", "shared/reference/stdlib/_topic.md", "Stdlib", models.ScopeSharedReference, "")
	desc.Type, desc.Topic, desc.TopicKey = models.TypeReferenceTopic, "stdlib", "stdlib"
	apply(t, db, EntryWrite{Entry: desc, Chunks: []models.Chunk{chunk(0, "d")}, Topic: &models.Topic{
		Name:       "stdlib",
		MaxAgeDays: 30,
		Files:      []models.RefFile{{Name: "io.md", SourceURL: "https://example.com/io", FetchedAt: testTime}},
	}})
	member := entry("m", "shared/reference/stdlib/io.md", "io.md", models.ScopeSharedReference, "")
	member.Type, member.Topic, member.TopicKey = models.TypeReferenceDocs, "stdlib", "stdlib/io.md"
	apply(t, db, EntryWrite{Entry: member, Chunks: []models.Chunk{chunk(0, "m")}})

	note := entry("n", "shared/notes/n.md", "N", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: note, Chunks: []models.Chunk{chunk(0, "n")}, Links: []links.Ref{{Title: "stdlib/IO.md"}}})
	out, _ := db.OutgoingLinks(ctx, "n")
	if out[0].TargetID != "m" {
		t.Errorf("long-form link = %+v", out[0])
	}

	topic, err := db.Topic(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if len(topic.Files) != 1 || topic.Files[0].EntryID != "m" || topic.Files[0].SourceURL == "" {
		t.Errorf("topic files = %+v", topic.Files)
	}
	got, err := db.TopicDescriptor(ctx, models.ScopeSharedReference, "", "stdlib")
	if err != nil || got.ID != "d" {
		t.Errorf("TopicDescriptor = %v, %v", got.ID, err)
	}
}

func TestMovedEntryReplacesPath(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	old := entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: old, Chunks: []models.Chunk{chunk(0, "a")}})

	// A different id now claims the same path.
	repl := entry("b", "shared/notes/a.md", "B", models.ScopeSharedNote, "")
	apply(t, db, EntryWrite{Entry: repl, Chunks: []models.Chunk{chunk(0, "b")}})
	if _, err := db.GetEntry(ctx, "a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old entry still present: %v", err)
	}
}

func TestFilterVisibility(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	mk := func(id, path string, scope models.Scope, owner string) {
		e := entry(id, path, "Gardening "+id, scope, owner)
		c := chunk(0, "tomato gardening notes for "+id)
		c.Vector = []float32{1, 0, 0}
		apply(t, db, EntryWrite{Entry: e, Chunks: []models.Chunk{c}, Model: "m"})
	}
	mk("s", "shared/notes/s.md", models.ScopeSharedNote, "")
	mk("k", "ghosts/kestrel/notes/k.md", models.ScopeGhostNote, "kestrel")
	mk("w", "ghosts/wren/notes/w.md", models.ScopeGhostNote, "wren")

	ids := func(hits []ChunkHit) map[string]bool {
		m := map[string]bool{}
		for _, h := range hits {
			m[h.EntryID] = true
		}
		return m
	}

	dense, err := db.DenseCandidates(ctx, []float32{1, 0, 0}, "m", Filter{Viewer: "kestrel"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(dense)
	if !got["s"] || !got["k"] || got["w"] {
		t.Errorf("dense visibility for kestrel = %v", got)
	}

	lex, err := db.LexicalCandidates(ctx, "tomato", Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	got = ids(lex)
	if !got["s"] || got["k"] || got["w"] {
		t.Errorf("lexical visibility for anonymous = %v", got)
	}

	lex, _ = db.LexicalCandidates(ctx, "tomato", Filter{Viewer: "wren", Scopes: []models.Scope{models.ScopeGhostNote}}, 10)
	got = ids(lex)
	if len(got) != 1 || !got["w"] {
		t.Errorf("scope filter = %v", got)
	}

	other, _ := db.DenseCandidates(ctx, []float32{1, 0, 0}, "other-model", Filter{}, 10)
	if len(other) != 0 {
		t.Errorf("vectors of another model compared: %v", other)
	}
}

func TestDenseOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	vecs := map[string][]float32{"near": {1, 0.1}, "far": {0, 1}, "mid": {1, 1}}
	for id, v := range vecs {
		c := chunk(0, id)
		c.Vector = v
		apply(t, db, EntryWrite{Entry: entry(id, "shared/notes/"+id+".md", id, models.ScopeSharedNote, ""), Chunks: []models.Chunk{c}, Model: "m"})
	}
	hits, err := db.DenseCandidates(ctx, []float32{1, 0}, "m", Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 || hits[0].EntryID != "near" || hits[1].EntryID != "mid" || hits[2].EntryID != "far" {
		t.Errorf("dense order = %+v", hits)
	}
}

func TestSnapshotStableAcrossNoopWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e := entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, "")
	w := EntryWrite{Entry: e, Chunks: []models.Chunk{chunk(0, "a")}, Links: []links.Ref{{Title: "Nowhere"}}}
	apply(t, db, w)
	first, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	apply(t, db, w)
	second, _ := db.Snapshot(ctx)
	if first != second {
		t.Error("re-applying identical entry changed the snapshot")
	}
}

func TestParseFailureLedger(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	changed, err := db.RecordParseFailure(ctx, "shared/notes/bad.md", "h1", "missing id")
	if err != nil || !changed {
		t.Fatalf("first record = %v, %v", changed, err)
	}
	changed, _ = db.RecordParseFailure(ctx, "shared/notes/bad.md", "h1", "missing id")
	if changed {
		t.Error("identical failure rewritten")
	}
	changed, _ = db.RecordParseFailure(ctx, "shared/notes/bad.md", "h2", "missing id")
	if !changed {
		t.Error("new content hash not recorded")
	}
	list, _ := db.ParseFailures(ctx)
	if len(list) != 1 || list[0].ContentHash != "h2" {
		t.Errorf("failures = %+v", list)
	}
	if err := db.ClearParseFailure(ctx, "shared/notes/bad.md"); err != nil {
		t.Fatal(err)
	}
	if paths, _ := db.ParseFailurePaths(ctx); len(paths) != 0 {
		t.Errorf("paths after clear = %v", paths)
	}
}

func TestKV(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if v, _ := db.GetKV(ctx, "k"); v != "" {
		t.Errorf("unset = %q", v)
	}
	_ = db.SetKV(ctx, "k", "1")
	_ = db.SetKV(ctx, "k", "2")
	if v, _ := db.GetKV(ctx, "k"); v != "2" {
		t.Errorf("value = %q", v)
	}
}

func TestRepairUnflaggedChunk(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := chunk(0, "a")
	c.Vector = []float32{1}
	apply(t, db, EntryWrite{Entry: entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, ""), Chunks: []models.Chunk{c}, Model: "m"})
	if _, err := db.conn.Exec(`DELETE FROM chunk_vectors`); err != nil {
		t.Fatal(err)
	}

	found, err := db.Inconsistencies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Kind != KindUnflagged {
		t.Fatalf("found = %+v", found)
	}
	reindex, err := db.Repair(ctx, found)
	if err != nil || len(reindex) != 0 {
		t.Fatalf("Repair = %v, %v", reindex, err)
	}
	if n, _ := db.CountPending(ctx); n != 1 {
		t.Errorf("pending after repair = %d", n)
	}
}

func TestPurgeEntryIndexForcesReindex(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	apply(t, db, EntryWrite{Entry: entry("a", "shared/notes/a.md", "A", models.ScopeSharedNote, ""), Chunks: []models.Chunk{chunk(0, "a")}})
	if err := db.PurgeEntryIndex(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if h, _ := db.EntryHashByPath(ctx, "shared/notes/a.md"); h != "" {
		t.Errorf("hash after purge = %q", h)
	}
	found, _ := db.Inconsistencies(ctx)
	if len(found) != 1 || found[0].Kind != KindNoChunks {
		t.Errorf("found = %+v", found)
	}
}
