package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/checksum"
	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/links"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/testutil"
)

// fixedProvider returns a fixed vector per text.
type fixedProvider struct {
	vecs  map[string][]float32
	fail  bool
	calls int
}

func (p *fixedProvider) Model() string  { return "fixed" }
func (p *fixedProvider) Dimension() int { return 2 }
func (p *fixedProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.fail {
		return nil, apperr.ErrEmbeddingUnavailable
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vecs[t]
	}
	return out, nil
}

var base = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type doc struct {
	id, title, content string
	scope              models.Scope
	owner              string
	trust              int
	vec                []float32
	tags               []string
	parent             string
	links              []string
}

func seed(t *testing.T, db *index.DB, docs ...doc) {
	t.Helper()
	for _, d := range docs {
		if d.scope == "" {
			d.scope = models.ScopeSharedNote
		}
		dir := "shared/notes/"
		if d.owner != "" {
			dir = "ghosts/" + d.owner + "/notes/"
		}
		e := models.Entry{
			ID: d.id, Path: dir + d.id + ".md", Title: d.title, Type: models.TypeNote,
			Scope: d.scope, Owner: d.owner, TrustScore: d.trust, Tags: d.tags, ParentID: d.parent,
			CreatedAt: base, UpdatedAt: base, ContentHash: checksum.SumString(d.id), Version: 1,
		}
		c := models.Chunk{Index: 0, Title: d.title, Content: d.content, ContentHash: checksum.SumString(d.content), Vector: d.vec}
		var refs []links.Ref
		for _, l := range d.links {
			refs = append(refs, links.Ref{Title: l})
		}
		_, err := db.ApplyEntry(context.Background(), index.EntryWrite{Entry: e, Chunks: []models.Chunk{c}, Links: refs, Model: "fixed"})
		require.NoError(t, err)
	}
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Entry.ID
	}
	return out
}

func TestFuse_ReciprocalRank(t *testing.T) {
	scores := Fuse(60, []string{"x", "a", "b"}, []string{"y", "c", "x"})
	assert.InDelta(t, 1.0/61+1.0/63, scores["x"], 1e-12)
	assert.InDelta(t, 1.0/61, scores["y"], 1e-12)
	assert.InDelta(t, 1.0/62, scores["a"], 1e-12)

	entries := map[string]models.Entry{
		"x": {ID: "x", TrustScore: 1},
		"y": {ID: "y", TrustScore: 1},
		"a": {ID: "a", TrustScore: 2},
		"c": {ID: "c", TrustScore: 9},
		"b": {ID: "b", TrustScore: 1},
	}
	// a and c tie on score; c wins on trust.
	assert.Equal(t, []string{"x", "y", "c", "a", "b"}, Order(scores, entries))
}

func TestOrder_TieBreaks(t *testing.T) {
	scores := map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5, "d": 0.5}
	entries := map[string]models.Entry{
		"a": {ID: "a", TrustScore: 5, UpdatedAt: base},
		"b": {ID: "b", TrustScore: 5, UpdatedAt: base.Add(time.Hour)},
		"c": {ID: "c", TrustScore: 7, UpdatedAt: base},
		"d": {ID: "d", TrustScore: 5, UpdatedAt: base},
	}
	assert.Equal(t, []string{"c", "b", "a", "d"}, Order(scores, entries))
}

func TestSearch_HybridOrdering(t *testing.T) {
	db := testutil.TestDB(t)
	seed(t, db,
		doc{id: "x", title: "Entry X", content: "rust async runtime internals", trust: 5, vec: []float32{0.2, 1}},
		doc{id: "y", title: "Entry Y", content: "tokio executors", trust: 5, vec: []float32{1, 0}},
		doc{id: "z", title: "Entry Z", content: "futures and wakers", trust: 5, vec: []float32{0.9, 0.3}},
	)
	p := &fixedProvider{vecs: map[string][]float32{"rust async": {1, 0}}}
	eng, err := New(db, p, Options{})
	require.NoError(t, err)

	resp, err := eng.Search(context.Background(), Request{Query: "rust async"})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.Equal(t, []string{"x", "y", "z"}, ids(resp.Hits))
	assert.InDelta(t, 1.0/61+1.0/63, resp.Hits[0].Score, 1e-12)
	assert.InDelta(t, 1.0/61, resp.Hits[1].Score, 1e-12)
	assert.NotEmpty(t, resp.Hits[0].Snippet)

	// The query vector is cached.
	_, err = eng.Search(context.Background(), Request{Query: "rust async"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestSearch_ScopeIsolation(t *testing.T) {
	db := testutil.TestDB(t)
	seed(t, db,
		doc{id: "shared", title: "Shared", content: "rust async notes", vec: []float32{1, 0}},
		doc{id: "private", title: "Private", content: "rust async secrets", scope: models.ScopeGhostNote, owner: "kestrel", vec: []float32{1, 0}},
	)
	eng, err := New(db, &fixedProvider{vecs: map[string][]float32{"rust async": {1, 0}}}, Options{})
	require.NoError(t, err)

	for _, viewer := range []string{"", "wren"} {
		resp, err := eng.Search(context.Background(), Request{Query: "rust async", Viewer: viewer})
		require.NoError(t, err)
		assert.Equal(t, []string{"shared"}, ids(resp.Hits), "viewer %q", viewer)
	}

	resp, err := eng.Search(context.Background(), Request{Query: "rust async", Viewer: "kestrel"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared", "private"}, ids(resp.Hits))

	resp, err = eng.Search(context.Background(), Request{Query: "rust async", Viewer: "kestrel", Scopes: []models.Scope{models.ScopeSharedNote}})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, ids(resp.Hits))
}

func TestSearch_DegradesToLexical(t *testing.T) {
	db := testutil.TestDB(t)
	seed(t, db, doc{id: "a", title: "A", content: "lighthouse keeper log"})

	eng, err := New(db, &fixedProvider{fail: true}, Options{})
	require.NoError(t, err)
	resp, err := eng.Search(context.Background(), Request{Query: "lighthouse"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{"a"}, ids(resp.Hits))

	eng, err = New(db, embedding.Noop{}, Options{})
	require.NoError(t, err)
	resp, err = eng.Search(context.Background(), Request{Query: "lighthouse"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Len(t, resp.Hits, 1)
}

func TestSearch_EmptyQuery(t *testing.T) {
	eng, err := New(testutil.TestDB(t), nil, Options{})
	require.NoError(t, err)
	_, err = eng.Search(context.Background(), Request{Query: "  "})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestSearch_GraphExpansion(t *testing.T) {
	db := testutil.TestDB(t)
	seed(t, db,
		doc{id: "parent", title: "Parent", content: "overview"},
		doc{id: "linked", title: "Linked", content: "details"},
		doc{id: "hit", title: "Hit", content: "quasar observations", parent: "parent", tags: []string{"astro"}, links: []string{"Linked"}},
		doc{id: "sib", title: "Sibling", content: "telescopes", tags: []string{"astro"}, trust: 6},
		doc{id: "hidden", title: "Hidden", content: "private sky", tags: []string{"astro"}, scope: models.ScopeGhostNote, owner: "kestrel"},
		doc{id: "fan", title: "Fan", content: "mentions", links: []string{"Hit"}},
	)
	eng, err := New(db, embedding.Noop{}, Options{})
	require.NoError(t, err)

	resp, err := eng.Search(context.Background(), Request{Query: "quasar", Expand: true})
	require.NoError(t, err)
	require.Equal(t, []string{"hit"}, ids(resp.Hits))

	via := map[string]string{}
	for _, h := range resp.Expanded {
		via[h.Entry.ID] = h.Via
		assert.Equal(t, "hit", h.From)
	}
	assert.Equal(t, map[string]string{
		"parent": ViaParent,
		"sib":    ViaTag,
		"linked": ViaLink,
		"fan":    ViaLink,
	}, via)
	assert.Equal(t, "parent", resp.Expanded[0].Entry.ID, "parent comes first")
}
