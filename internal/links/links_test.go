package links

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/starford/ghostkb/internal/models"
)

func TestExtract_Basic(t *testing.T) {
	body := "See [[Note A]] and [[Note B|alias]].\nAlso [[Note A]] again and [[Note A|other]]."
	got := Extract(body)
	assert.Equal(t, []Ref{
		{Title: "Note A"},
		{Title: "Note B", Alias: "alias"},
		{Title: "Note A", Alias: "other"},
	}, got)
}

func TestExtract_EmptyTargetAndFences(t *testing.T) {
	body := "see [[ ]] and [[|alias]]\n```\n[[in code]]\n```\n[[Real#Heading]]"
	assert.Equal(t, []Ref{{Title: "Real"}}, Extract(body))
}

func TestExtract_LongForm(t *testing.T) {
	refs := Extract("read [[http/server.go]] first")
	assert.Len(t, refs, 1)
	assert.True(t, refs[0].LongForm())
}

func TestCanResolve(t *testing.T) {
	shared := Endpoint{Scope: models.ScopeSharedNote}
	sharedRef := Endpoint{Scope: models.ScopeSharedReference}
	ada := Endpoint{Scope: models.ScopeGhostNote, Owner: "ada"}
	adaDiary := Endpoint{Scope: models.ScopeGhostDiary, Owner: "ada"}
	bob := Endpoint{Scope: models.ScopeGhostNote, Owner: "bob"}

	cases := []struct {
		name   string
		src    Endpoint
		dst    Endpoint
		expect bool
	}{
		{"shared to shared", shared, sharedRef, true},
		{"shared to ghost", shared, ada, false},
		{"ghost to shared", ada, shared, true},
		{"ghost to own", ada, adaDiary, true},
		{"ghost to other ghost", ada, bob, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, CanResolve(tc.src, tc.dst))
		})
	}
}

func TestPick_PrefersOwnThenTrust(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{ID: "s1", Scope: models.ScopeSharedNote, TrustScore: 9, UpdatedAt: now},
		{ID: "a1", Scope: models.ScopeGhostNote, Owner: "ada", TrustScore: 3, UpdatedAt: now},
		{ID: "b1", Scope: models.ScopeGhostNote, Owner: "bob", TrustScore: 10, UpdatedAt: now},
	}
	id, v := Pick(Endpoint{Scope: models.ScopeGhostNote, Owner: "ada"}, cands)
	assert.Equal(t, "a1", id)
	assert.False(t, v)

	id, v = Pick(Endpoint{Scope: models.ScopeSharedNote}, cands)
	assert.Equal(t, "s1", id)
	assert.False(t, v)
}

func TestPick_TieBreaks(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := old.Add(time.Hour)
	cands := []Candidate{
		{ID: "b", Scope: models.ScopeSharedNote, TrustScore: 5, UpdatedAt: old},
		{ID: "c", Scope: models.ScopeSharedNote, TrustScore: 5, UpdatedAt: newer},
		{ID: "a", Scope: models.ScopeSharedNote, TrustScore: 5, UpdatedAt: old},
	}
	id, _ := Pick(Endpoint{Scope: models.ScopeSharedNote}, cands)
	assert.Equal(t, "c", id)

	id, _ = Pick(Endpoint{Scope: models.ScopeSharedNote}, cands[:1:1])
	assert.Equal(t, "b", id)
	id, _ = Pick(Endpoint{Scope: models.ScopeSharedNote}, []Candidate{cands[0], cands[2]})
	assert.Equal(t, "a", id)
}

func TestPick_SharedToPrivateIsViolation(t *testing.T) {
	cands := []Candidate{{ID: "a1", Scope: models.ScopeGhostNote, Owner: "ada"}}
	id, v := Pick(Endpoint{Scope: models.ScopeSharedNote}, cands)
	assert.Empty(t, id)
	assert.True(t, v)

	// Another ghost's private entry is simply unresolved.
	id, v = Pick(Endpoint{Scope: models.ScopeGhostNote, Owner: "bob"}, cands)
	assert.Empty(t, id)
	assert.False(t, v)

	id, v = Pick(Endpoint{Scope: models.ScopeSharedNote}, nil)
	assert.Empty(t, id)
	assert.False(t, v)
}
