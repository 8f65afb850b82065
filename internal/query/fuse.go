package query

import (
	"sort"

	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/models"
)

// DefaultK is the reciprocal rank fusion constant.
const DefaultK = 60

// ranked is one entry in an entry-level candidate list.
type ranked struct {
	ID      string
	Snippet string
}

// collapse reduces chunk hits to entries, keeping each entry at the
// position of its best chunk.
func collapse(hits []index.ChunkHit) []ranked {
	seen := make(map[string]struct{}, len(hits))
	out := make([]ranked, 0, len(hits))
	for _, h := range hits {
		if _, dup := seen[h.EntryID]; dup {
			continue
		}
		seen[h.EntryID] = struct{}{}
		out = append(out, ranked{ID: h.EntryID, Snippet: h.Snippet})
	}
	return out
}

// Fuse scores ids by reciprocal rank fusion: the sum of 1/(k+rank) over
// every list an id appears in, ranks starting at 1.
func Fuse(k int, lists ...[]string) map[string]float64 {
	if k <= 0 {
		k = DefaultK
	}
	scores := map[string]float64{}
	for _, list := range lists {
		for i, id := range list {
			scores[id] += 1 / float64(k+i+1)
		}
	}
	return scores
}

// Order sorts fused ids by score, then trust, then recency, then id.
// Ids missing from entries are dropped.
func Order(scores map[string]float64, entries map[string]models.Entry) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		if _, ok := entries[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		ea, eb := entries[a], entries[b]
		if ea.TrustScore != eb.TrustScore {
			return ea.TrustScore > eb.TrustScore
		}
		if !ea.UpdatedAt.Equal(eb.UpdatedAt) {
			return ea.UpdatedAt.After(eb.UpdatedAt)
		}
		return a < b
	})
	return ids
}
