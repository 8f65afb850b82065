package query

import (
	"context"
	"errors"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/models"
)

// expand adds, for each direct hit in rank order, its parent, tag siblings
// and entries one resolved link hop away in either direction. Entries
// already listed are skipped; invisible entries are never added.
func (e *Engine) expand(ctx context.Context, hits []Hit, viewer string, limit int) ([]Hit, error) {
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		seen[h.Entry.ID] = struct{}{}
	}

	var out []Hit
	add := func(en models.Entry, via, from string) {
		if _, dup := seen[en.ID]; dup || len(out) >= limit {
			return
		}
		if !models.VisibleTo(en.Scope, en.Owner, viewer) {
			return
		}
		seen[en.ID] = struct{}{}
		out = append(out, Hit{Entry: en, Via: via, From: from})
	}

	for _, h := range hits {
		if len(out) >= limit {
			break
		}
		src := h.Entry

		if src.ParentID != "" {
			parent, err := e.db.GetEntry(ctx, src.ParentID)
			switch {
			case err == nil:
				add(parent, ViaParent, src.ID)
			case !errors.Is(err, apperr.ErrNotFound):
				return nil, err
			}
		}

		for _, tag := range src.Tags {
			sibs, err := e.db.EntriesByTag(ctx, tag, src.ID, tagSiblingsPerHit+len(seen))
			if err != nil {
				return nil, err
			}
			n := 0
			for _, s := range sibs {
				if n == tagSiblingsPerHit {
					break
				}
				if _, dup := seen[s.ID]; dup || !models.VisibleTo(s.Scope, s.Owner, viewer) {
					continue
				}
				add(s, ViaTag, src.ID)
				n++
			}
		}

		var ids []string
		outgoing, err := e.db.OutgoingLinks(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range outgoing {
			if l.Resolved() {
				ids = append(ids, l.TargetID)
			}
		}
		back, err := e.db.Backlinks(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range back {
			ids = append(ids, l.SourceID)
		}
		linked, err := e.db.EntriesByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if en, ok := linked[id]; ok {
				add(en, ViaLink, src.ID)
			}
		}
	}
	return out, nil
}
