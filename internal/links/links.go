// Package links extracts wiki-links from entry bodies and decides which
// entries a link may resolve to.
package links

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/ghostkb/internal/models"
)

var wikiLinkRe = regexp.MustCompile(`\[\[([^\[\]\n]+?)\]\]`)

// Ref is one distinct wiki-link found in a body.
type Ref struct {
	Title string
	Alias string
}

// LongForm reports whether the link names a reference member by
// "topic/file" rather than by title.
func (r Ref) LongForm() bool { return strings.Contains(r.Title, "/") }

// Extract returns the wiki-links of body in first-seen order, deduplicated by
// (title, alias). Links inside fenced code are ignored, and a "#section"
// suffix is dropped from the target.
func Extract(body string) []Ref {
	seen := make(map[Ref]struct{})
	var out []Ref
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, m := range wikiLinkRe.FindAllStringSubmatch(line, -1) {
			target, alias, _ := strings.Cut(m[1], "|")
			if i := strings.Index(target, "#"); i >= 0 {
				target = target[:i]
			}
			r := Ref{Title: strings.TrimSpace(target), Alias: strings.TrimSpace(alias)}
			if r.Title == "" {
				continue
			}
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// Endpoint is the visibility coordinate of one side of a link.
type Endpoint struct {
	Scope models.Scope
	Owner string
}

// CanResolve reports whether a link written in source may point at target.
// Shared sources resolve only into shared entries; ghost sources resolve into
// shared entries or entries of the same owner.
func CanResolve(source, target Endpoint) bool {
	if target.Scope.Shared() {
		return true
	}
	if source.Scope.Shared() {
		return false
	}
	return source.Owner != "" && source.Owner == target.Owner
}

// Candidate is an entry whose title or topic key matches a link.
type Candidate struct {
	ID         string
	Scope      models.Scope
	Owner      string
	TrustScore int
	UpdatedAt  time.Time
}

// Pick chooses the target for a link from source among candidates. The
// source's own entries win over shared ones, then trust, recency and id break
// ties. violation is set when a shared source has candidates but none it is
// allowed to see.
func Pick(source Endpoint, cands []Candidate) (targetID string, violation bool) {
	var visible []Candidate
	for _, c := range cands {
		if CanResolve(source, Endpoint{Scope: c.Scope, Owner: c.Owner}) {
			visible = append(visible, c)
		}
	}
	if len(visible) == 0 {
		return "", len(cands) > 0 && source.Scope.Shared()
	}
	sort.SliceStable(visible, func(i, j int) bool {
		a, b := visible[i], visible[j]
		if ao, bo := !a.Scope.Shared(), !b.Scope.Shared(); ao != bo {
			return ao
		}
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return visible[0].ID, false
}
