package models

import (
	"fmt"

	"github.com/starford/ghostkb/internal/apperr"
)

// Scope is the visibility partition an entry lives in.
type Scope string

const (
	ScopeSharedNote      Scope = "shared_note"
	ScopeSharedReference Scope = "shared_reference"
	ScopeGhostNote       Scope = "ghost_note"
	ScopeGhostReference  Scope = "ghost_reference"
	ScopeGhostDiary      Scope = "ghost_diary"
)

// AllScopes lists every scope in a stable order.
var AllScopes = []Scope{
	ScopeSharedNote, ScopeSharedReference,
	ScopeGhostNote, ScopeGhostReference, ScopeGhostDiary,
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

// Shared reports whether s is visible to every ghost.
func (s Scope) Shared() bool {
	return s == ScopeSharedNote || s == ScopeSharedReference
}

// IsReference reports whether s holds reference topics.
func (s Scope) IsReference() bool {
	return s == ScopeSharedReference || s == ScopeGhostReference
}

// CheckOwner enforces that owner is set iff scope is ghost-scoped.
func CheckOwner(scope Scope, owner string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", apperr.ErrInvalidInput, scope)
	}
	if scope.Shared() && owner != "" {
		return fmt.Errorf("%w: shared scope %s must not have an owner (got %q)", apperr.ErrScopeViolation, scope, owner)
	}
	if !scope.Shared() && owner == "" {
		return fmt.Errorf("%w: scope %s requires an owner", apperr.ErrScopeViolation, scope)
	}
	return nil
}

// VisibleTo reports whether an entry in scope/owner can be read by viewer.
// An empty viewer sees shared scopes only.
func VisibleTo(scope Scope, owner, viewer string) bool {
	if scope.Shared() {
		return true
	}
	return viewer != "" && owner == viewer
}
