// Package apperr holds the error taxonomy shared across layers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrParse marks a file whose front matter is missing or malformed.
	ErrParse = errors.New("parse failure")
	// ErrScopeViolation marks a broken owner/scope invariant or a shared
	// entry linking into private data.
	ErrScopeViolation = errors.New("scope violation")
	// ErrEmbeddingUnavailable marks an unreachable or failing embedding provider.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrCorruptIndex marks a database-level inconsistency.
	ErrCorruptIndex = errors.New("corrupt index")
)

// ParseError records why a file was rejected by the parser.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse: %s", e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// ConflictError is returned when a write lost against a concurrent writer.
// The rejected content is carried back so the caller can re-read and merge.
type ConflictError struct {
	EntryID         string
	CurrentVersion  int
	CurrentHash     string
	RejectedContent string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on entry %s: current version %d (hash %s), re-read required",
		e.EntryID, e.CurrentVersion, e.CurrentHash)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
