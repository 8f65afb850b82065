package api

import (
	"github.com/starford/ghostkb/internal/service"
)

// SearchResponse is the search result payload (aliased from the service layer).
type SearchResponse = service.SearchResponse

// EntryDetail is the full entry payload (aliased from the service layer).
type EntryDetail = service.EntryDetail

// WriteRequest is the request body of POST /api/entries. The acting ghost
// comes from the X-Ghost header, never from the body.
type WriteRequest = service.WriteRequest

// WriteResult is returned by a successful write.
type WriteResult = service.WriteResult

// ReferenceWriteRequest is the request body of POST /api/reference.
type ReferenceWriteRequest = service.RefWriteRequest

// ReferenceWriteResult is returned by a successful reference write.
type ReferenceWriteResult = service.RefWriteResult

// ConflictResponse carries the rejected content back to a writer that lost
// against a newer version.
type ConflictResponse struct {
	Error           string `json:"error" validate:"required"`
	EntryID         string `json:"entry_id" example:"3f1c..." validate:"required"`
	CurrentVersion  int    `json:"current_version" example:"4" validate:"required"`
	CurrentHash     string `json:"current_hash" example:"9b2e..." validate:"required"`
	RejectedContent string `json:"rejected_content,omitempty"`
}

// InboxUploadResponse is returned after a capture lands in the inbox.
type InboxUploadResponse struct {
	ContentRef string `json:"content_ref" example:"web/page.md" validate:"required"`
	Size       int64  `json:"size" example:"12345" validate:"required"`
}
