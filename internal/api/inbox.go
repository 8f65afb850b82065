package api

import (
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/starford/ghostkb/internal/storage"
)

const maxUploadBytes = 50 << 20 // 50 MB

// InboxHandler accepts raw captures into the staging inbox. Inbox files
// are never indexed; reference_write moves them into a topic by
// content_ref.
type InboxHandler struct {
	store storage.Provider
	log   *slog.Logger
}

// NewInboxHandler creates a handler writing through store.
func NewInboxHandler(store storage.Provider, log *slog.Logger) *InboxHandler {
	if log == nil {
		log = slog.Default()
	}
	return &InboxHandler{store: store, log: log}
}

// Upload handles POST /api/inbox (multipart/form-data, field "file",
// optional field "dir").
//
//	@Summary		Upload a raw capture into the staging inbox
//	@Tags			inbox
//	@Accept			multipart/form-data
//	@Produce		json
//	@Success		201	{object}	InboxUploadResponse
//	@Failure		400	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/inbox [post]
func (h *InboxHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	ref, err := storage.InboxRef(r.FormValue("dir"), header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	rel := path.Join(storage.InboxDir, ref)
	if h.store.Exists(rel) {
		writeJSON(w, http.StatusConflict, errorBody("inbox already holds "+ref))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read upload"))
		return
	}
	if err := h.store.Write(rel, data); err != nil {
		h.log.Error("api: inbox write failed", slog.String("path", rel), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to write file"))
		return
	}

	writeJSON(w, http.StatusCreated, InboxUploadResponse{ContentRef: ref, Size: int64(len(data))})
}
