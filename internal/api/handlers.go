package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/service"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *service.Service
	log *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// entryRef extracts the entry reference from the URL (everything after
// /api/entries/). Topic paths contain slashes, possibly encoded.
func entryRef(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// listParam accepts both repeated and comma separated values.
func listParam(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Search handles GET /api/search.
//
//	@Summary		Hybrid search over entries visible to the caller
//	@Tags			search
//	@Produce		json
//	@Param			q			query		string	true	"Search query"
//	@Param			scope		query		string	false	"Scope filter, comma separated"
//	@Param			category	query		string	false	"Entry type filter, comma separated"
//	@Param			topic		query		string	false	"Reference topic"
//	@Param			archetype	query		string	false	"Note archetype"
//	@Param			tag			query		string	false	"Tag or tag prefix"
//	@Param			limit		query		int		false	"Max results"
//	@Param			expand		query		bool	false	"Add graph neighbours"
//	@Success		200			{object}	SearchResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("q")) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	expand, _ := strconv.ParseBool(q.Get("expand"))
	p := service.SearchParams{
		Query:     q.Get("q"),
		Viewer:    ghostFrom(r.Context()),
		Topic:     q.Get("topic"),
		Archetype: q.Get("archetype"),
		Tag:       q.Get("tag"),
		Limit:     limit,
		Expand:    expand,
	}
	for _, s := range listParam(q, "scope") {
		p.Scopes = append(p.Scopes, models.Scope(s))
	}
	for _, c := range listParam(q, "category") {
		p.Categories = append(p.Categories, models.EntryType(c))
	}

	resp, err := h.svc.Search(r.Context(), p)
	if err != nil {
		writeError(w, h.log, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEntry handles GET /api/entries/*.
//
//	@Summary		Get an entry by id, title or topic path
//	@Tags			entries
//	@Produce		json
//	@Param			ref	path		string	true	"Entry id, title or topic path"
//	@Success		200	{object}	EntryDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/{ref} [get]
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	ref := entryRef(r)
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("entry reference is required"))
		return
	}
	d, err := h.svc.Get(r.Context(), ghostFrom(r.Context()), ref)
	if err != nil {
		writeError(w, h.log, "get entry", err)
		return
	}
	w.Header().Set("ETag", `"`+d.ContentHash+`"`)
	writeJSON(w, http.StatusOK, d)
}

// Write handles POST /api/entries.
//
//	@Summary		Create, update, comment on, validate or delete an entry
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			If-Match	header		string			false	"Content hash the update is based on"
//	@Param			body		body		WriteRequest	true	"Write action"
//	@Success		200			{object}	WriteResult
//	@Success		201			{object}	WriteResult
//	@Failure		400			{object}	errResponse
//	@Failure		403			{object}	errResponse
//	@Failure		409			{object}	ConflictResponse
//	@Security		BearerAuth
//	@Router			/entries [post]
func (h *Handler) Write(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	req.Ghost = ghostFrom(r.Context())
	if req.IfMatch == "" {
		// Strip surrounding quotes if present (standard ETag format).
		req.IfMatch = strings.Trim(r.Header.Get("If-Match"), `"`)
	}

	res, err := h.svc.Write(r.Context(), req)
	if err != nil {
		writeError(w, h.log, "write "+string(req.Action), err)
		return
	}
	status := http.StatusOK
	if req.Action == service.ActionCreate && res.Entry != nil && res.Entry.Version == 1 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// ReferenceWrite handles POST /api/reference.
//
//	@Summary		Store a reference topic member file
//	@Tags			reference
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ReferenceWriteRequest	true	"Member file"
//	@Success		200		{object}	ReferenceWriteResult
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/reference [post]
func (h *Handler) ReferenceWrite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ReferenceWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	req.Ghost = ghostFrom(r.Context())

	res, err := h.svc.ReferenceWrite(r.Context(), req)
	if err != nil {
		writeError(w, h.log, "reference write", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
