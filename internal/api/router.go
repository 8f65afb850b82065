package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ghostkb/internal/service"
	"github.com/starford/ghostkb/internal/storage"
)

// RouterConfig collects what the API routes need.
type RouterConfig struct {
	Service     *service.Service
	Store       storage.Provider
	AuthEnabled bool
	Token       string
	// Events, if non-nil, is mounted at GET /events inside the auth group.
	Events http.Handler
	Logger *slog.Logger
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(cfg RouterConfig) chi.Router {
	h := NewHandler(cfg.Service, cfg.Logger)
	ih := NewInboxHandler(cfg.Store, cfg.Logger)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Token))
	r.Use(GhostMiddleware)

	r.Get("/search", h.Search)

	r.Get("/entries/*", h.GetEntry)
	r.Post("/entries", h.Write)

	r.Post("/reference", h.ReferenceWrite)
	r.Post("/inbox", ih.Upload)

	if cfg.Events != nil {
		r.Get("/events", cfg.Events.ServeHTTP)
	}

	return r
}
