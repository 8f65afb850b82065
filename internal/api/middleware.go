// Package api implements the ghostkb REST API using chi.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// GhostHeader names the ghost a request acts as.
const GhostHeader = "X-Ghost"

type ghostKey struct{}

// AuthMiddleware returns middleware that validates a Bearer token.
// If enabled is false, all requests pass through.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GhostMiddleware stores the calling ghost from the X-Ghost header in the
// request context. Requests without it see shared scopes only.
func GhostMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ghost := strings.ToLower(strings.TrimSpace(r.Header.Get(GhostHeader)))
		if strings.ContainsAny(ghost, `/\`) || strings.HasPrefix(ghost, ".") {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid "+GhostHeader+" header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ghostKey{}, ghost)))
	})
}

// ghostFrom returns the ghost set by GhostMiddleware.
func ghostFrom(ctx context.Context) string {
	g, _ := ctx.Value(ghostKey{}).(string)
	return g
}
