// Package api implements the Sowilo sync REST API using chi.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/starford/sowilo/internal/apperr"
)

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying the authenticated owner id.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner set by AuthMiddleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// AuthMiddleware returns middleware that resolves the calling owner.
// If enabled is false, every request acts as defaultOwner (disabled mode).
// If enabled is true, requests must carry "Authorization: Bearer <token>"
// where token is a key of tokens; the mapped value is the owner id.
func AuthMiddleware(enabled bool, tokens map[string]string, defaultOwner string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), defaultOwner)))
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, apperr.ErrUnauthorized)
				return
			}
			owner, ok := lookupToken(tokens, strings.TrimPrefix(auth, "Bearer "))
			if !ok {
				writeError(w, apperr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func lookupToken(tokens map[string]string, presented string) (string, bool) {
	for token, owner := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 && owner != "" {
			return owner, true
		}
	}
	return "", false
}
