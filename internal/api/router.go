package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/sowilo/internal/pageservice"
	"github.com/starford/sowilo/internal/remotestore"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AuthEnabled controls whether Bearer token auth is enforced.
	AuthEnabled bool
	// Tokens maps bearer tokens to owner ids.
	Tokens map[string]string
	// DefaultOwner is the owner of every request when auth is disabled.
	DefaultOwner string
	// Events, if non-nil, is mounted at GET /sync/events inside the auth group.
	Events EventStreamer
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(svc *pageservice.Service, db *remotestore.DB, opts RouterOptions) chi.Router {
	h := NewHandler(svc, db, opts.Events)

	r := chi.NewRouter()
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.AuthEnabled, opts.Tokens, opts.DefaultOwner))

		r.Post("/sync/pages/push", h.Push)
		r.Get("/sync/pages/pull", h.Pull)
		r.Get("/sync/pages/{id}", h.GetPage)

		if opts.Events != nil {
			r.Get("/sync/events", h.Events)
		}
	})

	return r
}
