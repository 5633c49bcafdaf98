package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/pageservice"
	"github.com/starford/sowilo/internal/remotestore"
)

const maxPushBytes = 32 << 20

// EventStreamer serves a live event stream scoped to one owner.
type EventStreamer interface {
	Stream(w http.ResponseWriter, r *http.Request, owner string)
}

// Handler holds API route handlers.
type Handler struct {
	svc    *pageservice.Service
	db     *remotestore.DB
	events EventStreamer
}

// NewHandler creates a new Handler. events may be nil.
func NewHandler(svc *pageservice.Service, db *remotestore.DB, events EventStreamer) *Handler {
	return &Handler{svc: svc, db: db, events: events}
}

// Push handles POST /sync/pages/push.
//
//	@Summary		Push a batch of locally created and updated pages
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.PushRequest	true	"Dirty pages"
//	@Success		200		{object}	models.PushResponse
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/pages/push [post]
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxPushBytes)

	var req models.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := apperr.NewValidationError(validatePush(&req)); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.svc.Push(r.Context(), owner, &req)
	if err != nil {
		slog.Error("push failed", slog.String("owner", owner), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pull handles GET /sync/pages/pull.
//
//	@Summary		Pull every page changed after a watermark
//	@Tags			sync
//	@Produce		json
//	@Param			since	query		string	false	"RFC 3339 watermark; empty pulls everything"
//	@Success		200		{object}	models.PullResponse
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/pages/pull [get]
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	}

	resp, err := h.svc.Pull(r.Context(), owner, since)
	if err != nil {
		slog.Error("pull failed", slog.String("owner", owner), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPage handles GET /sync/pages/{id}.
//
//	@Summary		Get the server copy of one page
//	@Tags			sync
//	@Produce		json
//	@Param			id	path		string	true	"Server page id"
//	@Success		200	{object}	models.Page
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/pages/{id} [get]
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	page, err := h.svc.GetPage(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Events handles GET /sync/events.
//
//	@Summary		Stream pages.changed notifications for the caller
//	@Tags			sync
//	@Produce		text/event-stream
//	@Success		200
//	@Failure		401	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/events [get]
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	h.events.Stream(w, r, owner)
}

// Live handles GET /health/live.
//
//	@Summary		Liveness check
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health/live [get]
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready handles GET /health/ready.
//
//	@Summary		Readiness check with row counts
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	HealthResponse
//	@Router			/health/ready [get]
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	pages, owners, err := h.db.Stats(r.Context())
	if err != nil {
		slog.Error("readiness check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Pages: pages, Owners: owners})
}
