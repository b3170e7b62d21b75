package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/license"
	"keygate/internal/session"
	"keygate/internal/store"
	api "keygate/pkg/contracts/api/v1"
)

// LicenseHandler serves license lifecycle endpoints.
type LicenseHandler struct {
	licenses *license.Service
	registry *session.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(licenses *license.Service, registry *session.Registry, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		licenses: licenses,
		registry: registry,
		logger:   logger.With(slog.String("handler", "license")),
		now:      time.Now,
	}
}

// Routes returns the license sub-router.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{key}", h.Get)
	r.Post("/{key}/link", h.Link)
	r.Post("/{key}/extend", h.Extend)
	r.Post("/{key}/block", h.Block)
	r.Delete("/{key}/sessions", h.RevokeSessions)
	return r
}

// Create issues a new license; owner_id 0 makes a gift license.
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.LicenseCreateRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	lic, err := h.licenses.Create(r.Context(), req.OwnerID, store.Tier(req.Tier), req.Days, req.MaxSessions)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toLicenseResponse(lic, false, 0))
}

// Get returns the license record with its derived status and live session
// count.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	lic, err := h.licenses.Get(r.Context(), key)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, toLicenseResponse(lic, lic.Expired(h.now()), h.registry.Sessions(key)))
}

// Link activates a gift license for a user.
func (h *LicenseHandler) Link(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req api.LicenseLinkRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	lic, err := h.licenses.Link(r.Context(), key, req.OwnerID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, toLicenseResponse(lic, lic.Expired(h.now()), h.registry.Sessions(key)))
}

// Extend renews the license and clears any block.
func (h *LicenseHandler) Extend(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req api.LicenseExtendRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	lic, err := h.licenses.Extend(r.Context(), key, time.Duration(req.Days)*24*time.Hour)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, toLicenseResponse(lic, false, h.registry.Sessions(key)))
}

// Block toggles the block flag. Blocking also evicts every live session so
// running clients are cut off at their next heartbeat rather than at
// expiry.
func (h *LicenseHandler) Block(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req api.LicenseBlockRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	lic, err := h.licenses.SetBlocked(r.Context(), key, req.Blocked)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if req.Blocked {
		h.registry.RevokeAll(key)
	}

	render.JSON(w, r, toLicenseResponse(lic, lic.Expired(h.now()), h.registry.Sessions(key)))
}

// RevokeSessions evicts every live session for the license.
func (h *LicenseHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	// 404 for unknown keys instead of silently revoking nothing.
	if _, err := h.licenses.Get(r.Context(), key); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	n := h.registry.RevokeAll(key)
	h.logger.InfoContext(r.Context(), "sessions revoked",
		slog.String("key", key),
		slog.Int("revoked", n),
	)
	render.JSON(w, r, api.RevokeSessionsResponse{Revoked: n})
}
