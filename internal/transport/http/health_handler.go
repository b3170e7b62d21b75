package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/session"
	api "keygate/pkg/contracts/api/v1"
)

// HealthHandler serves liveness and basic service stats.
type HealthHandler struct {
	licenses *license.Service
	registry *session.Registry
	logger   *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(licenses *license.Service, registry *session.Registry, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		licenses: licenses,
		registry: registry,
		logger:   logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the health sub-router.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Health)
	return r
}

// Health reports service status. A storage failure degrades the report
// instead of failing it; the process is still alive.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:         "healthy",
		Version:        infrastructure.ServiceVersion,
		ActiveSessions: h.registry.TotalSessions(),
	}

	active, err := h.licenses.CountActive(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "active license count unavailable", "error", err.Error())
		resp.Status = "degraded"
	} else {
		resp.ActiveLicenses = active
	}

	render.JSON(w, r, resp)
}
