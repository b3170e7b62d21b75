package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/session"
	api "keygate/pkg/contracts/api/v1"
)

// HeartbeatHandler serves the session heartbeat, the hottest endpoint in the
// service.
type HeartbeatHandler struct {
	registry *session.Registry
	logger   *slog.Logger
}

// NewHeartbeatHandler creates a heartbeat handler.
func NewHeartbeatHandler(registry *session.Registry, logger *slog.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{
		registry: registry,
		logger:   logger.With(slog.String("handler", "heartbeat")),
	}
}

// Routes returns the heartbeat sub-router.
func (h *HeartbeatHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Heartbeat)
	return r
}

// Heartbeat admits or refreshes a device session. Rejections are 200s with
// a rejected status: the client did nothing wrong at the protocol level, the
// license just does not admit it.
func (h *HeartbeatHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	result, err := h.registry.Heartbeat(r.Context(), req.LicenseKey, req.DeviceID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := api.HeartbeatResponse{Status: result.String()}
	if !result.Accepted() {
		resp.Status = "rejected"
		resp.Reason = result.Reason()
	}
	render.JSON(w, r, resp)
}
