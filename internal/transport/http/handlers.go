// Package http holds the chi HTTP handlers for the keygate API. Each
// handler exposes a Routes() chi.Router mounted by the application router;
// request bodies are decoded with render and validated with
// go-playground/validator before touching the services.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
	api "keygate/pkg/contracts/api/v1"
)

// validate is shared by all handlers; validator instances cache struct
// metadata and are safe for concurrent use.
var validate = validator.New()

// decodeAndValidate decodes the JSON body into req and runs struct
// validation, rendering a 400 on failure. Returns false when a response has
// already been written.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, logger *slog.Logger, req any) bool {
	if err := render.DecodeJSON(r.Body, req); err != nil {
		logger.WarnContext(r.Context(), "malformed request body", "error", err.Error())
		render.Render(w, r, kgerrors.ErrInvalidRequest)
		return false
	}
	if err := validate.Struct(req); err != nil {
		logger.WarnContext(r.Context(), "request validation failed", "error", err.Error())
		render.Render(w, r, kgerrors.InvalidRequestWithError(err))
		return false
	}
	return true
}

// respondError maps a service error onto the wire taxonomy.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := kgerrors.ToAPIError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "error", err.Error())
	}
	render.Render(w, r, apiErr)
}

// licenseStatus derives the presentation state from a record.
func licenseStatus(lic store.License, expired bool) string {
	switch {
	case lic.Blocked:
		return "blocked"
	case !lic.Linked():
		return "unlinked"
	case expired:
		return "expired"
	default:
		return "active"
	}
}

func toLicenseResponse(lic store.License, expired bool, sessions int) api.LicenseResponse {
	return api.LicenseResponse{
		Key:         lic.Key,
		OwnerID:     lic.OwnerID,
		Tier:        string(lic.Tier),
		ExpiresAt:   lic.ExpiresAt,
		CreatedAt:   lic.CreatedAt,
		Blocked:     lic.Blocked,
		MaxSessions: lic.MaxSessions,
		Status:      licenseStatus(lic, expired),
		Sessions:    sessions,
	}
}
