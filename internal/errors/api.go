package errors

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is the structured error payload rendered at the HTTP boundary.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string { return e.Message }

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// NewAPIError creates an APIError with the given parameters.
func NewAPIError(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// Predefined transport-level errors.
var (
	ErrInvalidRequest = NewAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrInternalServer = NewAPIError(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
)

// InvalidRequestWithError creates an invalid request error carrying the
// binder/validator message.
func InvalidRequestWithError(err error) *APIError {
	return NewAPIError(http.StatusBadRequest, "INVALID_REQUEST", err.Error())
}

// ToAPIError maps a domain error onto its HTTP representation. Unknown
// errors render as a 500 without leaking internals.
func ToAPIError(err error) *APIError {
	var e *Error
	if !errors.As(err, &e) {
		return ErrInternalServer
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindInvalidState:
		status = http.StatusConflict
	case KindPolicyViolation:
		status = http.StatusForbidden
	case KindTransient:
		status = http.StatusServiceUnavailable
	}

	// Argument rejections read better as 400s than 403s.
	if e.Code == "INVALID_ARGUMENT" {
		status = http.StatusBadRequest
	}

	return NewAPIError(status, e.Code, e.Message)
}
