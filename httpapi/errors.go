package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"

	sessionbroker "github.com/ashvell/sessionbroker"
)

// Envelope is the error body every endpoint returns. Code comes from a closed
// set; clients switch on it, never on Message.
type Envelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// The closed set of error codes.
const (
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodeValidation    = "validation_error"
	CodeNotFound      = "not_found"
	CodeInternalError = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeEnvelope(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, status, Envelope{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeError maps any error onto the closed code set. Unknown errors become
// internal_error with a generic message; internals never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	var fields validation.Errors
	if errors.As(err, &fields) {
		writeEnvelope(w, http.StatusBadRequest, CodeValidation, "request validation failed", map[string]any{
			"fields": fields,
		})
		return
	}

	switch {
	case errors.Is(err, sessionbroker.ErrUnauthorized),
		errors.Is(err, sessionbroker.ErrInvalidCredentials),
		errors.Is(err, sessionbroker.ErrRefreshInvalid),
		errors.Is(err, sessionbroker.ErrRefreshReuse),
		errors.Is(err, sessionbroker.ErrSessionExpired):
		writeEnvelope(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
	case errors.Is(err, sessionbroker.ErrCSRFMismatch):
		writeEnvelope(w, http.StatusForbidden, CodeForbidden, "csrf token missing or invalid", nil)
	case errors.Is(err, sessionbroker.ErrAccountExists):
		writeEnvelope(w, http.StatusBadRequest, CodeValidation, "request validation failed", map[string]any{
			"fields": map[string]string{"email": "already registered"},
		})
	case errors.Is(err, sessionbroker.ErrAccountNotFound):
		writeEnvelope(w, http.StatusNotFound, CodeNotFound, "resource not found", nil)
	default:
		writeEnvelope(w, http.StatusInternalServerError, CodeInternalError, "internal server error", nil)
	}
}
