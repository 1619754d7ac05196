package handler

// RESPONSE HELPERS:
// Every JSON response goes through writeJSON, every failure through
// writeError, so the API has exactly one error shape:
//
//	{"error": "payload_too_large", "message": "message is too large to send (limit 1.0 MiB); ..."}
//
// The "error" value is the apperror.Kind, the same string the live session
// puts in its banner, so a client can treat REST and websocket failures alike.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/classhub/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // apperror.Kind
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // offending input, validation and configuration only
	Code    string `json:"code,omitempty"`  // detail within the kind, e.g. unauthorized_domain
}

// writeJSON sends a JSON response with the given status code.
//
// Headers and status must be written before the body; anything set after
// Encode starts writing is silently dropped.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps an error kind to its HTTP status.
//
// The service layer never sees status codes; this table is the only place
// the taxonomy meets HTTP.
func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindForbidden, apperror.KindAuthorization:
		return http.StatusForbidden
	case apperror.KindConfiguration:
		return http.StatusServiceUnavailable
	case apperror.KindLogin:
		return http.StatusUnauthorized
	case apperror.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// writeError maps a domain error to the appropriate HTTP status code and
// sends it. errors.Is walks the whole chain, so a service error wrapped with
// fmt.Errorf("...: %w", appErr) still maps correctly.
func writeError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	resp := ErrorResponse{
		Error:   string(kind),
		Message: apperror.Message(err),
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
		resp.Code = appErr.Code
	}

	// Never expose internal details to the client; log them instead.
	if kind == apperror.KindInternal || kind == apperror.KindWrite {
		slog.Error("request failed", slog.String("kind", string(kind)), slog.String("error", errorDetail(err)))
	}

	writeJSON(w, statusFor(kind), resp)
}

// errorDetail includes the underlying cause, which AppError.Error hides.
func errorDetail(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Cause != nil {
		return err.Error() + ": " + appErr.Cause.Error()
	}
	return err.Error()
}

// decodeJSON reads a JSON request body of at most limit bytes into dst.
// Oversized bodies are a PayloadTooLarge error, malformed ones a
// ValidationError.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.PayloadTooLarge("request body", formatLimit(limit))
		}
		return apperror.ValidationFailed("body", "invalid JSON request body")
	}
	return nil
}
