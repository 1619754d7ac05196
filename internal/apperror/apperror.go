// Package apperror defines the error taxonomy shared by every layer.
//
// ERROR KINDS:
// Each AppError wraps exactly one sentinel. Callers never compare messages;
// they ask errors.Is(err, apperror.ErrPayloadTooLarge) or call KindOf(err)
// to pick the banner or screen to show.
//
//	ErrConfiguration   → blocking setup screen, startup only
//	ErrAuthorization   → blocking permission screen, ends the session
//	ErrLogin           → inline on the login screen, retryable
//	ErrValidation      → submission prevented, nothing written
//	ErrPayloadTooLarge → dismissible inline banner, distinct from ErrWrite
//	ErrWrite           → generic inline banner, user may resubmit
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("Validation Error")
	ErrForbidden       = errors.New("forbidden")
	ErrConfiguration   = errors.New("configuration error")
	ErrAuthorization   = errors.New("permission denied")
	ErrLogin           = errors.New("login failed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrWrite           = errors.New("write failed")
)

// Login error codes. CodeUnauthorizedDomain gets its own message on the
// login screen; everything else falls back to the generic one.
const (
	CodeUnauthorizedDomain = "unauthorized_domain"
	CodeProviderRejected   = "provider_rejected"
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Code    string // Optional: machine-readable detail within the kind
	Cause   error  // Optional: underlying failure, kept for logs
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so errors.Is
// matches either.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Configuration reports missing or invalid backend settings. There is no
// retry path: the process keeps serving the setup screen until redeployed.
func Configuration(field, message string) *AppError {
	return &AppError{
		Err:     ErrConfiguration,
		Message: message,
		Field:   field,
	}
}

// Authorization reports that the store's access rules rejected a read.
func Authorization(resource string) *AppError {
	return &AppError{
		Err:     ErrAuthorization,
		Message: fmt.Sprintf("missing or insufficient permissions to read %s", resource),
	}
}

// UnauthorizedDomain is the login failure for an origin that is not on the
// allow-list.
func UnauthorizedDomain(origin string) *AppError {
	return &AppError{
		Err:     ErrLogin,
		Code:    CodeUnauthorizedDomain,
		Message: fmt.Sprintf("this domain (%s) is not authorized for sign-in; add it to the allowed origins", origin),
	}
}

// LoginFailed is the generic login failure.
func LoginFailed(cause error) *AppError {
	msg := "sign-in failed"
	if cause != nil {
		msg = "sign-in failed: " + cause.Error()
	}
	return &AppError{
		Err:     ErrLogin,
		Code:    CodeProviderRejected,
		Message: msg,
		Cause:   cause,
	}
}

// PayloadTooLarge reports a document that exceeds the store's size ceiling.
func PayloadTooLarge(resource, limit string) *AppError {
	return &AppError{
		Err:     ErrPayloadTooLarge,
		Message: fmt.Sprintf("%s is too large to send (limit %s); try a smaller image", resource, limit),
	}
}

// WriteFailed wraps any other create/update/delete failure.
func WriteFailed(action string, cause error) *AppError {
	return &AppError{
		Err:     ErrWrite,
		Message: fmt.Sprintf("could not %s, please try again", action),
		Cause:   cause,
	}
}

// Kind is the display category of an error.
type Kind string

const (
	KindNone            Kind = ""
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation_error"
	KindForbidden       Kind = "forbidden"
	KindConfiguration   Kind = "configuration_error"
	KindAuthorization   Kind = "permission_denied"
	KindLogin           Kind = "login_error"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindWrite           Kind = "write_error"
	KindInternal        Kind = "internal_error"
)

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrLogin):
		return KindLogin
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrWrite):
		return KindWrite
	}
	return KindInternal
}

// Message returns the user-facing text for err. Internal errors never leak
// their details.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return "An internal error occurred"
}
