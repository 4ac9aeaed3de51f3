// Package apperr defines the tagged error taxonomy returned by the intake
// workflow core and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error for callers and for HTTP mapping.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindPersistence   Kind = "persistence"
	KindConflict      Kind = "conflict"
)

// Error is the only error type the core returns to its callers.
type Error struct {
	Kind    Kind
	Message string
	// RequiredRole is set on authorization failures so the UI can tell the
	// caller who is allowed to perform the action.
	RequiredRole string
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Authorization builds an authorization error naming the role that would
// have been allowed.
func Authorization(requiredRole, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...), RequiredRole: requiredRole}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a store failure.
func Persistence(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPersistence, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind onto a response code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts err into an echo HTTP error. Persistence details are not
// leaked to the client.
func ToHTTP(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	body := map[string]string{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.RequiredRole != "" {
		body["required_role"] = e.RequiredRole
	}
	return echo.NewHTTPError(HTTPStatus(e.Kind), body).SetInternal(err)
}
