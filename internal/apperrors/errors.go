package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the API-visible categories.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthentication
	KindAuthorization
	KindConflict
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to the status code handlers should write.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error with an optional user-facing detail.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from an error chain. Unclassified errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Message returns the user-facing message for an error chain.
// Internal errors never expose their underlying cause.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Message
	}
	return "Internal server error"
}

// Details returns the optional user-facing detail string, if any.
func Details(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Details
	}
	return ""
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports bad manifest or input (400-class, user-correctable).
func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

// NotFound reports an unknown addon, route, or record (404-class).
func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

// Authentication reports missing or invalid credentials (401-class).
func Authentication(format string, args ...interface{}) *Error {
	return newf(KindAuthentication, format, args...)
}

// Authorization reports insufficient roles (403-class).
func Authorization(format string, args ...interface{}) *Error {
	return newf(KindAuthorization, format, args...)
}

// Conflict reports a duplicate name on create or import (400-class).
func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

// Upstream reports an unavailable identity provider or chat client (503-class).
func Upstream(err error, format string, args ...interface{}) *Error {
	e := newf(KindUpstream, format, args...)
	e.Err = err
	return e
}

// Internal wraps an unexpected failure. The message shown to clients is
// always generic regardless of what is passed here.
func Internal(err error, format string, args ...interface{}) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}
