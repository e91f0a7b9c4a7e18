package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures surfaced to callers
type Kind string

const (
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindValidation   Kind = "VALIDATION"
	KindExpired      Kind = "EXPIRED"
	KindGateway      Kind = "GATEWAY_ERROR"
	KindUpstream     Kind = "UPSTREAM_ERROR"
	KindInternal     Kind = "INTERNAL_ERROR"
)

// Error is the application error carried across layers. Rule names the
// violated constraint for Validation and Conflict failures.
type Error struct {
	Kind    Kind
	Rule    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Rule)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to a response code
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindExpired:
		return http.StatusGone
	case KindGateway:
		return http.StatusUnauthorized
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func NotFound(resource string, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

func Conflict(rule, message string) *Error {
	return &Error{Kind: KindConflict, Rule: rule, Message: message}
}

func Validation(rule, message string) *Error {
	return &Error{Kind: KindValidation, Rule: rule, Message: message}
}

func Expired(message string) *Error {
	return &Error{Kind: KindExpired, Message: message}
}

func Gateway(message string, err error) *Error {
	return &Error{Kind: KindGateway, Message: message, Err: err}
}

// Upstream wraps a failed call to an external collaborator
func Upstream(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// Is reports whether err carries an *Error of the given kind
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// RuleOf returns the violated rule of an *Error, if any
func RuleOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Rule
	}
	return ""
}
