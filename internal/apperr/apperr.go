// Package apperr defines the error kinds consumed by the HTTP port and
// worker loops to decide status codes, retry behavior, and audit routing.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and retry/logging policy.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindAuth                  Kind = "auth_error"
	KindSecurityEvent         Kind = "security_event"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict_error"
	KindRateLimited           Kind = "rate_limited"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindFatalConfig           Kind = "fatal_config"
)

// Error is a typed application error carrying a Kind and a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func new(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string, err error) *Error { return new(KindValidation, message, err) }
func Auth(message string, err error) *Error        { return new(KindAuth, message, err) }
func Security(message string, err error) *Error    { return new(KindSecurityEvent, message, err) }
func NotFound(message string, err error) *Error    { return new(KindNotFound, message, err) }
func Conflict(message string, err error) *Error    { return new(KindConflict, message, err) }
func RateLimited(message string, err error) *Error { return new(KindRateLimited, message, err) }
func DependencyUnavailable(message string, err error) *Error {
	return new(KindDependencyUnavailable, message, err)
}
func FatalConfig(message string, err error) *Error { return new(KindFatalConfig, message, err) }

// As extracts an *Error from err, following the wrap chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status code the httpport adapter should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth, KindSecurityEvent:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindFatalConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
