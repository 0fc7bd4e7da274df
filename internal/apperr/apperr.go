// Package apperr defines the error taxonomy shared by every request stage.
// Mandatory gating stages return these errors to the caller; enrichment
// stages record them locally and carry on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindRateLimit
	KindPolicy
	KindCapabilityExecution
	KindUpstreamModel
	KindCacheUnavailable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindPolicy:
		return "policy"
	case KindCapabilityExecution:
		return "capability_execution"
	case KindUpstreamModel:
		return "upstream_model"
	case KindCacheUnavailable:
		return "cache_unavailable"
	default:
		return "unknown"
	}
}

// Reason codes surfaced to callers.
const (
	CodeEmptyContent       = "empty_content"
	CodeMalformedRequest   = "malformed_request"
	CodeRateLimited        = "rate_limited"
	CodeModelNotAllowed    = "model_not_allowed"
	CodeContentBlocked     = "content_blocked"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeFileGenDisabled    = "file_generation_disabled"
	CodeFileTypeNotAllowed = "file_type_not_allowed"
	CodeFileTooLarge       = "file_too_large"
	CodeUpstream           = "upstream_error"
	CodeCapabilityFailed   = "capability_failed"
	CodeCapabilityTimeout  = "capability_timeout"
	CodeCacheUnavailable   = "cache_unavailable"
	CodeInternal           = "internal_error"
)

// Error is a classified error with a caller-facing code and message.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation returns a ValidationError.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// RateLimited returns a RateLimitError with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimited,
		Message:    "Too many requests, retry later",
		RetryAfter: retryAfter,
	}
}

// Policy returns a PolicyError.
func Policy(code, message string) *Error {
	return New(KindPolicy, code, message)
}

// Upstream wraps an upstream model failure. The cause is kept for logging
// and never exposed through Message.
func Upstream(err error) *Error {
	return Wrap(KindUpstreamModel, CodeUpstream, "The assistant is temporarily unavailable", err)
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is an *Error with the given kind and code. An empty
// code matches any code.
func Is(err error, kind Kind, code string) bool {
	e, ok := As(err)
	if !ok || e.Kind != kind {
		return false
	}
	return code == "" || e.Code == code
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindPolicy:
		if e.Code == CodeBudgetExceeded {
			return http.StatusPaymentRequired
		}
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the code and message safe to show a caller. Unclassified
// errors never leak their text.
func Public(err error) (code, message string) {
	e, ok := As(err)
	if !ok || e.Kind == KindUnknown {
		return CodeInternal, "Internal error"
	}
	return e.Code, e.Message
}
