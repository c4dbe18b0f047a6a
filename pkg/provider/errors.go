// Package provider defines the uniform LLM provider client interface,
// classified provider errors, middleware chaining, and the provider pool.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies provider errors for retry logic and boundary codes.
type Kind int8

const (
	// KindUnavailable means the named provider is not registered.
	KindUnavailable Kind = iota
	// KindTimeout means the call deadline was exceeded.
	KindTimeout
	// KindRateLimited means the provider returned 429 or a quota error.
	// RetryAfter carries the provider's requested delay when present.
	KindRateLimited
	// KindAuth means authentication failed (401/403, bad API key).
	KindAuth
	// KindProvider means the provider returned an error response. 5xx
	// responses are retryable; other statuses are terminal.
	KindProvider
	// KindTransport means the request never produced a response
	// (connect failure, reset, EOF).
	KindTransport
	// KindBusy means the per-provider concurrency cap held the call
	// longer than the bounded queue wait.
	KindBusy
	// KindBadRequest means the request itself was malformed (prompt too
	// long, invalid parameters). Never retried.
	KindBadRequest
	// KindCancelled means the caller abandoned the call before it
	// finished. Never retried.
	KindCancelled
)

// String returns the stable code for the error kind.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "ProviderUnavailable"
	case KindTimeout:
		return "Timeout"
	case KindRateLimited:
		return "RateLimited"
	case KindAuth:
		return "AuthFailure"
	case KindProvider:
		return "ProviderError"
	case KindTransport:
		return "TransportError"
	case KindBusy:
		return "ProviderBusy"
	case KindBadRequest:
		return "ArgumentInvalid"
	case KindCancelled:
		return "Cancelled"
	default:
		return "ProviderError"
	}
}

// Error is a classified provider error with retry metadata.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Human-readable error message
	Provider   string        // Provider name, when known
	Kind       Kind          // Classified error kind
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // Provider-requested backoff (rate limits)
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("provider error (%s): status %d", e.Kind, e.StatusCode)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether this error is classified transient: connect
// failures, 5xx responses, and rate limits. Everything else is terminal.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindRateLimited:
		return true
	case KindProvider:
		return e.StatusCode >= 500 || e.StatusCode == 0
	default:
		return false
	}
}

// Is checks whether err is a provider error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf returns the kind of a provider error, or KindProvider for
// unclassified errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProvider
}

// NewError creates a classified provider error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorWithStatus creates a classified provider error with HTTP status.
func NewErrorWithStatus(kind Kind, statusCode int, message string) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a classified provider error wrapping another error.
func NewErrorWithCause(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}
