package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClassifyStatus maps an HTTP status code onto the provider taxonomy.
// A zero return means the status alone does not classify the error.
func ClassifyStatus(providerName string, statusCode int, cause error) *Error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return &Error{Kind: KindAuth, StatusCode: statusCode, Provider: providerName,
			Err: cause, Message: "authentication failed - check API key"}
	case statusCode == 429:
		return &Error{Kind: KindRateLimited, StatusCode: statusCode, Provider: providerName,
			Err: cause, Message: "rate limit exceeded"}
	case statusCode == 400 || statusCode == 404 || statusCode == 422:
		return &Error{Kind: KindBadRequest, StatusCode: statusCode, Provider: providerName,
			Err: cause, Message: "bad request - check prompt and parameters"}
	case statusCode >= 500:
		return &Error{Kind: KindProvider, StatusCode: statusCode, Provider: providerName,
			Err: cause, Message: "provider server error"}
	}
	return nil
}

// ParseRetryAfter interprets a Retry-After header value as a backoff
// duration. Both forms from RFC 9110 are accepted: delta-seconds and an
// HTTP date. Unparseable or elapsed values yield zero.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Classify maps an arbitrary adapter error onto the provider taxonomy.
// statusCode may be zero when the SDK does not expose one; text-pattern
// fallbacks then apply, mirroring how provider SDKs surface failures in
// error strings.
func Classify(providerName string, statusCode int, err error) *Error {
	if err == nil {
		return nil
	}

	// Already classified by the adapter.
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return classifyContextErr(err, providerName)
	}

	if classified := ClassifyStatus(providerName, statusCode, err); classified != nil {
		return classified
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "reset") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "temporary"):
		return NewErrorWithCause(KindTransport, err, "network or connection error")
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return NewErrorWithCause(KindTimeout, err, "request timeout")
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "quota"):
		return NewErrorWithCause(KindRateLimited, err, "rate limiting detected")
	case strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "api key") ||
		strings.Contains(errStr, "auth"):
		return NewErrorWithCause(KindAuth, err, "authentication error")
	case strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "too large"):
		return NewErrorWithCause(KindBadRequest, err, "prompt or request error")
	default:
		return NewErrorWithCause(KindProvider, err, "unclassified provider error")
	}
}
