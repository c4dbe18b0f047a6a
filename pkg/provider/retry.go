package provider

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines exponential backoff for classified-transient
// provider errors. Terminal errors (auth, 4xx except 429, bad requests)
// are never retried.
type RetryPolicy struct {
	MaxRetries   int           // Retries after the initial attempt
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Backoff cap
	Jitter       bool          // Randomize delays to avoid thundering herd
}

// DefaultRetryPolicy retries transient failures at most twice with
// exponential backoff starting at 500ms, capped at 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Jitter:       true,
	}
}

// Delay computes the backoff delay before the given retry (1-based).
// A rate-limited error's Retry-After takes precedence when it is longer.
func (p RetryPolicy) Delay(retry int, lastErr error) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(retry-1)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1)) //nolint:gosec // jitter, not crypto
	}

	var pe *Error
	if errors.As(lastErr, &pe) && pe.Kind == KindRateLimited && pe.RetryAfter > delay {
		delay = pe.RetryAfter
	}
	return delay
}

// shouldRetry reports whether err is classified transient.
func shouldRetry(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// WithRetry returns a middleware that retries transient failures per
// the policy. Context cancellation aborts the backoff wait immediately.
func WithRetry(policy RetryPolicy) Middleware {
	return func(next Client) Client {
		return WrapClient(next, func(ctx context.Context, req Request) (Response, error) {
			var lastErr error

			for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
				if attempt > 0 {
					select {
					case <-ctx.Done():
						return Response{}, classifyContextErr(ctx.Err(), next.Name())
					case <-time.After(policy.Delay(attempt, lastErr)):
					}
				}

				resp, err := next.Complete(ctx, req)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if !shouldRetry(err) {
					break
				}
			}

			return Response{}, lastErr
		})
	}
}

// classifyContextErr maps context termination onto the provider taxonomy.
func classifyContextErr(err error, providerName string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err, Provider: providerName, Message: "call deadline exceeded"}
	}
	return &Error{Kind: KindCancelled, Err: err, Provider: providerName, Message: "call cancelled"}
}
