package provider

import (
	"context"
	"time"
)

// Default generation parameters.
const (
	// TemperatureDefault is the default sampling temperature for
	// analysis and planning prompts.
	TemperatureDefault = 0.3

	// MaxTokensDefault is the default completion cap when a stage does
	// not specify one.
	MaxTokensDefault = 8192
)

// Request represents a single completion request against a provider.
type Request struct {
	Prompt      string  // Fully assembled prompt text
	ModelHint   string  // Optional model override; empty uses the provider default
	MaxTokens   int     // Completion token cap
	Temperature float32 // Sampling temperature
}

// Response represents a completed provider call.
type Response struct {
	Content    string        // Generated text
	TokensUsed int           // Total tokens consumed, when the provider reports it
	Provider   string        // Name of the provider that served the call
	Model      string        // Model that produced the content
	Latency    time.Duration // Wall-clock call duration
}

// Client is the uniform capability every provider adapter implements.
type Client interface {
	// Complete generates a completion synchronously. The context
	// deadline bounds the call; exceeding it fails with KindTimeout.
	Complete(ctx context.Context, req Request) (Response, error)

	// Healthy probes the provider with a lightweight request. Failures
	// inform callers; they never evict the provider from the pool.
	Healthy(ctx context.Context) bool

	// Name returns the registered provider name.
	Name() string

	// ModelName returns the default model for this provider.
	ModelName() string
}

// NewRequest creates a completion request with default parameters.
func NewRequest(prompt string) Request {
	return Request{
		Prompt:      prompt,
		MaxTokens:   MaxTokensDefault,
		Temperature: TemperatureDefault,
	}
}
