// Package gemini provides the Google Gemini adapter for the provider pool.
package gemini

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"ideaforge/pkg/provider"
)

const healthProbeTimeout = 10 * time.Second

// Client wraps the Google GenAI client to implement provider.Client.
// Client construction requires a context, so the SDK client is created
// lazily on first use.
type Client struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	name   string
	model  string
}

// New creates a Gemini client (raw adapter, middleware applied by the
// pool builder).
func New(name, apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		name:   name,
		model:  model,
	}
}

func (c *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, provider.NewErrorWithCause(provider.KindTransport, err,
			"failed to create Gemini client")
	}
	c.client = client
	return client, nil
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, in provider.Request) (provider.Response, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return provider.Response{}, err
	}

	model := c.model
	if in.ModelHint != "" {
		model = in.ModelHint
	}

	temperature := in.Temperature
	//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}

	result, err := client.Models.GenerateContent(ctx, model, genai.Text(in.Prompt), cfg)
	if err != nil {
		return provider.Response{}, provider.Classify(c.name, 0, err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return provider.Response{}, provider.NewError(provider.KindProvider,
			"received empty response from Gemini API")
	}

	resp := provider.Response{
		Content: result.Text(),
		Model:   model,
	}
	if result.UsageMetadata != nil {
		resp.TokensUsed = int(result.UsageMetadata.TotalTokenCount)
	}
	return resp, nil
}

// Healthy probes the API by resolving the configured model.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	client, err := c.ensureClient(ctx)
	if err != nil {
		return false
	}
	_, err = client.Models.Get(ctx, fmt.Sprintf("models/%s", c.model), nil)
	return err == nil
}

// Name implements provider.Client.
func (c *Client) Name() string { return c.name }

// ModelName implements provider.Client.
func (c *Client) ModelName() string { return c.model }
