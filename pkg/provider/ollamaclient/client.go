// Package ollamaclient provides the Ollama adapter for the provider
// pool. Ollama is a local LLM runtime; it keeps the registry honest
// about extensibility beyond the hosted providers.
package ollamaclient

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"ideaforge/pkg/provider"
)

const healthProbeTimeout = 5 * time.Second

// Client wraps the Ollama API client to implement provider.Client.
type Client struct {
	client *api.Client
	name   string
	model  string
}

// New creates an Ollama client (raw adapter, middleware applied by the
// pool builder). hostURL is the Ollama server URL, e.g.
// "http://localhost:11434".
func New(name, hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		name:   name,
		model:  model,
	}
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, in provider.Request) (provider.Response, error) {
	model := c.model
	if in.ModelHint != "" {
		model = in.ModelHint
	}

	stream := false
	req := &api.GenerateRequest{
		Model:  model,
		Prompt: in.Prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.GenerateResponse
	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return provider.Response{}, provider.Classify(c.name, 0, err)
	}
	if response.Response == "" {
		return provider.Response{}, provider.NewError(provider.KindProvider,
			"received empty response from Ollama")
	}

	return provider.Response{
		Content:    response.Response,
		TokensUsed: response.PromptEvalCount + response.EvalCount,
		Model:      model,
	}, nil
}

// Healthy probes the Ollama server's version endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := c.client.Version(ctx)
	return err == nil
}

// Name implements provider.Client.
func (c *Client) Name() string { return c.name }

// ModelName implements provider.Client.
func (c *Client) ModelName() string { return c.model }
