// Package openaicompat provides a chat-completions adapter for
// OpenAI-compatible endpoints. LMStudio, OpenRouter, and NanoGPT all
// speak this protocol; one adapter parameterized by base URL covers
// them.
package openaicompat

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ideaforge/pkg/provider"
)

const healthProbeTimeout = 10 * time.Second

// Client wraps the official OpenAI Go client against a configurable
// base URL to implement provider.Client.
type Client struct {
	client openai.Client
	name   string
	model  string
}

// New creates an OpenAI-compatible client for the given endpoint (raw
// adapter, middleware applied by the pool builder). Local endpoints
// like LMStudio accept any API key, including an empty one.
func New(name, baseURL, apiKey, model string) *Client {
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{
		client: openai.NewClient(opts...),
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

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		MaxCompletionTokens: openai.Int(int64(in.MaxTokens)),
		Temperature:         openai.Float(float64(in.Temperature)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(in.Prompt),
		},
	})
	if err != nil {
		return provider.Response{}, c.classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return provider.Response{}, provider.NewError(provider.KindProvider,
			"received empty response from chat completions endpoint")
	}

	return provider.Response{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		Model:      model,
	}, nil
}

// Healthy probes the endpoint with a minimal one-token completion.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		MaxCompletionTokens: openai.Int(1),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("ping"),
		},
	})
	return err == nil
}

// Name implements provider.Client.
func (c *Client) Name() string { return c.name }

// ModelName implements provider.Client.
func (c *Client) ModelName() string { return c.model }

// classifyError maps OpenAI SDK errors onto the provider taxonomy.
func (c *Client) classifyError(err error) *provider.Error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if classified := provider.ClassifyStatus(c.name, apierr.StatusCode, err); classified != nil {
			if classified.Kind == provider.KindRateLimited && apierr.Response != nil {
				classified.RetryAfter = provider.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
			}
			return classified
		}
	}
	return provider.Classify(c.name, 0, err)
}
