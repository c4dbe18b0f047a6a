// Package anthropic provides the Claude adapter for the provider pool.
package anthropic

import (
	"context"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ideaforge/pkg/provider"
)

// healthProbeTimeout bounds the readiness probe independently of the
// caller's deadline.
const healthProbeTimeout = 10 * time.Second

// Client wraps the Anthropic API client to implement provider.Client.
type Client struct {
	client sdk.Client
	name   string
	model  sdk.Model
}

// New creates a Claude client (raw adapter, middleware applied by the pool builder).
func New(name, apiKey, model string) *Client {
	return &Client{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		name:   name,
		model:  sdk.Model(model),
	}
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, in provider.Request) (provider.Response, error) {
	model := c.model
	if in.ModelHint != "" {
		model = sdk.Model(in.ModelHint)
	}

	resp, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:       model,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: sdk.Float(float64(in.Temperature)),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt)),
		},
	})
	if err != nil {
		return provider.Response{}, c.classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return provider.Response{}, provider.NewError(provider.KindProvider,
			"received empty response from Claude API")
	}

	var content string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			content += block.AsText().Text
		}
	}

	return provider.Response{
		Content:    content,
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		Model:      string(model),
	}, nil
}

// Healthy probes the API with a minimal one-token completion.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	})
	return err == nil
}

// Name implements provider.Client.
func (c *Client) Name() string { return c.name }

// ModelName implements provider.Client.
func (c *Client) ModelName() string { return string(c.model) }

// classifyError maps Anthropic SDK errors onto the provider taxonomy.
func (c *Client) classifyError(err error) *provider.Error {
	var apierr *sdk.Error
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
