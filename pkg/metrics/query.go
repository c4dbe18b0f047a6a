package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderUsage is the aggregated call and token usage for one provider.
type ProviderUsage struct {
	Provider      string  `json:"provider"`
	TotalRequests int64   `json:"total_requests"`
	FailedCalls   int64   `json:"failed_calls"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgDuration   float64 `json:"avg_duration_seconds"`
}

// QueryService queries aggregated usage from a Prometheus server
// scraping this engine's /metrics endpoint.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetProviderUsage aggregates request, failure, token, and latency
// figures for one provider.
func (q *QueryService) GetProviderUsage(ctx context.Context, providerName string) (*ProviderUsage, error) {
	usage := &ProviderUsage{Provider: providerName}

	requests, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{provider=%q})`, providerName))
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	usage.TotalRequests = int64(requests)

	failed, err := q.scalar(ctx,
		fmt.Sprintf(`sum(llm_requests_total{provider=%q, status="error"})`, providerName))
	if err != nil {
		return nil, fmt.Errorf("failed to query failure count: %w", err)
	}
	usage.FailedCalls = int64(failed)

	tokens, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{provider=%q})`, providerName))
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}
	usage.TotalTokens = int64(tokens)

	avg, err := q.scalar(ctx, fmt.Sprintf(
		`sum(llm_request_duration_seconds_sum{provider=%q}) / sum(llm_request_duration_seconds_count{provider=%q})`,
		providerName, providerName))
	if err != nil {
		return nil, fmt.Errorf("failed to query average duration: %w", err)
	}
	usage.AvgDuration = avg

	return usage, nil
}

// scalar runs an instant query and returns the first sample value, or
// zero when the series does not exist yet.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
