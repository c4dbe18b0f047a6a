// Package metrics provides Prometheus-based recording for provider
// calls and a query service for per-project roll-ups.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ideaforge/pkg/provider"
)

// PrometheusRecorder implements provider.Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	poolWaitTime    *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a Prometheus-based recorder registered
// on the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by provider, model, status, and error kind",
			},
			[]string{"provider", "model", "status", "error_kind"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"provider", "model"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		poolWaitTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_pool_wait_seconds",
				Help:    "Time spent waiting for a provider concurrency slot",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}
}

// ObserveCall implements provider.Recorder.
func (r *PrometheusRecorder) ObserveCall(providerName, model string, tokensUsed int,
	err error, wait, duration time.Duration) {
	status := "success"
	errorKind := ""
	if err != nil {
		status = "error"
		errorKind = provider.KindOf(err).String()
	}

	r.requestsTotal.WithLabelValues(providerName, model, status, errorKind).Inc()
	if tokensUsed > 0 {
		r.tokensTotal.WithLabelValues(providerName, model).Add(float64(tokensUsed))
	}
	r.requestDuration.WithLabelValues(providerName, model).Observe(duration.Seconds())
	r.poolWaitTime.WithLabelValues(providerName).Observe(wait.Seconds())
}
