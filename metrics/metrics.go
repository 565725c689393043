// Package metrics holds the Prometheus collectors for agent invocations,
// tool calls and model usage.
//
// Collectors live on a dedicated registry so several instances can coexist
// in one process (tests, embedded servers):
//
//	m := metrics.New()
//	client.Use(m.LLMMiddleware())
//	router.GET("/metrics", gin.WrapH(m.Handler()))
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinemde/dacli/unifiedllm"
)

// Metrics is the set of collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Invocations counts ProcessMessage calls.
	// Labels: session_id, status (completed|needs_input|needs_guidance|failed)
	Invocations *prometheus.CounterVec

	// ToolCalls counts tool executions.
	// Labels: tool_name, status (success|error|pending_approval)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in milliseconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// Tokens counts model tokens.
	// Labels: type (input|output)
	Tokens *prometheus.CounterVec

	// LLMRequests counts model calls.
	// Labels: provider, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures model call latency in seconds.
	// Labels: provider
	LLMDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dacli_agent_invocations_total",
				Help: "Total number of agent invocations by session and outcome",
			},
			[]string{"session_id", "status"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dacli_tool_calls_total",
				Help: "Total number of tool calls by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dacli_tool_duration_ms",
				Help:    "Tool execution time in milliseconds",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
			},
			[]string{"tool_name"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dacli_tokens_total",
				Help: "Total number of model tokens by type",
			},
			[]string{"type"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dacli_llm_requests_total",
				Help: "Total number of model requests by provider and status",
			},
			[]string{"provider", "status"},
		),
		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dacli_llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
	}
}

// Registry exposes the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordInvocation(sessionID, status string) {
	m.Invocations.WithLabelValues(sessionID, status).Inc()
}

func (m *Metrics) RecordToolCall(tool, status string, durationMs float64) {
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationMs)
}

func (m *Metrics) RecordTokens(u unifiedllm.Usage) {
	if u.InputTokens > 0 {
		m.Tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		m.Tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	}
}

// LLMMiddleware records request counts, latency and token usage for every
// model call made through a unifiedllm.Client.
func (m *Metrics) LLMMiddleware() unifiedllm.Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		provider := req.Provider
		if resp != nil && resp.Provider != "" {
			provider = resp.Provider
		}
		if provider == "" {
			provider = "default"
		}
		m.LLMDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		if err != nil {
			m.LLMRequests.WithLabelValues(provider, "error").Inc()
			return resp, err
		}
		m.LLMRequests.WithLabelValues(provider, "success").Inc()
		if resp != nil {
			m.RecordTokens(resp.Usage)
		}
		return resp, nil
	}
}
