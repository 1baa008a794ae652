package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters for capacity planning and
// debugging.
type Metrics struct {
	// PromptCounter counts completed prompts.
	// Labels: status (ok|error|cancelled)
	PromptCounter *prometheus.CounterVec

	// PromptDuration measures wall time per prompt in seconds.
	PromptDuration prometheus.Histogram

	// LLMTurnCounter counts model turns.
	// Labels: provider, model
	LLMTurnCounter *prometheus.CounterVec

	// ToolCallCounter counts dispatched tool calls.
	// Labels: tool_name, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ClientRequestDuration measures client-delegated round trips.
	// Labels: kind (tool-call|read-files)
	ClientRequestDuration *prometheus.HistogramVec

	// SubagentCounter counts spawned child agents.
	// Labels: agent_type
	SubagentCounter *prometheus.CounterVec

	// ActiveRuns tracks prompts currently in flight.
	ActiveRuns prometheus.Gauge

	// ActiveConnections tracks open websocket connections.
	ActiveConnections prometheus.Gauge
}

// NewMetrics registers the runtime metrics on reg; pass nil for the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PromptCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_prompts_total",
			Help: "Completed prompts by terminal status.",
		}, []string{"status"}),

		PromptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "runtime_prompt_duration_seconds",
			Help:    "Wall time per prompt.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		LLMTurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_llm_turns_total",
			Help: "Model turns by provider and model.",
		}, []string{"provider", "model"}),

		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_tool_calls_total",
			Help: "Dispatched tool calls by name and status.",
		}, []string{"tool_name", "status"}),

		ClientRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtime_client_request_duration_seconds",
			Help:    "Round-trip latency of client-delegated requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 100},
		}, []string{"kind"}),

		SubagentCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_subagents_total",
			Help: "Spawned child agents by type.",
		}, []string{"agent_type"}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_active_runs",
			Help: "Prompts currently in flight.",
		}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_active_connections",
			Help: "Open websocket connections.",
		}),
	}
}

// ObserveChunk updates tool metrics from a streaming chunk; the
// gateway calls this on its emit path.
func (m *Metrics) ObserveChunk(toolName string, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolCallCounter.WithLabelValues(toolName, status).Inc()
}
