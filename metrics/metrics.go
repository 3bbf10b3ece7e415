// Package metrics exposes Prometheus collectors describing the sessions held by a manager
// and the tool calls routed through them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for connect and tool call counters.
const (
	ResultOK        = "ok"
	ResultToolError = "tool_error"
	ResultError     = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing, so components
// can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	connects         *prometheus.CounterVec
	terminations     *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	probes           *prometheus.CounterVec
}

// New creates the collectors and registers them with a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpm_sessions_active",
			Help: "Number of registered MCP sessions",
		}, []string{"kind"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpm_session_connects_total",
			Help: "Session connect attempts by transport kind and result",
		}, []string{"kind", "result"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpm_session_terminations_total",
			Help: "Sessions removed because their transport ended unexpectedly",
		}, []string{"kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpm_tool_calls_total",
			Help: "Tool calls by transport kind and result",
		}, []string{"kind", "result"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpm_tool_call_duration_seconds",
			Help:    "Latency of tool calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpm_session_probes_total",
			Help: "Session health probes by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.connects,
		m.terminations,
		m.toolCalls,
		m.toolCallDuration,
		m.probes,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Connected records a connect attempt; a nil err counts as success and adds an active session.
func (m *Metrics) Connected(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connects.WithLabelValues(kind, ResultError).Inc()
		return
	}
	m.connects.WithLabelValues(kind, ResultOK).Inc()
	m.sessionsActive.WithLabelValues(kind).Inc()
}

// Removed records that a registered session left the registry.
func (m *Metrics) Removed(kind string, terminated bool) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Dec()
	if terminated {
		m.terminations.WithLabelValues(kind).Inc()
	}
}

// ToolCalled records one tool call. result is one of ResultOK, ResultToolError or ResultError.
func (m *Metrics) ToolCalled(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(kind, result).Inc()
	m.toolCallDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Probed records the outcome of one health probe.
func (m *Metrics) Probed(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.probes.WithLabelValues(result).Inc()
}
