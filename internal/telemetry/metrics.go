package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	RequestTotal       *prometheus.CounterVec
	RequestDurationMs  *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	CostUSDTotal       *prometheus.CounterVec
	FailoverTotal      *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	CooldownTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_request_total",
			Help: "Total number of completion requests processed by the relay.",
		}, []string{"provider", "model", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_ms",
			Help:    "Provider call duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider", "model"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Total tokens processed.",
		}, []string{"provider", "model", "direction"}),

		CostUSDTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cost_usd_total",
			Help: "Estimated total cost in USD.",
		}, []string{"provider", "model"}),

		FailoverTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_failover_total",
			Help: "Requests served by a provider other than the first in order.",
		}, []string{"provider"}),

		CircuitTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"circuit", "to_state"}),

		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_circuit_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"circuit"}),

		CooldownTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cooldown_total",
			Help: "Providers benched after rate-limit signals.",
		}, []string{"provider"}),
	}
}

// RecordRequest records metrics for a completed provider call.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Provider, labels.Model, labels.Status,
	).Inc()

	m.RequestDurationMs.WithLabelValues(
		labels.Provider, labels.Model,
	).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(
			labels.Provider, labels.Model, "prompt",
		).Add(float64(labels.PromptTokens))
	}

	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(
			labels.Provider, labels.Model, "completion",
		).Add(float64(labels.CompletionTokens))
	}

	if labels.CostUSD > 0 {
		m.CostUSDTotal.WithLabelValues(
			labels.Provider, labels.Model,
		).Add(labels.CostUSD)
	}
}

// RecordFailover records a request served by a fallback provider.
func (m *Metrics) RecordFailover(provider string) {
	m.FailoverTotal.WithLabelValues(provider).Inc()
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(circuit, toState string) {
	m.CircuitTransitions.WithLabelValues(circuit, toState).Inc()
}

// SetCircuitState records the current breaker state as a gauge.
func (m *Metrics) SetCircuitState(circuit string, state float64) {
	m.CircuitState.WithLabelValues(circuit).Set(state)
}

// RecordCooldown records a provider benched by a rate-limit signal.
func (m *Metrics) RecordCooldown(provider string) {
	m.CooldownTotal.WithLabelValues(provider).Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Provider         string
	Model            string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}
