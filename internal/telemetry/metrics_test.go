package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/af-corp/relay-gateway/internal/circuit"
)

// testMetrics builds a Metrics with unregistered collectors so tests never
// pollute the default registry.
func testMetrics() *Metrics {
	return &Metrics{
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_relay_request_total",
			Help: "Test counter",
		}, []string{"provider", "model", "status"}),
		RequestDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "test_relay_request_duration_ms",
			Help:    "Test histogram",
			Buckets: []float64{100, 500, 1000},
		}, []string{"provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_relay_tokens_total",
			Help: "Test counter",
		}, []string{"provider", "model", "direction"}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_relay_cost_usd_total",
			Help: "Test counter",
		}, []string{"provider", "model"}),
		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_relay_failover_total",
			Help: "Test counter",
		}, []string{"provider"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_relay_circuit_transitions_total",
			Help: "Test counter",
		}, []string{"circuit", "to_state"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "test_relay_circuit_state",
			Help: "Test gauge",
		}, []string{"circuit"}),
		CooldownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_relay_cooldown_total",
			Help: "Test counter",
		}, []string{"provider"}),
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	counter.Write(&metric)
	return *metric.Counter.Value
}

func TestRecordRequest(t *testing.T) {
	m := testMetrics()

	m.RecordRequest(RequestLabels{
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		Status:           "success",
		DurationMs:       150,
		PromptTokens:     100,
		CompletionTokens: 50,
		CostUSD:          0.005,
	})

	if got := counterValue(t, m.RequestTotal, "anthropic", "claude-sonnet-4-5", "success"); got != 1 {
		t.Errorf("expected request count 1, got %v", got)
	}
	if got := counterValue(t, m.TokensTotal, "anthropic", "claude-sonnet-4-5", "prompt"); got != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", got)
	}
	if got := counterValue(t, m.TokensTotal, "anthropic", "claude-sonnet-4-5", "completion"); got != 50 {
		t.Errorf("expected 50 completion tokens, got %v", got)
	}
	if got := counterValue(t, m.CostUSDTotal, "anthropic", "claude-sonnet-4-5"); got != 0.005 {
		t.Errorf("expected 0.005 cost, got %v", got)
	}
}

func TestRecordRequest_SkipsZeroTokensAndCost(t *testing.T) {
	m := testMetrics()

	m.RecordRequest(RequestLabels{
		Provider: "ollama",
		Model:    "llama3",
		Status:   "error",
	})

	if got := counterValue(t, m.RequestTotal, "ollama", "llama3", "error"); got != 1 {
		t.Errorf("expected request count 1, got %v", got)
	}
	// Free local provider with no usage recorded: cost series stays untouched.
	if got := counterValue(t, m.CostUSDTotal, "ollama", "llama3"); got != 0 {
		t.Errorf("expected 0 cost, got %v", got)
	}
}

func TestRecordFailover(t *testing.T) {
	m := testMetrics()

	m.RecordFailover("ollama")
	m.RecordFailover("ollama")

	if got := counterValue(t, m.FailoverTotal, "ollama"); got != 2 {
		t.Errorf("expected failover count 2, got %v", got)
	}
}

func TestRecordCircuitTransition(t *testing.T) {
	m := testMetrics()

	m.RecordCircuitTransition("llm-openai", "open")

	if got := counterValue(t, m.CircuitTransitions, "llm-openai", "open"); got != 1 {
		t.Errorf("expected transition count 1, got %v", got)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	gauge.Write(&metric)
	return *metric.Gauge.Value
}

// A real breaker transition must produce metric streams when the registry
// observer is wired the way cmd/gateway wires it.
func TestCircuitTransitionsObservedFromBreaker(t *testing.T) {
	m := testMetrics()

	reg := circuit.NewRegistry()
	reg.OnStateChange(func(name string, from, to circuit.State) {
		m.RecordCircuitTransition(name, to.String())
		m.SetCircuitState(name, float64(to))
	})

	cfg := circuit.DefaultConfig()
	cfg.FailureThreshold = 1
	b, err := reg.Get("llm-anthropic", cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	b.RecordFailure(errors.New("boom"))

	if got := counterValue(t, m.CircuitTransitions, "llm-anthropic", "open"); got != 1 {
		t.Errorf("expected 1 closed->open transition recorded, got %v", got)
	}
	if got := gaugeValue(t, m.CircuitState, "llm-anthropic"); got != float64(circuit.StateOpen) {
		t.Errorf("circuit state gauge = %v, want %v", got, float64(circuit.StateOpen))
	}

	b.Reset()
	if got := gaugeValue(t, m.CircuitState, "llm-anthropic"); got != float64(circuit.StateClosed) {
		t.Errorf("circuit state gauge after reset = %v, want %v", got, float64(circuit.StateClosed))
	}
}

func TestRecordCooldown(t *testing.T) {
	m := testMetrics()

	m.RecordCooldown("gemini")

	if got := counterValue(t, m.CooldownTotal, "gemini"); got != 1 {
		t.Errorf("expected cooldown count 1, got %v", got)
	}
}
