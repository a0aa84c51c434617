package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/cooldown"
	"github.com/af-corp/relay-gateway/internal/provider"
	"github.com/af-corp/relay-gateway/internal/types"
)

// stubAdapter scripts provider outcomes while running them through a real
// breaker, like the production adapters do.
type stubAdapter struct {
	name    string
	breaker *circuit.Breaker
	err     error
	calls   int
}

func newStub(t *testing.T, name string, err error) *stubAdapter {
	t.Helper()
	cfg := circuit.DefaultConfig()
	breaker, berr := circuit.NewBreaker("llm-"+name, cfg)
	if berr != nil {
		t.Fatalf("NewBreaker: %v", berr)
	}
	return &stubAdapter{name: name, breaker: breaker, err: err}
}

func (s *stubAdapter) Name() string              { return s.name }
func (s *stubAdapter) Circuit() *circuit.Breaker { return s.breaker }
func (s *stubAdapter) CountTokens(text string) int {
	return len(text) / 4
}
func (s *stubAdapter) CalculateCost(usage types.Usage) float64 { return 0 }

func (s *stubAdapter) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	var result *types.CompletionResult
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		s.calls++
		if s.err != nil {
			return s.err
		}
		result = &types.CompletionResult{
			ID:       s.name + "-1",
			Content:  "ok",
			Model:    "m",
			Provider: s.name,
			Usage:    types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func newOrchestrator(t *testing.T, stubs []*stubAdapter, opts Options) *Orchestrator {
	t.Helper()
	adapters := make(map[string]provider.Adapter, len(stubs))
	order := make([]string, 0, len(stubs))
	for _, s := range stubs {
		adapters[s.name] = s
		order = append(order, s.name)
	}
	return New(adapters, config.FailoverConfig{Enabled: true, Order: order}, nil, opts)
}

func TestCreateCompletion_PrimaryServes(t *testing.T) {
	primary := newStub(t, "anthropic", nil)
	fallback := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{primary, fallback}, Options{})

	result, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", result.Provider)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times, want 0", fallback.calls)
	}

	stats := o.Metrics()
	if stats.TotalRequests != 1 || stats.SuccessfulRequests != 1 {
		t.Errorf("stats = %+v, want 1 total 1 success", stats)
	}
	if stats.FailoverCount != 0 {
		t.Errorf("failover count = %d, want 0 when primary serves", stats.FailoverCount)
	}
}

func TestCreateCompletion_FailsOverSequentially(t *testing.T) {
	p1 := newStub(t, "anthropic", errors.New("upstream down"))
	p2 := newStub(t, "ollama", errors.New("connection refused"))
	p3 := newStub(t, "openai", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2, p3}, Options{})

	result, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "openai" {
		t.Errorf("provider = %q, want openai", result.Provider)
	}
	if p1.calls != 1 || p2.calls != 1 || p3.calls != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/1/1", p1.calls, p2.calls, p3.calls)
	}

	// Each attempted failure lands on that provider's breaker.
	if got := p1.breaker.Status().Metrics.FailedCalls; got != 1 {
		t.Errorf("p1 breaker failures = %d, want 1", got)
	}
	if got := p2.breaker.Status().Metrics.FailedCalls; got != 1 {
		t.Errorf("p2 breaker failures = %d, want 1", got)
	}

	stats := o.Metrics()
	if stats.FailoverCount != 1 {
		t.Errorf("failover count = %d, want exactly 1 per served request", stats.FailoverCount)
	}
	if stats.Providers["anthropic"].Failures != 1 || stats.Providers["ollama"].Failures != 1 {
		t.Errorf("provider failure stats = %+v", stats.Providers)
	}
}

func TestCreateCompletion_Exhaustion(t *testing.T) {
	p1 := newStub(t, "anthropic", errors.New("down"))
	p2 := newStub(t, "ollama", errors.New("down"))
	p3 := newStub(t, "openai", errors.New("down"))
	o := newOrchestrator(t, []*stubAdapter{p1, p2, p3}, Options{})

	_, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"})
	var exhausted *ExhaustionError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustionError, got %v", err)
	}
	if len(exhausted.Outcomes) != 3 {
		t.Errorf("outcomes = %d, want 3", len(exhausted.Outcomes))
	}

	stats := o.Metrics()
	if stats.FailedRequests != 1 {
		t.Errorf("failed requests = %d, want 1 per exhausted request, not per attempt", stats.FailedRequests)
	}
	if stats.FailoverCount != 0 {
		t.Errorf("failover count = %d, want 0 on exhaustion", stats.FailoverCount)
	}
}

func TestCreateCompletion_OpenCircuitIsPureSkip(t *testing.T) {
	p1 := newStub(t, "anthropic", nil)
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{})

	p1.breaker.ForceOpen(time.Minute)
	failuresBefore := p1.breaker.Status().Metrics.FailedCalls

	result, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", result.Provider)
	}
	if p1.calls != 0 {
		t.Errorf("open-circuit provider invoked %d times, want 0", p1.calls)
	}
	if got := p1.breaker.Status().Metrics.FailedCalls; got != failuresBefore {
		t.Errorf("skip counted as failure: %d -> %d", failuresBefore, got)
	}

	stats := o.Metrics()
	if stats.Providers["anthropic"].Skips != 1 {
		t.Errorf("skips = %d, want 1", stats.Providers["anthropic"].Skips)
	}
	if stats.Providers["anthropic"].Requests != 0 {
		t.Errorf("skip counted as request attempt: %d", stats.Providers["anthropic"].Requests)
	}
	if stats.FailoverCount != 1 {
		t.Errorf("failover count = %d, want 1 when fallback serves", stats.FailoverCount)
	}
}

func TestCreateCompletion_CoolingProviderDemotedToTail(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	tracker := cooldown.NewTracker(rdb, time.Minute)

	p1 := newStub(t, "anthropic", nil)
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{Cooldowns: tracker})

	ctx := context.Background()
	tracker.Trip(ctx, "anthropic")

	result, err := o.CreateCompletion(ctx, &types.CompletionRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", result.Provider)
	}
	if p1.calls != 0 {
		t.Errorf("demoted provider invoked %d times before the rest of the order, want 0", p1.calls)
	}

	// Serving from behind the cooling primary still counts as one failover.
	if got := o.Metrics().FailoverCount; got != 1 {
		t.Errorf("failover count = %d, want 1", got)
	}
}

func TestCreateCompletion_AllCoolingStillAttempted(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	tracker := cooldown.NewTracker(rdb, time.Minute)

	p1 := newStub(t, "anthropic", nil)
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{Cooldowns: tracker})

	ctx := context.Background()
	tracker.Trip(ctx, "anthropic")
	tracker.Trip(ctx, "ollama")

	// Every provider is cooling; the order is only demoted, never emptied,
	// so the request is still served as a last resort.
	result, err := o.CreateCompletion(ctx, &types.CompletionRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", result.Provider)
	}
	if got := o.Metrics().FailoverCount; got != 0 {
		t.Errorf("failover count = %d, want 0 when the primary serves", got)
	}

	// Success clears the serving provider's cooldown.
	if tracker.Active(ctx, "anthropic") {
		t.Error("cooldown should be cleared after a successful call")
	}
}

func TestCreateCompletion_RateLimitTripsCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	tracker := cooldown.NewTracker(rdb, time.Minute)

	p1 := newStub(t, "anthropic", errors.New("rate limit exceeded"))
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{Cooldowns: tracker})

	ctx := context.Background()
	result, err := o.CreateCompletion(ctx, &types.CompletionRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", result.Provider)
	}
	if !tracker.Active(ctx, "anthropic") {
		t.Error("rate-limited provider should be cooling down")
	}
}

func TestCreateCompletion_PreferProviderMovesFirst(t *testing.T) {
	p1 := newStub(t, "anthropic", nil)
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{})

	result, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{
		RequestID:      "r1",
		PreferProvider: "ollama",
	})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if result.Provider != "ollama" {
		t.Errorf("provider = %q, want preferred ollama", result.Provider)
	}
	if p1.calls != 0 {
		t.Errorf("default provider invoked %d times, want 0", p1.calls)
	}

	// Serving the preferred head of the order is not a failover.
	if got := o.Metrics().FailoverCount; got != 0 {
		t.Errorf("failover count = %d, want 0", got)
	}
}

func TestCreateCompletion_DisabledFailoverStopsAtPrimary(t *testing.T) {
	p1 := newStub(t, "anthropic", errors.New("down"))
	p2 := newStub(t, "ollama", nil)

	adapters := map[string]provider.Adapter{"anthropic": p1, "ollama": p2}
	o := New(adapters, config.FailoverConfig{Enabled: false, Order: []string{"anthropic", "ollama"}}, nil, Options{})

	_, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"})
	var exhausted *ExhaustionError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustionError, got %v", err)
	}
	if p2.calls != 0 {
		t.Errorf("fallback invoked %d times with failover disabled, want 0", p2.calls)
	}
}

func TestCreateCompletion_NoProviders(t *testing.T) {
	o := New(map[string]provider.Adapter{}, config.FailoverConfig{Enabled: true}, nil, Options{})

	_, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"})
	var exhausted *ExhaustionError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustionError, got %v", err)
	}
	if o.Metrics().FailedRequests != 1 {
		t.Errorf("failed requests = %d, want 1", o.Metrics().FailedRequests)
	}
}

type captureSink struct {
	records []Invocation
}

func (c *captureSink) Record(ctx context.Context, inv Invocation) {
	c.records = append(c.records, inv)
}

func TestCreateCompletion_SinkReceivesAttempts(t *testing.T) {
	sink := &captureSink{}
	p1 := newStub(t, "anthropic", errors.New("down"))
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{Sink: sink})

	if _, err := o.CreateCompletion(context.Background(), &types.CompletionRequest{RequestID: "r1"}); err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}

	if len(sink.records) != 2 {
		t.Fatalf("sink records = %d, want 2 (one failure, one success)", len(sink.records))
	}
	if sink.records[0].Provider != "anthropic" || sink.records[0].Success {
		t.Errorf("first record = %+v, want failed anthropic attempt", sink.records[0])
	}
	if sink.records[1].Provider != "ollama" || !sink.records[1].Success || !sink.records[1].FailedOver {
		t.Errorf("second record = %+v, want failed-over ollama success", sink.records[1])
	}
}

func TestDeriveOrder(t *testing.T) {
	provs := map[string]config.ProviderConfig{
		"anthropic": {Type: "anthropic", CostPer1KPrompt: 0.003, CostPer1KCompletion: 0.015},
		"openai":    {Type: "openai", CostPer1KPrompt: 0.00015, CostPer1KCompletion: 0.0006},
		"ollama":    {Type: "ollama"},
		"localai":   {Type: "compatible"},
	}

	order := DeriveOrder("anthropic", provs)
	want := []string{"anthropic", "localai", "ollama", "openai"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDeriveOrder_SkipsDisabled(t *testing.T) {
	disabled := false
	provs := map[string]config.ProviderConfig{
		"anthropic": {Type: "anthropic", Enabled: &disabled},
		"ollama":    {Type: "ollama"},
	}

	order := DeriveOrder("anthropic", provs)
	if len(order) != 1 || order[0] != "ollama" {
		t.Errorf("order = %v, want [ollama]", order)
	}
}

func TestResetCircuits(t *testing.T) {
	p1 := newStub(t, "anthropic", nil)
	p2 := newStub(t, "ollama", nil)
	o := newOrchestrator(t, []*stubAdapter{p1, p2}, Options{})

	p1.breaker.ForceOpen(time.Minute)
	p2.breaker.ForceOpen(time.Minute)
	o.ResetCircuits()

	for name, status := range o.CircuitStatus() {
		if status.State != "closed" {
			t.Errorf("circuit %s state = %s, want closed", name, status.State)
		}
	}
}
