// Package failover routes completion requests across LLM providers. Providers
// are tried strictly sequentially in a fixed priority order; an open circuit
// is a pure skip, cooling providers are demoted to the end of the order and
// attempted last, an attempted call that fails is recorded on that provider's
// breaker, and exhaustion of the whole order yields a single ExhaustionError.
package failover

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/cooldown"
	"github.com/af-corp/relay-gateway/internal/provider"
	"github.com/af-corp/relay-gateway/internal/telemetry"
	"github.com/af-corp/relay-gateway/internal/types"
)

// Invocation is the persistence record for one attempted provider call.
type Invocation struct {
	RequestID  string
	Provider   string
	Model      string
	Success    bool
	FailedOver bool
	ErrorKind  string
	Usage      types.Usage
	CostUSD    float64
	Latency    time.Duration
	At         time.Time
}

// Sink receives invocation records for persistence. Implementations must not
// block the request path.
type Sink interface {
	Record(ctx context.Context, inv Invocation)
}

// ProviderStats are per-provider counters, snapshotted by Metrics.
type ProviderStats struct {
	Requests         uint64  `json:"requests"`
	Successes        uint64  `json:"successes"`
	Failures         uint64  `json:"failures"`
	Skips            uint64  `json:"skips"`
	PromptTokens     uint64  `json:"prompt_tokens"`
	CompletionTokens uint64  `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Stats is a snapshot of orchestrator-level counters.
type Stats struct {
	TotalRequests      uint64                   `json:"total_requests"`
	SuccessfulRequests uint64                   `json:"successful_requests"`
	FailedRequests     uint64                   `json:"failed_requests"`
	FailoverCount      uint64                   `json:"failover_count"`
	TotalTokens        uint64                   `json:"total_tokens"`
	TotalCostUSD       float64                  `json:"total_cost_usd"`
	Providers          map[string]ProviderStats `json:"providers"`
}

// Options carries the orchestrator's optional collaborators. Any field may be
// nil; a nil collaborator simply disables that concern.
type Options struct {
	Cooldowns *cooldown.Tracker
	Metrics   *telemetry.Metrics
	Sink      Sink
}

// Orchestrator owns the failover policy. It is safe for concurrent use.
type Orchestrator struct {
	adapters map[string]provider.Adapter
	order    []string
	enabled  bool

	cooldowns *cooldown.Tracker
	metrics   *telemetry.Metrics
	sink      Sink

	mu    sync.Mutex
	stats Stats
}

// New creates an orchestrator over pre-built adapters. Order entries naming
// unknown or disabled providers are dropped. When failover is disabled only
// the first provider in the order is ever attempted.
func New(adapters map[string]provider.Adapter, fc config.FailoverConfig, provCfg map[string]config.ProviderConfig, opts Options) *Orchestrator {
	order := fc.Order
	if len(order) == 0 {
		order = DeriveOrder(fc.DefaultProvider, provCfg)
	}
	kept := make([]string, 0, len(order))
	for _, name := range order {
		if _, ok := adapters[name]; ok {
			kept = append(kept, name)
		}
	}

	return &Orchestrator{
		adapters:  adapters,
		order:     kept,
		enabled:   fc.Enabled,
		cooldowns: opts.Cooldowns,
		metrics:   opts.Metrics,
		sink:      opts.Sink,
		stats:     Stats{Providers: make(map[string]ProviderStats)},
	}
}

// DeriveOrder builds the failover order when none is configured: the default
// provider first, then zero-cost providers, then the rest, alphabetical
// within each tier.
func DeriveOrder(defaultProvider string, provs map[string]config.ProviderConfig) []string {
	var free, paid []string
	for name, cfg := range provs {
		if name == defaultProvider || !cfg.IsEnabled() {
			continue
		}
		if cfg.IsFree() {
			free = append(free, name)
		} else {
			paid = append(paid, name)
		}
	}
	sort.Strings(free)
	sort.Strings(paid)

	order := make([]string, 0, len(provs))
	if defaultProvider != "" {
		if cfg, ok := provs[defaultProvider]; ok && cfg.IsEnabled() {
			order = append(order, defaultProvider)
		}
	}
	order = append(order, free...)
	return append(order, paid...)
}

// Order returns the effective provider order.
func (o *Orchestrator) Order() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// CreateCompletion tries each provider in order until one serves the request.
// Open circuits are skipped without counting as failures; cooling providers
// are moved to the end of the order and still attempted as a last resort. A
// request served by any provider other than the first in order increments
// the failover count exactly once.
func (o *Orchestrator) CreateCompletion(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	o.mu.Lock()
	o.stats.TotalRequests++
	o.mu.Unlock()

	order := o.attemptOrder(req.PreferProvider)
	if len(order) == 0 {
		o.recordRequestFailed()
		return nil, &ExhaustionError{}
	}
	primary := order[0]
	order = o.demoteCooling(ctx, order)

	var outcomes []AttemptOutcome
	for _, name := range order {
		adapter := o.adapters[name]

		if !adapter.Circuit().Allow() {
			outcomes = append(outcomes, AttemptOutcome{Provider: name, Skipped: true, Reason: "circuit open"})
			o.recordSkip(name)
			slog.Debug("skipping provider, circuit open", "provider", name)
			continue
		}

		start := time.Now()
		result, err := adapter.Invoke(ctx, req)
		if err != nil {
			// Allow raced a concurrent open; still a pure skip.
			var openErr *circuit.OpenError
			if errors.As(err, &openErr) {
				outcomes = append(outcomes, AttemptOutcome{Provider: name, Skipped: true, Reason: "circuit open"})
				o.recordSkip(name)
				continue
			}

			outcomes = append(outcomes, AttemptOutcome{Provider: name, Reason: err.Error()})
			o.recordFailure(ctx, name, adapter, req, err, time.Since(start))

			if cooldown.IsRateLimit(err) {
				o.tripCooldown(ctx, name)
			}
			slog.Warn("provider attempt failed",
				"provider", name,
				"request_id", req.RequestID,
				"error", err,
			)
			continue
		}

		failedOver := name != primary
		o.recordSuccess(ctx, name, req, result, failedOver)
		if o.cooldowns != nil {
			o.cooldowns.Clear(ctx, name)
		}
		if failedOver {
			slog.Info("request served by fallback provider",
				"provider", name,
				"primary", primary,
				"request_id", req.RequestID,
			)
		}
		return result, nil
	}

	o.recordRequestFailed()
	slog.Error("all providers exhausted", "request_id", req.RequestID, "attempted", len(outcomes))
	return nil, &ExhaustionError{Outcomes: outcomes}
}

// attemptOrder returns the order for one request, honoring a preferred
// provider by moving it to the front. With failover disabled the order is
// truncated to its head.
func (o *Orchestrator) attemptOrder(prefer string) []string {
	order := o.order
	if prefer != "" {
		if _, ok := o.adapters[prefer]; ok {
			reordered := make([]string, 0, len(order))
			reordered = append(reordered, prefer)
			for _, name := range order {
				if name != prefer {
					reordered = append(reordered, name)
				}
			}
			order = reordered
		}
	}
	if !o.enabled && len(order) > 1 {
		order = order[:1]
	}
	return order
}

// demoteCooling moves providers in an active cooldown to the end of the
// order, preserving relative order within each partition. They stay in the
// order so a window where every provider is cooling can still be served.
func (o *Orchestrator) demoteCooling(ctx context.Context, order []string) []string {
	if o.cooldowns == nil || len(order) < 2 {
		return order
	}
	ready := make([]string, 0, len(order))
	var cooling []string
	for _, name := range order {
		if o.cooldowns.Active(ctx, name) {
			cooling = append(cooling, name)
			continue
		}
		ready = append(ready, name)
	}
	if len(cooling) > 0 {
		slog.Debug("demoting cooling providers", "providers", cooling)
	}
	return append(ready, cooling...)
}

func (o *Orchestrator) recordSkip(name string) {
	o.mu.Lock()
	ps := o.stats.Providers[name]
	ps.Skips++
	o.stats.Providers[name] = ps
	o.mu.Unlock()
}

func (o *Orchestrator) recordFailure(ctx context.Context, name string, adapter provider.Adapter, req *types.CompletionRequest, err error, latency time.Duration) {
	o.mu.Lock()
	ps := o.stats.Providers[name]
	ps.Requests++
	ps.Failures++
	o.stats.Providers[name] = ps
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordRequest(telemetry.RequestLabels{
			Provider:   name,
			Model:      req.Model,
			Status:     "error",
			DurationMs: float64(latency.Milliseconds()),
		})
	}
	if o.sink != nil {
		o.sink.Record(ctx, Invocation{
			RequestID: req.RequestID,
			Provider:  name,
			Model:     req.Model,
			ErrorKind: errorKind(err),
			Latency:   latency,
			At:        time.Now(),
		})
	}
}

func (o *Orchestrator) recordSuccess(ctx context.Context, name string, req *types.CompletionRequest, result *types.CompletionResult, failedOver bool) {
	o.mu.Lock()
	o.stats.SuccessfulRequests++
	if failedOver {
		o.stats.FailoverCount++
	}
	o.stats.TotalTokens += uint64(result.Usage.TotalTokens)
	o.stats.TotalCostUSD += result.CostUSD
	ps := o.stats.Providers[name]
	ps.Requests++
	ps.Successes++
	ps.PromptTokens += uint64(result.Usage.PromptTokens)
	ps.CompletionTokens += uint64(result.Usage.CompletionTokens)
	ps.CostUSD += result.CostUSD
	o.stats.Providers[name] = ps
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordRequest(telemetry.RequestLabels{
			Provider:         name,
			Model:            result.Model,
			Status:           "success",
			DurationMs:       float64(result.Latency.Milliseconds()),
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			CostUSD:          result.CostUSD,
		})
		if failedOver {
			o.metrics.RecordFailover(name)
		}
	}
	if o.sink != nil {
		o.sink.Record(ctx, Invocation{
			RequestID:  req.RequestID,
			Provider:   name,
			Model:      result.Model,
			Success:    true,
			FailedOver: failedOver,
			Usage:      result.Usage,
			CostUSD:    result.CostUSD,
			Latency:    result.Latency,
			At:         time.Now(),
		})
	}
}

func (o *Orchestrator) recordRequestFailed() {
	o.mu.Lock()
	o.stats.FailedRequests++
	o.mu.Unlock()
}

func (o *Orchestrator) tripCooldown(ctx context.Context, name string) {
	if o.cooldowns == nil {
		return
	}
	o.cooldowns.Trip(ctx, name)
	if o.metrics != nil {
		o.metrics.RecordCooldown(name)
	}
}

// Metrics returns a snapshot of orchestrator counters.
func (o *Orchestrator) Metrics() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := o.stats
	out.Providers = make(map[string]ProviderStats, len(o.stats.Providers))
	for name, ps := range o.stats.Providers {
		out.Providers[name] = ps
	}
	return out
}

// CircuitStatus returns per-provider breaker snapshots keyed by provider
// name.
func (o *Orchestrator) CircuitStatus() map[string]circuit.Status {
	out := make(map[string]circuit.Status, len(o.order))
	for _, name := range o.order {
		out[name] = o.adapters[name].Circuit().Status()
	}
	return out
}

// Adapter looks up an adapter by provider name.
func (o *Orchestrator) Adapter(name string) (provider.Adapter, bool) {
	a, ok := o.adapters[name]
	return a, ok
}

// ResetCircuits closes every provider breaker.
func (o *Orchestrator) ResetCircuits() {
	for _, name := range o.order {
		o.adapters[name].Circuit().Reset()
	}
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case cooldown.IsRateLimit(err):
		return "rate_limit"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
