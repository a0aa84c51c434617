package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

// Adapter is the uniform contract every backend implements. The failover
// orchestrator only ever talks to this interface, never to a concrete
// provider.
type Adapter interface {
	Name() string

	// Invoke translates the canonical request into the backend's call
	// shape, performs the call under circuit protection, and normalizes
	// the reply. A blocked circuit yields *circuit.OpenError without any
	// network traffic.
	Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error)

	// CountTokens is an approximation for pre-flight estimation only,
	// never billing truth.
	CountTokens(text string) int

	// CalculateCost prices usage against the configured per-1k-token
	// rates. Zero-rate (local) providers always cost 0.
	CalculateCost(usage types.Usage) float64

	// Circuit exposes the breaker owned by this adapter so the
	// orchestrator can skip without attempting a call.
	Circuit() *circuit.Breaker
}

// core carries what every adapter shares: config, cost model, and exactly
// one circuit breaker obtained from the registry under the "llm-<name>" key.
type core struct {
	name    string
	cfg     config.ProviderConfig
	breaker *circuit.Breaker
}

func newCore(name string, cfg config.ProviderConfig, reg *circuit.Registry) (core, error) {
	breaker, err := reg.Get("llm-"+name, cfg.CircuitBreaker.ToCircuit())
	if err != nil {
		return core{}, err
	}
	return core{name: name, cfg: cfg, breaker: breaker}, nil
}

func (c *core) Name() string { return c.name }

func (c *core) Circuit() *circuit.Breaker { return c.breaker }

// CountTokens estimates ~4 characters per token.
func (c *core) CountTokens(text string) int { return len(text) / 4 }

func (c *core) CalculateCost(usage types.Usage) float64 {
	promptCost := float64(usage.PromptTokens) / 1000.0 * c.cfg.CostPer1KPrompt
	completionCost := float64(usage.CompletionTokens) / 1000.0 * c.cfg.CostPer1KCompletion
	return promptCost + completionCost
}

// model returns the provider's configured model. Failover deliberately does
// not forward the caller's model name across providers — each backend
// serves its own configured model.
func (c *core) model() string { return c.cfg.Model }

// guard runs the provider-specific call under the breaker and stamps
// provider, cost, and latency on the normalized result.
func (c *core) guard(ctx context.Context, call func(context.Context) (*types.CompletionResult, error)) (*types.CompletionResult, error) {
	var result *types.CompletionResult
	start := time.Now()

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		r, err := call(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Provider = c.name
	result.Latency = time.Since(start)
	result.CostUSD = c.CalculateCost(result.Usage)
	return result, nil
}

// New builds the adapter for one provider entry.
func New(name string, cfg config.ProviderConfig, reg *circuit.Registry) (Adapter, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropic(name, cfg, reg)
	case "openai":
		return NewOpenAI(name, cfg, reg)
	case "compatible":
		return NewCompatible(name, cfg, reg)
	case "ollama":
		return NewOllama(name, cfg, reg)
	case "gemini":
		return NewGemini(name, cfg, reg)
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", name, cfg.Type)
	}
}

// BuildAll constructs one adapter per enabled provider.
func BuildAll(provCfg *config.ProvidersConfig, reg *circuit.Registry) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)
	for name, cfg := range provCfg.Providers {
		if !cfg.IsEnabled() {
			continue
		}
		a, err := New(name, cfg, reg)
		if err != nil {
			return nil, err
		}
		adapters[name] = a
	}
	return adapters, nil
}
