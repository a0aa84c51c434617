package config

import (
	"fmt"
	"time"

	"github.com/af-corp/relay-gateway/internal/circuit"
)

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one LLM backend: how to reach it, what it costs,
// and how its circuit breaker is tuned.
type ProviderConfig struct {
	Type       string        `yaml:"type"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Enabled    *bool         `yaml:"enabled"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// Cost per 1000 tokens, in USD. Zero for local providers.
	CostPer1KPrompt     float64 `yaml:"cost_per_1k_prompt"`
	CostPer1KCompletion float64 `yaml:"cost_per_1k_completion"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// IsEnabled defaults to true when the flag is omitted.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// IsFree reports whether the provider bills nothing for tokens.
func (p ProviderConfig) IsFree() bool {
	return p.CostPer1KPrompt == 0 && p.CostPer1KCompletion == 0
}

// Validate rejects provider configs the adapters cannot work with.
func (p ProviderConfig) Validate(name string) error {
	if p.Type == "" {
		return fmt.Errorf("provider %q: type is required", name)
	}
	if p.CostPer1KPrompt < 0 || p.CostPer1KCompletion < 0 {
		return fmt.Errorf("provider %q: cost rates must be non-negative", name)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("provider %q: max_retries must be non-negative", name)
	}
	return nil
}

// CircuitBreakerConfig is the YAML shape of a per-provider breaker config.
// Omitted fields fall back to the slow-dependency defaults, which suit LLM
// backends.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	FailureWindow      time.Duration `yaml:"failure_window"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	MaxRecoveryTimeout time.Duration `yaml:"max_recovery_timeout"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
}

// ToCircuit merges the YAML config over the slow-dependency defaults.
func (c CircuitBreakerConfig) ToCircuit() circuit.Config {
	cfg := circuit.SlowConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.FailureWindow > 0 {
		cfg.FailureWindow = c.FailureWindow
	}
	if c.RecoveryTimeout > 0 {
		cfg.RecoveryTimeout = c.RecoveryTimeout
	}
	if c.MaxRecoveryTimeout > 0 {
		cfg.MaxRecoveryTimeout = c.MaxRecoveryTimeout
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.CallTimeout > 0 {
		cfg.CallTimeout = c.CallTimeout
	}
	if cfg.MaxRecoveryTimeout < cfg.RecoveryTimeout {
		cfg.MaxRecoveryTimeout = cfg.RecoveryTimeout
	}
	return cfg
}
