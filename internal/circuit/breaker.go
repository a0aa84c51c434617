package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // healthy — requests flow
	StateOpen                  // unhealthy — requests blocked
	StateHalfOpen              // probing — requests allowed to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a guarded call is blocked by an open circuit.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %q is open, retry after %.1fs", e.Name, e.RetryAfter.Seconds())
	}
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// Config holds the tuning knobs for one breaker.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trips the circuit open.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are counted.
	FailureWindow time.Duration

	// RecoveryTimeout is how long the circuit stays open before probing
	// resumes. Grows by BackoffMultiplier on every open transition, capped
	// at MaxRecoveryTimeout, and resets to this base value on close.
	RecoveryTimeout    time.Duration
	MaxRecoveryTimeout time.Duration
	BackoffMultiplier  float64

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int

	// CallTimeout bounds a single guarded call. Zero means no timeout.
	CallTimeout time.Duration

	// IgnoreError reports whether an error should not count as a failure.
	IgnoreError func(error) bool

	// OnStateChange observes every state transition. Called synchronously
	// with the breaker lock held; it must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig mirrors the conservative defaults used for slow upstream
// dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		FailureWindow:      60 * time.Second,
		RecoveryTimeout:    30 * time.Second,
		MaxRecoveryTimeout: 300 * time.Second,
		BackoffMultiplier:  2.0,
		SuccessThreshold:   3,
	}
}

// FastConfig suits quick, cheap dependencies that recover fast.
func FastConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.FailureWindow = 30 * time.Second
	cfg.RecoveryTimeout = 10 * time.Second
	cfg.SuccessThreshold = 2
	return cfg
}

// SlowConfig suits slow external APIs such as LLM backends.
func SlowConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureWindow = 120 * time.Second
	cfg.RecoveryTimeout = 60 * time.Second
	return cfg
}

// Validate rejects configurations that would make the state machine
// degenerate. Called at breaker construction.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("failure_window must be positive, got %v", c.FailureWindow)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %v", c.RecoveryTimeout)
	}
	if c.MaxRecoveryTimeout < c.RecoveryTimeout {
		return fmt.Errorf("max_recovery_timeout %v must be >= recovery_timeout %v", c.MaxRecoveryTimeout, c.RecoveryTimeout)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	return nil
}

// Metrics is a snapshot of per-breaker call counters.
type Metrics struct {
	TotalCalls      uint64    `json:"total_calls"`
	SuccessfulCalls uint64    `json:"successful_calls"`
	FailedCalls     uint64    `json:"failed_calls"`
	RejectedCalls   uint64    `json:"rejected_calls"`
	Timeouts        uint64    `json:"timeouts"`
	OpenedCount     uint64    `json:"opened_count"`
	ClosedCount     uint64    `json:"closed_count"`
	LastSuccessAt   time.Time `json:"last_success_at,omitzero"`
	LastFailureAt   time.Time `json:"last_failure_at,omitzero"`
}

// Status is the externally visible snapshot of one breaker, served by the
// operational read API.
type Status struct {
	Name                 string       `json:"name"`
	State                string       `json:"state"`
	Config               ConfigStatus `json:"config"`
	CurrentFailures      int          `json:"current_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	CurrentRecoverySecs  float64      `json:"current_recovery_timeout_seconds"`
	RetryAfterSecs       float64      `json:"retry_after_seconds,omitempty"`
	Metrics              Metrics      `json:"metrics"`
}

type ConfigStatus struct {
	FailureThreshold    int     `json:"failure_threshold"`
	FailureWindowSecs   float64 `json:"failure_window_seconds"`
	RecoveryTimeoutSecs float64 `json:"recovery_timeout_seconds"`
	SuccessThreshold    int     `json:"success_threshold"`
}

// Breaker guards one unreliable dependency. It decides per call whether an
// attempt is allowed and learns from the recorded outcome. All state
// mutations are serialized behind a single mutex; guarded calls themselves
// run outside the lock.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	failures             []time.Time
	consecutiveSuccesses int
	openedAt             time.Time
	currentRecovery      time.Duration
	metrics              Metrics
}

// NewBreaker creates a breaker in the closed state. The config is validated
// up front; breakers themselves never return errors after construction.
func NewBreaker(name string, cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("circuit %q: %w", name, err)
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		currentRecovery: cfg.RecoveryTimeout,
	}, nil
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the lazy open→half-open
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState must be called with mu held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.currentRecovery {
		b.toHalfOpen()
	}
	return b.state
}

// Allow reports whether a request should be attempted. Open circuits reject
// and count the rejection; half-open circuits allow unbounded concurrent
// probing — any single failure during half-open reopens immediately, so a
// bad probe costs at most one failed call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		b.metrics.RejectedCalls++
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalCalls++
	b.metrics.SuccessfulCalls++
	b.metrics.LastSuccessAt = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.toClosed()
		}
	case StateClosed:
		b.pruneFailures()
	}
}

// RecordFailure records a failed call. Errors matched by IgnoreError are
// dropped entirely.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.cfg.IgnoreError != nil && b.cfg.IgnoreError(err) {
		return
	}

	now := time.Now()
	b.failures = append(b.failures, now)
	b.metrics.TotalCalls++
	b.metrics.FailedCalls++
	b.metrics.LastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		// One strike during probing reopens.
		b.toOpen()
	case StateClosed:
		b.pruneFailures()
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	}
}

// RecordTimeout records a timed-out call, which counts as a failure.
func (b *Breaker) RecordTimeout() {
	b.mu.Lock()
	b.metrics.Timeouts++
	b.mu.Unlock()
	b.RecordFailure(context.DeadlineExceeded)
}

// ForceOpen opens the circuit unconditionally, holding it open for d (or the
// current recovery timeout when d is zero). Administrative override for
// tests and operations; never fails.
func (b *Breaker) ForceOpen(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toOpen()
	if d > 0 {
		b.currentRecovery = d
	}
}

// Reset unconditionally returns the breaker to closed with cleared history
// and the base recovery timeout.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.state
	if from != StateClosed {
		b.metrics.ClosedCount++
	}
	b.state = StateClosed
	b.failures = b.failures[:0]
	b.consecutiveSuccesses = 0
	b.currentRecovery = b.cfg.RecoveryTimeout
	b.openedAt = time.Time{}
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
	slog.Info("circuit reset", "circuit", b.name)
}

// RetryAfter returns the remaining time before an open circuit starts
// probing again, or zero if the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() != StateOpen {
		return 0
	}
	remaining := b.currentRecovery - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Do runs fn under circuit protection: a blocked circuit yields *OpenError
// without invoking fn, otherwise fn runs (bounded by CallTimeout when set)
// and its outcome is recorded. The call itself executes outside the breaker
// lock.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return &OpenError{Name: b.name, RetryAfter: b.RetryAfter()}
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	if err := fn(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.RecordTimeout()
		} else {
			b.RecordFailure(err)
		}
		return err
	}
	b.RecordSuccess()
	return nil
}

// Status returns a point-in-time snapshot for the operational read API.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	b.pruneFailures()

	st := Status{
		Name:  b.name,
		State: state.String(),
		Config: ConfigStatus{
			FailureThreshold:    b.cfg.FailureThreshold,
			FailureWindowSecs:   b.cfg.FailureWindow.Seconds(),
			RecoveryTimeoutSecs: b.cfg.RecoveryTimeout.Seconds(),
			SuccessThreshold:    b.cfg.SuccessThreshold,
		},
		CurrentFailures:      len(b.failures),
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		CurrentRecoverySecs:  b.currentRecovery.Seconds(),
		Metrics:              b.metrics,
	}

	if state == StateOpen {
		remaining := b.currentRecovery - time.Since(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		st.RetryAfterSecs = remaining.Seconds()
	}
	return st
}

// pruneFailures drops failure timestamps outside the sliding window.
// Must be called with mu held.
func (b *Breaker) pruneFailures() {
	cutoff := time.Now().Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// toOpen transitions to open and grows the recovery timeout. Must be called
// with mu held.
func (b *Breaker) toOpen() {
	if b.state == StateOpen {
		return
	}
	from := b.state
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveSuccesses = 0
	b.metrics.OpenedCount++
	b.notify(from, StateOpen)

	next := time.Duration(float64(b.currentRecovery) * b.cfg.BackoffMultiplier)
	if next > b.cfg.MaxRecoveryTimeout {
		next = b.cfg.MaxRecoveryTimeout
	}
	b.currentRecovery = next

	slog.Warn("circuit opened",
		"circuit", b.name,
		"recovery_timeout", b.currentRecovery,
	)
}

// toHalfOpen transitions to half-open. Must be called with mu held.
func (b *Breaker) toHalfOpen() {
	if b.state == StateHalfOpen {
		return
	}
	from := b.state
	b.state = StateHalfOpen
	b.consecutiveSuccesses = 0
	b.notify(from, StateHalfOpen)
	slog.Info("circuit half-open, probing recovery", "circuit", b.name)
}

// toClosed transitions to closed, clearing history and resetting backoff.
// Must be called with mu held.
func (b *Breaker) toClosed() {
	if b.state == StateClosed {
		return
	}
	from := b.state
	b.state = StateClosed
	b.failures = b.failures[:0]
	b.consecutiveSuccesses = 0
	b.currentRecovery = b.cfg.RecoveryTimeout
	b.metrics.ClosedCount++
	b.notify(from, StateClosed)
	slog.Info("circuit closed, normal operation resumed", "circuit", b.name)
}

// notify invokes the state-change observer. Must be called with mu held.
func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
