package circuit

import "sync"

// Registry is an explicitly constructed table of named breakers, created
// lazily per name. Passing the registry by reference instead of using a
// package-level map lets tests build a fresh one instead of resetting
// shared state.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	hook     func(name string, from, to State)
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// OnStateChange sets the default state-change observer for breakers created
// after this call. A breaker whose config carries its own observer keeps it.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Get returns the breaker for name, creating it with cfg on first use.
// The config only matters on the creating call.
func (r *Registry) Get(name string, cfg Config) (*Breaker, error) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b, nil
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.hook
	}
	b, err := NewBreaker(name, cfg)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = b
	return b, nil
}

// Lookup returns the breaker for name without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// GetAll returns a copy of the current breaker table.
func (r *Registry) GetAll() map[string]*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b
	}
	return out
}

// ResetAll resets every registered breaker to closed.
func (r *Registry) ResetAll() {
	for _, b := range r.GetAll() {
		b.Reset()
	}
}

// Remove drops a breaker from the registry. Existing references stay valid.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Status returns a snapshot of every registered breaker.
func (r *Registry) Status() map[string]Status {
	all := r.GetAll()
	out := make(map[string]Status, len(all))
	for name, b := range all {
		out[name] = b.Status()
	}
	return out
}
