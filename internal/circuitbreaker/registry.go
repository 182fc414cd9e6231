package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry tracks the process's named breakers so they can be inspected and
// reset as a group.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register creates a breaker under name, or returns the existing one.
func (r *Registry) Register(name string, config *Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, config)
	r.breakers[name] = cb
	return cb
}

// Get returns the named breaker, or nil.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Stats samples every breaker, ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.GetStats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenRatio returns the fraction of registered breakers currently open.
func (r *Registry) OpenRatio() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.breakers) == 0 {
		return 0
	}
	open := 0
	for _, cb := range r.breakers {
		if cb.State() == StateOpen {
			open++
		}
	}
	return float64(open) / float64(len(r.breakers))
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
