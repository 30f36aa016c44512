package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry indexes breakers by dependency name for inspection. It does not
// create breakers: each one is owned by the client guarding its dependency.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (r *Registry) Register(cb *CircuitBreaker) error {
	if cb == nil {
		return fmt.Errorf("register: nil breaker")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.breakers[cb.Name()]; exists {
		return fmt.Errorf("register: breaker %q already registered", cb.Name())
	}

	r.breakers[cb.Name()] = cb
	return nil
}

func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	cb, exists := r.breakers[name]
	return cb, exists
}

func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Stats() map[string]Snapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Snapshot, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Snapshot()
	}
	return stats
}
