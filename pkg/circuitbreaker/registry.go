package circuitbreaker

import "sync"

// Registry manages circuit breakers keyed by resource (here: callback
// host). Breakers are created lazily on first access.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, exists = r.breakers[key]; exists {
		return b
	}
	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Open returns how many breakers are currently open.
func (r *Registry) Open() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	open := 0
	for _, b := range r.breakers {
		if b.State() == Open {
			open++
		}
	}
	return open
}
