package breaker

import "sync"

// Registry holds one Breaker per backend name, created lazily on first
// use so routing doesn't need to know the backend set upfront.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	hook     func(backend string, to State, reason string)
}

// NewRegistry constructs a Registry applying cfg to every breaker it creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// SetTransitionHook installs a callback fired on every breaker's state
// transition, tagged with the owning backend name.
func (r *Registry) SetTransitionHook(fn func(backend string, to State, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Get returns the breaker for backend, creating it on first access.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[backend]
	if !ok {
		b = New(r.cfg)
		if r.hook != nil {
			b.SetTransitionHook(func(to State, reason string) { r.hook(backend, to, reason) })
		}
		r.breakers[backend] = b
	}
	return b
}

// Snapshot returns the current state of every known breaker, used by the
// /health endpoint.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
