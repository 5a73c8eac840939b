package plugin

import (
	"sort"
	"sync"

	"github.com/lattice-telemetry/sidecar/internal/config"
	"github.com/lattice-telemetry/sidecar/internal/routing"
)

// Registry maps a backend kind string (the config document's "type"
// field) to the Factory that builds adapters of that kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a Factory for kind. Returns an error if kind is already
// registered.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return NewFactoryError(kind, kind, errEmptyKind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return NewFactoryError(kind, kind, errAlreadyRegistered)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is Register, panicking on error; intended for package
// init() calls registering the built-in kinds.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Build constructs an adapter for one backend config entry.
func (r *Registry) Build(name string, cfg config.BackendConfig) (routing.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, NewFactoryError(name, cfg.Type, errUnknownKind)
	}
	adapter, err := factory(name, cfg)
	if err != nil {
		return nil, NewFactoryError(name, cfg.Type, err)
	}
	return adapter, nil
}

// Kinds returns the sorted list of registered backend kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry is the process-wide registry populated by builtin.go's
// init(). cmd/sidecar builds every backend through it.
var DefaultRegistry = NewRegistry()
