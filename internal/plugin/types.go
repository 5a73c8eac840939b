// Package plugin provides the pluggable backend-kind registry used by
// config-driven routing.
package plugin

import (
	"errors"
	"fmt"

	"github.com/lattice-telemetry/sidecar/internal/config"
	"github.com/lattice-telemetry/sidecar/internal/routing"
)

var (
	errEmptyKind         = errors.New("backend kind cannot be empty")
	errAlreadyRegistered = errors.New("kind already registered")
	errUnknownKind       = errors.New("unknown backend kind")
)

// Factory constructs a routing.Adapter from one backend's config section.
type Factory func(name string, cfg config.BackendConfig) (routing.Adapter, error)

// FactoryError wraps a construction failure with the backend name and
// kind that produced it, so config reload can report a precise cause.
type FactoryError struct {
	Backend string
	Kind    string
	Err     error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("backend %q (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }

// NewFactoryError constructs a FactoryError.
func NewFactoryError(backend, kind string, err error) *FactoryError {
	return &FactoryError{Backend: backend, Kind: kind, Err: err}
}
