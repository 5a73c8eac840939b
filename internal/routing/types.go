// Package routing evaluates routing rules and fans batches out to backend
// adapters concurrently, with atomic hot-reload of the rule/backend
// snapshot.
package routing

import (
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// Adapter is the uniform interface every backend kind implements.
type Adapter interface {
	// Deliver attempts to hand records to the backend. A non-nil error on
	// DeliverResult.Fatal means the batch must not be retried.
	Deliver(records []*wire.Record) DeliverResult
	Health() HealthStatus
	Close() error
}

// DeliverResult reports the outcome of one delivery attempt.
type DeliverResult struct {
	DeliveredCount int
	FailedCount    int
	Err            error
	Fatal          bool // true if Err should never be retried (e.g. 4xx)
}

// HealthStatus is a backend's self-reported health, surfaced via /health.
type HealthStatus struct {
	Healthy bool
	Detail  string
}

// Rule is one routing-table entry: deliver records from a source selector
// to Backend, subject to the kind Filter, at Priority ordering.
type Rule struct {
	Selector string // exact source name, or "*" for wildcard
	Backend  string
	Priority int
	Kinds    map[wire.Kind]bool // nil/empty means all kinds
}

// matchesKind reports whether rec's kind passes this rule's filter.
func (r Rule) matchesKind(k wire.Kind) bool {
	if len(r.Kinds) == 0 {
		return true
	}
	return r.Kinds[k]
}
