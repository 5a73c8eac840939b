package routing

import (
	"sort"
	"sync"

	"github.com/lattice-telemetry/sidecar/internal/breaker"
)

// backendEntry pairs one backend's adapter with the priority used to
// order dispatch under a limited parallelism budget. Breakers are looked
// up by name in the Snapshot's registry.
type backendEntry struct {
	name      string
	adapter   Adapter
	priority  int
	declOrder int
}

// Snapshot is the immutable routing table + adapter set the engine
// dispatches against at one point in time. Snapshots are reference-counted so the previous snapshot's
// adapters are closed only once every dispatch that started against them
// has finished.
type Snapshot struct {
	ID       string
	rules    map[string][]Rule // selector ("*" or exact source) -> rules in declared order
	backends map[string]*backendEntry
	breakers *breaker.Registry

	mu       sync.Mutex
	refCount int
	retired  bool
}

// NewSnapshot builds a Snapshot from routing rules and live adapters.
func NewSnapshot(id string, rules map[string][]Rule, adapters map[string]Adapter, priorities map[string]int, breakers *breaker.Registry) *Snapshot {
	backends := make(map[string]*backendEntry, len(adapters))
	i := 0
	for name, adapter := range adapters {
		backends[name] = &backendEntry{name: name, adapter: adapter, priority: priorities[name], declOrder: i}
		i++
	}
	return &Snapshot{ID: id, rules: rules, backends: backends, breakers: breakers}
}

// acquire increments the in-flight dispatch count, pinning the snapshot's
// adapters open.
func (s *Snapshot) acquire() {
	s.mu.Lock()
	s.refCount++
	s.mu.Unlock()
}

// release decrements the in-flight count and closes the snapshot's
// adapters once it has been retired and has no remaining dispatches.
func (s *Snapshot) release() {
	s.mu.Lock()
	s.refCount--
	shouldClose := s.retired && s.refCount <= 0
	s.mu.Unlock()
	if shouldClose {
		s.closeAdapters()
	}
}

// retire marks the snapshot as superseded; its adapters close once all
// in-flight dispatches finish (immediately if none are in flight).
func (s *Snapshot) retire() {
	s.mu.Lock()
	s.retired = true
	shouldClose := s.refCount <= 0
	s.mu.Unlock()
	if shouldClose {
		s.closeAdapters()
	}
}

func (s *Snapshot) closeAdapters() {
	for _, b := range s.backends {
		_ = b.adapter.Close()
	}
}

// route pairs a resolved backend with the rule whose kind filter applies
// to it (the first-occurrence rule, per the dedup-by-backend-name rule).
type route struct {
	entry *backendEntry
	rule  Rule
}

// resolve returns the deduplicated, priority-ordered list of backends a
// record's source should be routed to. source ""
// (the synthetic trace record) only matches wildcard rules. Each route
// still carries its kind filter for the caller to apply per record.
func (s *Snapshot) resolve(source string) []route {
	seen := make(map[string]bool)
	var ordered []Rule

	if source != "" {
		for _, r := range s.rules[source] {
			if !seen[r.Backend] {
				seen[r.Backend] = true
				ordered = append(ordered, r)
			}
		}
	}
	for _, r := range s.rules["*"] {
		if !seen[r.Backend] {
			seen[r.Backend] = true
			ordered = append(ordered, r)
		}
	}

	var routes []route
	for _, r := range ordered {
		if be, ok := s.backends[r.Backend]; ok {
			routes = append(routes, route{entry: be, rule: r})
		}
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].entry.priority != routes[j].entry.priority {
			return routes[i].entry.priority < routes[j].entry.priority
		}
		return routes[i].entry.declOrder < routes[j].entry.declOrder
	})
	return routes
}
