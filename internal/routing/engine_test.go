package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-telemetry/sidecar/internal/breaker"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

type fakeAdapter struct {
	mu       sync.Mutex
	received [][]*wire.Record
	result   DeliverResult
	closed   bool
}

func (f *fakeAdapter) Deliver(records []*wire.Record) DeliverResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, records)
	if f.result == (DeliverResult{}) {
		return DeliverResult{DeliveredCount: len(records)}
	}
	return f.result
}
func (f *fakeAdapter) Health() HealthStatus { return HealthStatus{Healthy: true} }
func (f *fakeAdapter) Close() error         { f.closed = true; return nil }

func records(kinds ...wire.Kind) []*wire.Record {
	out := make([]*wire.Record, len(kinds))
	for i, k := range kinds {
		out[i] = &wire.Record{Source: "agent-1", Kind: k}
	}
	return out
}

func TestDispatchExactSourceThenWildcardDedup(t *testing.T) {
	fsAdapter := &fakeAdapter{}
	webhookAdapter := &fakeAdapter{}

	rules := map[string][]Rule{
		"agent-1": {{Selector: "agent-1", Backend: "fs", Priority: 0}},
		"*":       {{Selector: "*", Backend: "fs", Priority: 0}, {Selector: "*", Backend: "webhook", Priority: 1}},
	}
	adapters := map[string]Adapter{"fs": fsAdapter, "webhook": webhookAdapter}
	snap := NewSnapshot("snap-1", rules, adapters, nil, breaker.NewRegistry(breaker.DefaultConfig()))

	e := New(snap, 4, nil)
	e.Dispatch(context.Background(), "agent-1", records(wire.KindEvent))

	require.Len(t, fsAdapter.received, 1, "fs should be deduped to a single dispatch despite matching both exact and wildcard rules")
	require.Len(t, webhookAdapter.received, 1)
}

func TestDispatchAppliesKindFilter(t *testing.T) {
	adapter := &fakeAdapter{}
	rules := map[string][]Rule{
		"*": {{Selector: "*", Backend: "fs", Kinds: map[wire.Kind]bool{wire.KindMetric: true}}},
	}
	snap := NewSnapshot("snap-1", rules, map[string]Adapter{"fs": adapter}, nil, breaker.NewRegistry(breaker.DefaultConfig()))

	e := New(snap, 4, nil)
	e.Dispatch(context.Background(), "agent-1", records(wire.KindEvent, wire.KindMetric))

	require.Len(t, adapter.received, 1)
	require.Len(t, adapter.received[0], 1)
	require.Equal(t, wire.KindMetric, adapter.received[0][0].Kind)
}

func TestSwapRetiresPreviousSnapshotAfterDrain(t *testing.T) {
	slowAdapter := &fakeAdapter{}
	rules := map[string][]Rule{"*": {{Selector: "*", Backend: "fs"}}}
	snap1 := NewSnapshot("snap-1", rules, map[string]Adapter{"fs": slowAdapter}, nil, breaker.NewRegistry(breaker.DefaultConfig()))

	e := New(snap1, 4, nil)

	snap2 := NewSnapshot("snap-2", rules, map[string]Adapter{"fs": &fakeAdapter{}}, nil, breaker.NewRegistry(breaker.DefaultConfig()))
	e.Swap(snap2)

	require.Equal(t, "snap-2", e.Current().ID)
	require.True(t, slowAdapter.closed, "previous snapshot's adapter should close once no dispatch is in flight")
}

func TestDispatchOpenCircuitSkipsBackend(t *testing.T) {
	adapter := &fakeAdapter{result: DeliverResult{Err: errors.New("boom")}}
	rules := map[string][]Rule{"*": {{Selector: "*", Backend: "fs"}}}
	reg := breaker.NewRegistry(breaker.Config{ConsecutiveFailureThreshold: 1, CooldownInitial: time.Hour})
	snap := NewSnapshot("snap-1", rules, map[string]Adapter{"fs": adapter}, nil, reg)

	e := New(snap, 4, nil)
	e.retryPolicy = RetryPolicy{MaxAttempts: 1}
	e.Dispatch(context.Background(), "agent-1", records(wire.KindEvent))
	require.Len(t, adapter.received, 1)

	e.Dispatch(context.Background(), "agent-1", records(wire.KindEvent))
	require.Len(t, adapter.received, 1, "breaker should be open and skip the second dispatch")
}
