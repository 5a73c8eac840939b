package routing

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-telemetry/sidecar/internal/breaker"
	"github.com/lattice-telemetry/sidecar/internal/obslog"
	"github.com/lattice-telemetry/sidecar/internal/obstrace"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// Engine resolves routing rules and fans a batch out to every matching
// backend concurrently, bounded by a parallelism budget, wrapping each
// dispatch in its backend's circuit breaker and retry policy.
type Engine struct {
	log         *obslog.Logger
	retryPolicy RetryPolicy
	parallelism int

	snapshot atomic.Pointer[Snapshot]
}

// New constructs an Engine with an initial, possibly empty, snapshot.
func New(initial *Snapshot, parallelism int, log *obslog.Logger) *Engine {
	if parallelism <= 0 {
		parallelism = 8
	}
	if log == nil {
		log = obslog.NewNop()
	}
	e := &Engine{log: log, retryPolicy: DefaultRetryPolicy(), parallelism: parallelism}
	if initial == nil {
		initial = NewSnapshot("empty", nil, nil, nil, nil)
	}
	e.snapshot.Store(initial)
	return e
}

// Swap installs next as the current snapshot and retires the previous
// one, which keeps its adapters alive until every dispatch that started
// against it completes.
func (e *Engine) Swap(next *Snapshot) {
	prev := e.snapshot.Swap(next)
	if prev != nil {
		prev.retire()
	}
}

// Current returns the active snapshot, for health reporting.
func (e *Engine) Current() *Snapshot {
	return e.snapshot.Load()
}

// Dispatch fans a batch's records out to every backend matched by the
// source's routing rules, respecting each backend's kind filter. It
// returns once every dispatch started under the snapshot held at entry
// has completed or been abandoned via ctx cancellation.
func (e *Engine) Dispatch(ctx context.Context, source string, records []*wire.Record) {
	snap := e.snapshot.Load()
	routes := snap.resolve(source)
	if len(routes) == 0 {
		return
	}

	snap.acquire()
	defer snap.release()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for _, rt := range routes {
		rt := rt
		filtered := filterByKind(records, rt.rule)
		if len(filtered) == 0 {
			continue
		}
		g.Go(func() error {
			e.dispatchOne(ctx, snap, rt.entry, filtered, source)
			return nil
		})
	}
	_ = g.Wait()
}

func filterByKind(records []*wire.Record, rule Rule) []*wire.Record {
	if len(rule.Kinds) == 0 {
		return records
	}
	out := make([]*wire.Record, 0, len(records))
	for _, r := range records {
		if rule.matchesKind(r.Kind) {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) dispatchOne(ctx context.Context, snap *Snapshot, entry *backendEntry, records []*wire.Record, source string) {
	var br *breaker.Breaker
	if snap.breakers != nil {
		br = snap.breakers.Get(entry.name)
		if !br.Allow() {
			e.log.RecordDropped(source, "batch", "circuit_open:"+entry.name)
			return
		}
	}

	start := time.Now()
	result := deliverWithRetry(ctx, entry.adapter, records, e.retryPolicy)
	latency := time.Since(start)

	if br != nil {
		if result.Err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}

	if result.Err != nil {
		obstrace.RecordError(trace.SpanFromContext(ctx), result.Err, "backend_dispatch", !result.Fatal)
	}

	e.log.LogRouteDispatch(entry.name, source, result.DeliveredCount, result.FailedCount, latency.Seconds(), result.Err)
}
