package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/obslog"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// Options configures an Engine, sourced from config.CorrelationConfig plus
// the listener's global queue cap.
type Options struct {
	GlobalQueueCap int
	BatchSize      int
	BatchInterval  time.Duration
	TraceTTL       time.Duration
	TraceIdle      time.Duration
	SourceIdle     time.Duration
}

type sourceState struct {
	pending     int // records currently queued for this source
	lastFlushAt time.Time
	lastSeenAt  time.Time
	connections int
}

// Engine buffers records per source, flushes them into Batches on size,
// time, error, or goodbye triggers, and assembles distributed traces from
// span records. It is the sole consumer of the listener's decoded records
// and the sole producer feeding the routing engine.
type Engine struct {
	opts Options
	log  *obslog.Logger

	queue *globalQueue

	mu      sync.Mutex
	sources map[string]*sourceState
	traces  map[string]*traceState

	out      chan Batch
	traceOut chan Trace

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs an Engine. Call Start to begin the background flush/evict
// loop and Ingest to feed it decoded records.
func New(opts Options, log *obslog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 5 * time.Second
	}
	if opts.TraceTTL <= 0 {
		opts.TraceTTL = time.Hour
	}
	if opts.TraceIdle <= 0 {
		opts.TraceIdle = 30 * time.Second
	}
	if opts.SourceIdle <= 0 {
		opts.SourceIdle = 10 * time.Minute
	}
	if log == nil {
		log = obslog.NewNop()
	}
	return &Engine{
		opts:     opts,
		log:      log,
		queue:    newGlobalQueue(opts.GlobalQueueCap),
		sources:  make(map[string]*sourceState),
		traces:   make(map[string]*traceState),
		out:      make(chan Batch, 256),
		traceOut: make(chan Trace, 64),
		stopCh:   make(chan struct{}),
	}
}

// Batches returns the channel of flushed batches for routing to consume.
func (e *Engine) Batches() <-chan Batch { return e.out }

// Traces returns the channel of assembled distributed traces, surfaced
// separately from Batches since a trace has no single owning source.
func (e *Engine) Traces() <-chan Trace { return e.traceOut }

// Ingest admits one decoded record. Admission control is entirely the
// global queue's tier-shedding logic and never waits. When the record
// triggers a flush, Ingest waits for room on the Batches channel (or for
// Stop) before returning. Returns false if the record was dropped for
// backpressure.
func (e *Engine) Ingest(rec *wire.Record) bool {
	admitted, reason := e.queue.Enqueue(rec.Source, rec)
	if !admitted {
		e.log.RecordDropped(rec.Source, string(rec.Kind), reason)
		return false
	}

	if rec.Kind == wire.KindSpan {
		e.observeSpan(rec)
	}

	e.mu.Lock()
	st := e.sourceOrCreateLocked(rec.Source)
	st.pending++
	st.lastSeenAt = time.Now()
	flush := e.shouldFlushLocked(rec, st)
	e.mu.Unlock()

	if flush {
		e.flushSource(rec.Source, rec.Kind == wire.KindGoodbye)
	}
	return true
}

// NoteConnection tracks connection open/close for a source, used only for
// diagnostics.
func (e *Engine) NoteConnection(source string, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.sourceOrCreateLocked(source)
	st.connections += delta
}

func (e *Engine) sourceOrCreateLocked(source string) *sourceState {
	st, ok := e.sources[source]
	if !ok {
		st = &sourceState{lastFlushAt: time.Now(), lastSeenAt: time.Now()}
		e.sources[source] = st
	}
	return st
}

// shouldFlushLocked decides whether the just-appended record forces an
// immediate flush: batch full, an error/fatal event, a non-success span
// status, or a goodbye record. Caller holds e.mu.
func (e *Engine) shouldFlushLocked(rec *wire.Record, st *sourceState) bool {
	if st.pending >= e.opts.BatchSize {
		return true
	}
	if rec.Kind == wire.KindGoodbye {
		return true
	}
	if rec.Kind == wire.KindEvent {
		if lvl, _ := rec.Payload["level"].(string); lvl == "error" || lvl == "fatal" {
			return true
		}
	}
	if rec.Kind == wire.KindSpan {
		if status, _ := rec.Payload["status"].(string); status != "" && status != "ok" && status != "success" {
			return true
		}
	}
	return false
}

// flushSource drains the buffered records for source into a Batch and
// publishes it to out. Safe to call concurrently with Ingest.
func (e *Engine) flushSource(source string, endOfStream bool) {
	e.mu.Lock()
	st, ok := e.sources[source]
	if !ok || st.pending == 0 {
		e.mu.Unlock()
		return
	}
	st.pending = 0
	st.lastFlushAt = time.Now()
	e.mu.Unlock()

	records := e.queue.DrainSource(source)
	if len(records) == 0 {
		return
	}

	batch := Batch{Source: source, Records: records, CreatedAt: time.Now(), EndOfStream: endOfStream}
	e.log.LogBatchFlushed(source, len(records), endOfStream)
	select {
	case e.out <- batch:
		return
	default:
	}
	select {
	case e.out <- batch:
	case <-e.stopCh:
	}
}

// Start launches the background flush-interval and eviction sweep loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop halts the background loop and closes the batch output channel once
// drained. Idempotent.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.out)
	defer close(e.traceOut)

	flushTicker := time.NewTicker(e.opts.BatchInterval)
	defer flushTicker.Stop()

	evictTicker := time.NewTicker(e.opts.SourceIdle / 4)
	defer evictTicker.Stop()

	traceTicker := time.NewTicker(e.opts.TraceIdle)
	defer traceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flushAll()
			return
		case <-e.stopCh:
			e.flushAll()
			return
		case <-flushTicker.C:
			e.flushDue()
		case <-evictTicker.C:
			e.evictIdle()
		case <-traceTicker.C:
			e.sweepTraces()
		}
	}
}

// flushDue flushes every source whose buffer is non-empty and whose last
// flush was at least one batch interval ago, plus sweeps traces for
// idle/TTL completion.
func (e *Engine) flushDue() {
	now := time.Now()
	e.mu.Lock()
	due := make([]string, 0, len(e.sources))
	for source, st := range e.sources {
		if st.pending > 0 && now.Sub(st.lastFlushAt) >= e.opts.BatchInterval {
			due = append(due, source)
		}
	}
	e.mu.Unlock()

	for _, source := range due {
		e.flushSource(source, false)
	}
	e.sweepTraces()
}

// flushAll drains every source's buffer, used during shutdown drain.
func (e *Engine) flushAll() {
	e.mu.Lock()
	sources := make([]string, 0, len(e.sources))
	for source := range e.sources {
		sources = append(sources, source)
	}
	e.mu.Unlock()

	for _, source := range sources {
		e.flushSource(source, false)
	}
}

// evictIdle removes per-source state that has been idle for SourceIdle,
// and sweeps trace eviction.
func (e *Engine) evictIdle() {
	now := time.Now()
	e.mu.Lock()
	var evicted []string
	for source, st := range e.sources {
		if st.pending == 0 && st.connections == 0 && now.Sub(st.lastSeenAt) >= e.opts.SourceIdle {
			delete(e.sources, source)
			evicted = append(evicted, source)
		}
	}
	e.mu.Unlock()

	for _, source := range evicted {
		e.log.LogSourceEvicted(source)
	}
	e.sweepTraces()
}

// QueueStats exposes the underlying global queue's counters for
// self-telemetry.
func (e *Engine) QueueStats() QueueStats { return e.queue.Stats() }

// SourceQueueDepths reports the global queue's pending record count per
// known source, for the source_queue_size gauge.
func (e *Engine) SourceQueueDepths() map[string]int {
	e.mu.Lock()
	sources := make([]string, 0, len(e.sources))
	for s := range e.sources {
		sources = append(sources, s)
	}
	e.mu.Unlock()

	depths := make(map[string]int, len(sources))
	for _, s := range sources {
		depths[s] = e.queue.LenForSource(s)
	}
	return depths
}
