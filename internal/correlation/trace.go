package correlation

import (
	"time"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// EvictionReason names why a trace was torn down without every span
// completing, grounded on the same TTL/idle vocabulary used to evict
// per-source state.
type EvictionReason string

const (
	EvictionTTL  EvictionReason = "ttl"
	EvictionIdle EvictionReason = "idle"
)

// traceState tracks one in-flight distributed trace: the spans seen so
// far, keyed by span ID, plus bookkeeping for completion and eviction.
type traceState struct {
	traceID     string
	spans       map[string]*SpanNode
	firstSeenAt time.Time
	lastSeenAt  time.Time
	firstSeenMs int64
}

// observeSpan folds one span record into its trace's in-flight state,
// creating the trace and/or span node as needed. Caller holds no lock;
// observeSpan takes e.mu itself.
func (e *Engine) observeSpan(rec *wire.Record) {
	if rec.TraceID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts, ok := e.traces[rec.TraceID]
	if !ok {
		ts = &traceState{
			traceID:     rec.TraceID,
			spans:       make(map[string]*SpanNode),
			firstSeenAt: time.Now(),
			firstSeenMs: rec.TimestampMs,
		}
		e.traces[rec.TraceID] = ts
	}
	ts.lastSeenAt = time.Now()

	node, ok := ts.spans[rec.SpanID]
	if !ok {
		node = &SpanNode{
			SpanID:       rec.SpanID,
			ParentSpanID: rec.ParentSpanID,
			Source:       rec.Source,
			Tags:         make(map[string]string),
		}
		ts.spans[rec.SpanID] = node
	}

	if name, _ := rec.Payload["name"].(string); name != "" {
		node.Name = name
	}
	if status, _ := rec.Payload["status"].(string); status != "" {
		node.Status = status
	}
	if startMs, ok := numericField(rec.Payload, "start_ms"); ok {
		node.StartMs = startMs
	}
	if endMs, ok := numericField(rec.Payload, "end_ms"); ok && endMs > 0 {
		node.EndMs = endMs
	}
	if tags, ok := rec.Payload["tags"].(map[string]any); ok {
		for k, v := range tags {
			if s, ok := v.(string); ok {
				node.Tags[k] = s
			}
		}
	}
}

func numericField(payload map[string]any, key string) (int64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// isComplete reports whether every span in the trace has a recorded
// end_ms, meaning the distributed operation has finished end to end.
func (ts *traceState) isComplete() bool {
	if len(ts.spans) == 0 {
		return false
	}
	for _, s := range ts.spans {
		if s.EndMs == 0 {
			return false
		}
	}
	return true
}

// roots returns the spans in ts with no parent known within the trace,
// each carrying its full descendant tree.
func (ts *traceState) roots() []*SpanNode {
	for _, s := range ts.spans {
		s.Children = s.Children[:0]
	}
	var roots []*SpanNode
	for _, s := range ts.spans {
		if s.ParentSpanID == "" {
			roots = append(roots, s)
			continue
		}
		if parent, ok := ts.spans[s.ParentSpanID]; ok {
			parent.Children = append(parent.Children, s)
		} else {
			// Parent span never arrived (source crashed mid-trace, or
			// arrives later): treat as a root until/unless it does.
			roots = append(roots, s)
		}
	}
	return roots
}

// sweepTraces evaluates every in-flight trace for completion or eviction:
// complete traces are emitted on traceOut; traces idle past TraceIdle or
// older than TraceTTL are evicted and logged
func (e *Engine) sweepTraces() {
	now := time.Now()

	e.mu.Lock()
	var toEmit []*Trace
	var toEvict []struct {
		id     string
		reason EvictionReason
		spans  int
	}
	for id, ts := range e.traces {
		if ts.isComplete() {
			toEmit = append(toEmit, &Trace{
				TraceID:     id,
				Roots:       ts.roots(),
				FirstSeenMs: ts.firstSeenMs,
				AssembledAt: now,
			})
			delete(e.traces, id)
			continue
		}
		if now.Sub(ts.lastSeenAt) >= e.opts.TraceIdle {
			toEvict = append(toEvict, struct {
				id     string
				reason EvictionReason
				spans  int
			}{id, EvictionIdle, len(ts.spans)})
			delete(e.traces, id)
			continue
		}
		if now.Sub(ts.firstSeenAt) >= e.opts.TraceTTL {
			toEvict = append(toEvict, struct {
				id     string
				reason EvictionReason
				spans  int
			}{id, EvictionTTL, len(ts.spans)})
			delete(e.traces, id)
		}
	}
	e.mu.Unlock()

	for _, ev := range toEvict {
		e.log.LogTraceEvicted(ev.id, string(ev.reason), ev.spans)
	}
	for _, tr := range toEmit {
		spanCount := countSpans(tr.Roots)
		e.log.LogTraceAssembled(tr.TraceID, spanCount, traceDurationMs(tr.Roots))
		select {
		case e.traceOut <- *tr:
		case <-e.stopCh:
			return
		}
	}
}

func countSpans(roots []*SpanNode) int {
	n := 0
	var walk func([]*SpanNode)
	walk = func(nodes []*SpanNode) {
		for _, node := range nodes {
			n++
			walk(node.Children)
		}
	}
	walk(roots)
	return n
}

func traceDurationMs(roots []*SpanNode) int64 {
	var minStart, maxEnd int64
	var walk func([]*SpanNode)
	walk = func(nodes []*SpanNode) {
		for _, node := range nodes {
			if minStart == 0 || node.StartMs < minStart {
				minStart = node.StartMs
			}
			if node.EndMs > maxEnd {
				maxEnd = node.EndMs
			}
			walk(node.Children)
		}
	}
	walk(roots)
	if maxEnd == 0 || minStart == 0 {
		return 0
	}
	return maxEnd - minStart
}
