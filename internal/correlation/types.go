// Package correlation owns per-source buffering, time/size-windowed
// batching, and distributed-trace assembly.
package correlation

import (
	"time"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// Batch is an ordered set of records for one source, handed to the
// routing engine. Order matches the input order for each (source, kind)
// pair, per the per-source FIFO guarantee.
type Batch struct {
	Source      string
	Records     []*wire.Record
	CreatedAt   time.Time
	EndOfStream bool // true when triggered by a goodbye record
}

// SpanNode is one assembled span within a Trace.
type SpanNode struct {
	SpanID       string
	ParentSpanID string
	Source       string
	Name         string
	StartMs      int64
	EndMs        int64
	Status       string
	Tags         map[string]string
	Children     []*SpanNode
}

// DurationMs returns end-start, or 0 if the span has not closed.
func (s *SpanNode) DurationMs() int64 {
	if s.EndMs == 0 {
		return 0
	}
	return s.EndMs - s.StartMs
}

// Trace is a synthetic record surfaced once a trace's spans are judged
// complete.
type Trace struct {
	TraceID     string
	Roots       []*SpanNode
	FirstSeenMs int64
	AssembledAt time.Time
}

// Record renders the assembled trace as a synthetic wire.Record of kind
// KindTrace, carrying the full span tree as its payload. The record has
// no Source: a trace spans multiple sources by definition, so only
// wildcard routing rules can match it.
func (t Trace) Record() *wire.Record {
	return &wire.Record{
		SchemaVersion: wire.SchemaVersion,
		TimestampMs:   t.FirstSeenMs,
		Kind:          wire.KindTrace,
		TraceID:       t.TraceID,
		Payload: map[string]any{
			"trace_id":     t.TraceID,
			"assembled_at": t.AssembledAt.UnixMilli(),
			"span_count":   countSpans(t.Roots),
			"duration_ms":  traceDurationMs(t.Roots),
			"spans":        encodeSpanTree(t.Roots),
		},
	}
}

func encodeSpanTree(nodes []*SpanNode) []map[string]any {
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"span_id":        n.SpanID,
			"parent_span_id": n.ParentSpanID,
			"source":         n.Source,
			"name":           n.Name,
			"start_ms":       n.StartMs,
			"end_ms":         n.EndMs,
			"status":         n.Status,
			"tags":           n.Tags,
			"children":       encodeSpanTree(n.Children),
		})
	}
	return out
}

// sourcePriority ranks kinds for global-cap shedding: lower value sheds
// first. resource and heartbeat are treated as low priority.
func sourcePriority(k wire.Kind) int {
	switch k {
	case wire.KindResource, wire.KindHeartbeat:
		return 0
	case wire.KindProgress, wire.KindMetric:
		return 1
	default:
		return 2
	}
}
