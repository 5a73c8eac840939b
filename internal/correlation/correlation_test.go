package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

func newTestEngine(opts Options) *Engine {
	return New(opts, nil)
}

func eventRecord(source, message string) *wire.Record {
	return &wire.Record{
		SchemaVersion: wire.SchemaVersion,
		Source:        source,
		TimestampMs:   1000,
		Kind:          wire.KindEvent,
		Payload:       map[string]any{"level": "info", "message": message},
	}
}

func TestIngestFlushesOnBatchSize(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 2, BatchInterval: time.Hour})
	e.Start(context.Background())
	defer e.Stop()

	require.True(t, e.Ingest(eventRecord("agent-1", "one")))
	require.True(t, e.Ingest(eventRecord("agent-1", "two")))

	select {
	case batch := <-e.Batches():
		require.Equal(t, "agent-1", batch.Source)
		require.Len(t, batch.Records, 2)
		require.Equal(t, "one", batch.Records[0].Payload["message"])
		require.Equal(t, "two", batch.Records[1].Payload["message"])
	case <-time.After(time.Second):
		t.Fatal("expected a batch flushed on size trigger")
	}
}

func TestIngestFlushesOnErrorLevel(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 100, BatchInterval: time.Hour})
	e.Start(context.Background())
	defer e.Stop()

	rec := eventRecord("agent-1", "boom")
	rec.Payload["level"] = "error"
	require.True(t, e.Ingest(rec))

	select {
	case batch := <-e.Batches():
		require.Len(t, batch.Records, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a batch flushed on error-level event")
	}
}

func TestIngestFlushesOnGoodbye(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 100, BatchInterval: time.Hour})
	e.Start(context.Background())
	defer e.Stop()

	require.True(t, e.Ingest(eventRecord("agent-1", "one")))
	require.True(t, e.Ingest(&wire.Record{Source: "agent-1", Kind: wire.KindGoodbye}))

	select {
	case batch := <-e.Batches():
		require.Len(t, batch.Records, 2)
		require.True(t, batch.EndOfStream)
	case <-time.After(time.Second):
		t.Fatal("expected a batch flushed on goodbye")
	}
}

func TestIngestPreservesPerSourceFIFO(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 3, BatchInterval: time.Hour})
	e.Start(context.Background())
	defer e.Stop()

	for i, msg := range []string{"a", "b", "c"} {
		_ = i
		require.True(t, e.Ingest(eventRecord("agent-1", msg)))
	}

	batch := <-e.Batches()
	require.Len(t, batch.Records, 3)
	require.Equal(t, "a", batch.Records[0].Payload["message"])
	require.Equal(t, "b", batch.Records[1].Payload["message"])
	require.Equal(t, "c", batch.Records[2].Payload["message"])
}

func TestIngestSeparatesSourcesIntoDistinctBatches(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 1, BatchInterval: time.Hour})
	e.Start(context.Background())
	defer e.Stop()

	require.True(t, e.Ingest(eventRecord("agent-1", "x")))
	require.True(t, e.Ingest(eventRecord("agent-2", "y")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case batch := <-e.Batches():
			seen[batch.Source] = true
		case <-time.After(time.Second):
			t.Fatal("expected two batches")
		}
	}
	require.True(t, seen["agent-1"])
	require.True(t, seen["agent-2"])
}

func TestGlobalQueueShedsLowPriorityFirst(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 1000, BatchInterval: time.Hour, GlobalQueueCap: 1})
	e.Start(context.Background())
	defer e.Stop()

	require.True(t, e.Ingest(&wire.Record{Source: "agent-1", Kind: wire.KindHeartbeat}))
	// Queue is full of a low-priority record; a higher-priority record
	// should shed it and be admitted.
	admitted := e.Ingest(eventRecord("agent-1", "important"))
	require.True(t, admitted)

	stats := e.QueueStats()
	require.GreaterOrEqual(t, stats.DroppedLow, int64(1))
}

func TestTraceAssemblyAcrossSources(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 1000, BatchInterval: time.Hour, TraceIdle: 50 * time.Millisecond})
	e.Start(context.Background())
	defer e.Stop()

	mk := func(source, spanID, parent string, start, end int64) *wire.Record {
		return &wire.Record{
			Source: source, Kind: wire.KindSpan, TraceID: "trace-1",
			SpanID: spanID, ParentSpanID: parent,
			Payload: map[string]any{"name": spanID, "status": "ok", "start_ms": start, "end_ms": end},
		}
	}

	require.True(t, e.Ingest(mk("svc-a", "root", "", 0, 100)))
	require.True(t, e.Ingest(mk("svc-b", "child", "root", 10, 80)))
	require.True(t, e.Ingest(mk("svc-c", "grandchild", "child", 20, 60)))

	select {
	case tr := <-e.Traces():
		require.Equal(t, "trace-1", tr.TraceID)
		require.Len(t, tr.Roots, 1)
		require.Equal(t, "root", tr.Roots[0].SpanID)
		require.Len(t, tr.Roots[0].Children, 1)
		require.Equal(t, "child", tr.Roots[0].Children[0].SpanID)
		require.Len(t, tr.Roots[0].Children[0].Children, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an assembled trace")
	}
}

func TestTraceEvictedWhenIdle(t *testing.T) {
	e := newTestEngine(Options{BatchSize: 1000, BatchInterval: 10 * time.Millisecond, TraceIdle: 10 * time.Millisecond, SourceIdle: time.Hour})
	e.Start(context.Background())
	defer e.Stop()

	rec := &wire.Record{
		Source: "svc-a", Kind: wire.KindSpan, TraceID: "trace-incomplete",
		SpanID: "root", Payload: map[string]any{"name": "root", "start_ms": int64(0)},
	}
	require.True(t, e.Ingest(rec))

	select {
	case <-e.Traces():
		t.Fatal("incomplete trace should not be emitted")
	case <-time.After(200 * time.Millisecond):
	}
}
