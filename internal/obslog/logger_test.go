package obslog

import (
	"errors"
	"testing"
)

func TestDefaultReturnsUsableNoopWhenUnset(t *testing.T) {
	SetDefault(nil)

	l := Default()
	if l == nil {
		t.Fatal("expected non-nil noop logger")
	}
	l.LogListenerStarted("127.0.0.1:0", 16)
}

type fakeSink struct {
	dropped     []string
	routed      map[string]int
	latencies   []float64
	transitions []string
}

func (f *fakeSink) RecordReceived(source string) {}
func (f *fakeSink) RecordDropped(source, reason string) {
	f.dropped = append(f.dropped, reason)
}
func (f *fakeSink) RecordRouted(backend string, count int) {
	if f.routed == nil {
		f.routed = make(map[string]int)
	}
	f.routed[backend] += count
}
func (f *fakeSink) RecordBackendLatency(backend string, seconds float64, err error) {
	f.latencies = append(f.latencies, seconds)
}
func (f *fakeSink) RecordBreakerTransition(backend, to string) {
	f.transitions = append(f.transitions, to)
}
func (f *fakeSink) RecordConfigReload(result string) {}

func TestRecordDroppedNotifiesMetricsSink(t *testing.T) {
	l := NewNop()
	sink := &fakeSink{}
	l.SetMetricsSink(sink)

	l.RecordDropped("agent-1", "event", "queue_full")

	if len(sink.dropped) != 1 || sink.dropped[0] != "queue_full" {
		t.Fatalf("expected one dropped reason %q, got %v", "queue_full", sink.dropped)
	}
}

func TestLogRouteDispatchOnlyCountsRoutedOnDelivery(t *testing.T) {
	l := NewNop()
	sink := &fakeSink{}
	l.SetMetricsSink(sink)

	l.LogRouteDispatch("fs", "agent-1", 3, 0, 0.01, nil)
	l.LogRouteDispatch("fs", "agent-1", 0, 2, 0.02, errors.New("boom"))

	if sink.routed["fs"] != 3 {
		t.Fatalf("expected 3 routed records, got %d", sink.routed["fs"])
	}
	if len(sink.latencies) != 2 {
		t.Fatalf("expected a latency observation per dispatch attempt, got %d", len(sink.latencies))
	}
}
