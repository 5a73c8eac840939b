// Package obslog provides the sidecar's structured event logging, built on
// log/slog in the same style as the ambient event logger this project was
// adapted from: one typed LogXxx method per notable event, JSON output,
// and a process-wide default with an explicit no-op variant for tests.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// MetricsSink receives the subset of lifecycle events that feed the
// management server's Prometheus exposition, updated alongside the
// structured log line rather than through a separate instrumentation
// pass over the pipeline.
type MetricsSink interface {
	RecordReceived(source string)
	RecordDropped(source, reason string)
	RecordRouted(backend string, count int)
	RecordBackendLatency(backend string, seconds float64, err error)
	RecordBreakerTransition(backend, to string)
	RecordConfigReload(result string)
}

// Logger wraps a slog.Logger with one method per sidecar lifecycle event,
// keeping field names stable even if the underlying handler changes.
type Logger struct {
	logger *slog.Logger
	sink   MetricsSink
}

// SetMetricsSink attaches the metrics sink that LogXxx methods report
// into, in addition to writing their structured log line. Nil detaches it.
func (l *Logger) SetMetricsSink(sink MetricsSink) {
	l.sink = sink
}

// New creates a Logger with JSON output to w, tagged with the sidecar's
// instance ID. The config document has no notion of instance
// identity, so callers typically pass a generated one for correlating
// logs across a fleet).
func New(w io.Writer, instanceID string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler).With("instance_id", instanceID)}
}

// NewNop returns a Logger that discards everything, for tests and for
// components constructed without an explicit logger.
func NewNop() *Logger {
	return &Logger{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// SetDefault installs the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide logger, or a no-op if none was set.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger != nil {
		return defaultLogger
	}
	return NewNop()
}

// NewStdout is a convenience constructor for cmd/sidecar's normal startup path.
func NewStdout(instanceID string) *Logger { return New(os.Stdout, instanceID) }

// LogListenerStarted records the listener binding to its address.
func (l *Logger) LogListenerStarted(addr string, maxConnections int) {
	l.logger.Info("listener_started", "addr", addr, "max_connections", maxConnections)
}

// LogConnectionAccepted records a new inbound connection before its source
// has identified itself.
func (l *Logger) LogConnectionAccepted(remoteAddr string) {
	l.logger.Info("connection_accepted", "remote_addr", remoteAddr)
}

// LogConnectionClosed records a connection's termination.
func (l *Logger) LogConnectionClosed(source, remoteAddr, reason string) {
	l.logger.Info("connection_closed", "source", source, "remote_addr", remoteAddr, "reason", reason)
}

// LogFramingErrorThreshold records a connection forcibly closed after
// exceeding the malformed-frame threshold.
func (l *Logger) LogFramingErrorThreshold(source, remoteAddr string, errorCount int) {
	l.logger.Warn("framing_error_threshold", "source", source, "remote_addr", remoteAddr, "error_count", errorCount)
}

// RecordDropped records one record (or batch) dropped before delivery, such
// as for backpressure, a decode failure, a source rebind or an open
// circuit, with a stable
// reason label for the records_dropped_total counter.
func (l *Logger) RecordDropped(source, kind, reason string) {
	l.logger.Warn("record_dropped", "source", source, "kind", kind, "reason", reason)
	if l.sink != nil {
		l.sink.RecordDropped(source, reason)
	}
}

// LogRecordReceived records one record admitted by the listener, for the
// records_received_total counter.
func (l *Logger) LogRecordReceived(source string) {
	if l.sink != nil {
		l.sink.RecordReceived(source)
	}
}

// LogBatchFlushed records one batch handed off to routing.
func (l *Logger) LogBatchFlushed(source string, count int, endOfStream bool) {
	l.logger.Info("batch_flushed", "source", source, "record_count", count, "end_of_stream", endOfStream)
}

// LogTraceAssembled records a completed distributed trace.
func (l *Logger) LogTraceAssembled(traceID string, spanCount int, durationMs int64) {
	l.logger.Info("trace_assembled", "trace_id", traceID, "span_count", spanCount, "duration_ms", durationMs)
}

// LogTraceEvicted records a trace dropped incomplete by TTL or idle timeout.
func (l *Logger) LogTraceEvicted(traceID, reason string, spanCount int) {
	l.logger.Warn("trace_evicted", "trace_id", traceID, "reason", reason, "span_count", spanCount)
}

// LogSourceEvicted records a source's buffering state torn down after its
// idle window elapsed.
func (l *Logger) LogSourceEvicted(source string) {
	l.logger.Info("source_evicted", "source", source)
}

// LogRouteDispatch records one backend dispatch attempt's outcome.
func (l *Logger) LogRouteDispatch(backend, source string, delivered, failed int, latencySeconds float64, err error) {
	if err != nil {
		l.logger.Warn("route_dispatch_failed", "backend", backend, "source", source, "delivered", delivered, "failed", failed, "error", err.Error())
	} else {
		l.logger.Info("route_dispatch", "backend", backend, "source", source, "delivered", delivered, "failed", failed)
	}
	if l.sink != nil {
		l.sink.RecordBackendLatency(backend, latencySeconds, err)
		if delivered > 0 {
			l.sink.RecordRouted(backend, delivered)
		}
	}
}

// LogBreakerTransition records a circuit breaker state change.
func (l *Logger) LogBreakerTransition(backend, from, to, reason string) {
	l.logger.Warn("breaker_transition", "backend", backend, "from", from, "to", to, "reason", reason)
	if l.sink != nil {
		l.sink.RecordBreakerTransition(backend, to)
	}
}

// LogConfigReload records a config reload attempt's outcome.
func (l *Logger) LogConfigReload(snapshotID string, err error) {
	result := "ok"
	if err != nil {
		result = "invalid"
		l.logger.Error("config_reload_failed", "error", err.Error())
	} else {
		l.logger.Info("config_reload", "snapshot_id", snapshotID)
	}
	if l.sink != nil {
		l.sink.RecordConfigReload(result)
	}
}

// LogShutdown records graceful shutdown progress.
func (l *Logger) LogShutdown(stage string) {
	l.logger.Info("shutdown", "stage", stage)
}
