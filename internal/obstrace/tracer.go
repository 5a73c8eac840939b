// Package obstrace provides the sidecar's own OpenTelemetry
// self-observability: spans around the routing dispatch stage and,
// optionally, OTLP metric export alongside the Prometheus exposition in
// internal/selftelemetry. It mirrors the exporter-selection and no-op-
// when-disabled shape this project's OTel integration was adapted from.
package obstrace

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects where spans/metrics are sent.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config tunes self-tracing, sourced from the sidecar's own process
// flags rather than the routable config document: self-observability is
// an operator concern, not a hot-reloadable routing concern.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	SampleRate     float64
	Attributes     map[string]string
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "lattice-sidecar", ExporterType: ExporterNone, SampleRate: 1.0}
}

// Tracer wraps an OTel TracerProvider with the sidecar's pipeline-stage
// span helpers.
type Tracer struct {
	cfg            Config
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	shutdown       func(context.Context) error
	mu             sync.RWMutex
}

var (
	globalTracer *Tracer
	globalMu     sync.RWMutex
)

// NewTracer constructs a Tracer, falling back to a no-op provider when
// disabled or misconfigured with ExporterNone.
func NewTracer(ctx context.Context, cfg Config) (*Tracer, error) {
	t := &Tracer{cfg: cfg, propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		t.tracerProvider = noop.NewTracerProvider()
		t.tracer = t.tracerProvider.Tracer(cfg.ServiceName)
		t.shutdown = func(context.Context) error { return nil }
		return t, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obstrace: create exporter: %w", err)
	}

	res, err := createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("obstrace: create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	t.tracerProvider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdown = tp.Shutdown

	otel.SetTextMapPropagator(t.propagator)
	return t, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func createResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

// Shutdown flushes and tears down the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// Enabled reports whether this tracer exports anywhere.
func (t *Tracer) Enabled() bool {
	return t.cfg.Enabled && t.cfg.ExporterType != ExporterNone
}

// StartPipelineSpan starts a span named "sidecar.<stage>" tagged with the
// record source and record count. cmd/sidecar starts one ("route") around
// each batch dispatch.
func (t *Tracer) StartPipelineSpan(ctx context.Context, stage, source string, recordCount int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sidecar."+stage, trace.WithAttributes(
		attribute.String("sidecar.source", source),
		attribute.Int("sidecar.record_count", recordCount),
	), trace.WithSpanKind(trace.SpanKindInternal))
}

// RecordError annotates span with a classified pipeline error.
func RecordError(span trace.Span, err error, errorType string, retryable bool) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.type", errorType), attribute.Bool("error.retryable", retryable))
}

// SetGlobalTracer installs the process-wide tracer.
func SetGlobalTracer(t *Tracer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalTracer = t
	if t != nil && t.Enabled() {
		otel.SetTracerProvider(t.tracerProvider)
	}
}

// GetGlobalTracer returns the process-wide tracer, or a no-op if none
// was installed.
func GetGlobalTracer() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that discards every span.
func NoopTracer() *Tracer {
	tp := noop.NewTracerProvider()
	return &Tracer{
		cfg:            DefaultConfig(),
		tracerProvider: tp,
		tracer:         tp.Tracer("lattice-sidecar"),
		propagator:     propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}),
		shutdown:       func(context.Context) error { return nil },
	}
}
