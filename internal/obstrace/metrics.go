package obstrace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig tunes the optional OTLP metrics path, which mirrors
// internal/selftelemetry's Prometheus exposition for deployments whose
// observability stack is OTLP-native rather than Prometheus-scrape-based.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string
}

// Metrics wraps an OTel MeterProvider with the sidecar's own instruments.
type Metrics struct {
	cfg           MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error

	dispatchLatency metric.Float64Histogram
	dispatchErrors  metric.Int64Counter
	breakerTrips    metric.Int64Counter
}

// NewMetrics constructs a Metrics instance, falling back to a no-op
// provider when disabled.
func NewMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{cfg: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, m.registerInstruments()
	}

	exporter, err := m.createExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("obstrace: create metrics exporter: %w", err)
	}
	res, err := createResource(Config{ServiceName: cfg.ServiceName, ServiceVersion: cfg.ServiceVersion, Attributes: cfg.Attributes})
	if err != nil {
		return nil, fmt.Errorf("obstrace: create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	return m, m.registerInstruments()
}

func (m *Metrics) createExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	switch m.cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if m.cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(m.cfg.OTLPEndpoint))
		}
		if m.cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if m.cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(m.cfg.OTLPEndpoint))
		}
		if m.cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", m.cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error
	m.dispatchLatency, err = m.meter.Float64Histogram("sidecar.dispatch.latency",
		metric.WithDescription("Latency of a backend dispatch attempt"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.dispatchErrors, err = m.meter.Int64Counter("sidecar.dispatch.errors",
		metric.WithDescription("Count of failed backend dispatch attempts"))
	if err != nil {
		return err
	}
	m.breakerTrips, err = m.meter.Int64Counter("sidecar.breaker.trips",
		metric.WithDescription("Count of circuit breaker state transitions to open"))
	return err
}

// RecordDispatch records one backend dispatch's latency and outcome.
func (m *Metrics) RecordDispatch(ctx context.Context, backend string, latencyMs float64, err error) {
	attrs := attribute.String("backend", backend)
	m.dispatchLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs))
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs))
	}
}

// RecordBreakerTrip records a breaker transitioning to Open.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, backend string) {
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// Shutdown flushes and tears down the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}
