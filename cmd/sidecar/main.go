// Command sidecar runs the telemetry sidecar process: a TCP listener that
// ingests records from co-located producers, correlates and batches them
// per source, and concurrently fans them out to configured backends under
// hot-reloadable routing rules.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-telemetry/sidecar/internal/breaker"
	"github.com/lattice-telemetry/sidecar/internal/config"
	"github.com/lattice-telemetry/sidecar/internal/correlation"
	"github.com/lattice-telemetry/sidecar/internal/listener"
	"github.com/lattice-telemetry/sidecar/internal/obslog"
	"github.com/lattice-telemetry/sidecar/internal/obstrace"
	"github.com/lattice-telemetry/sidecar/internal/plugin"
	"github.com/lattice-telemetry/sidecar/internal/routing"
	"github.com/lattice-telemetry/sidecar/internal/selftelemetry"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

const (
	exitOK            = 0
	exitInvalidConfig = 1
	exitListenerBind  = 2
	exitFatal         = 3
)

func main() {
	configPath := flag.String("config", "sidecar.yaml", "Path to the configuration document")
	managementHost := flag.String("management-host", "127.0.0.1", "Host for the health/metrics/reload management server")
	managementPort := flag.Int("management-port", 17001, "Port for the health/metrics/reload management server")
	instanceID := flag.String("instance-id", "", "Instance identifier attached to every log line (default: random)")
	tracingEnabled := flag.Bool("tracing-enabled", false, "Enable self-tracing spans around routing dispatch")
	tracingExporter := flag.String("tracing-exporter", "none", "Self-tracing exporter: none, stdout, otlp-grpc, otlp-http")
	tracingEndpoint := flag.String("tracing-endpoint", "", "OTLP collector endpoint for self-tracing")
	otlpMetricsEnabled := flag.Bool("otlp-metrics-enabled", false, "Mirror the Prometheus self-telemetry counters as OTLP metrics")
	otlpMetricsExporter := flag.String("otlp-metrics-exporter", "none", "OTLP metrics exporter: none, stdout, otlp-grpc, otlp-http")
	otlpMetricsEndpoint := flag.String("otlp-metrics-endpoint", "", "OTLP collector endpoint for metrics export")
	version := flag.String("version", "dev", "Version string reported on GET /health")
	flag.Parse()

	if *instanceID == "" {
		*instanceID = uuid.New().String()
	}

	log := obslog.NewStdout(*instanceID)
	obslog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := obstrace.NewTracer(ctx, obstrace.Config{
		Enabled:      *tracingEnabled,
		ServiceName:  "lattice-sidecar",
		ExporterType: obstrace.ExporterType(*tracingExporter),
		OTLPEndpoint: *tracingEndpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: init tracer: %v\n", err)
		os.Exit(exitFatal)
	}
	obstrace.SetGlobalTracer(tracer)

	otlpMetrics, err := obstrace.NewMetrics(ctx, obstrace.MetricsConfig{
		Enabled:        *otlpMetricsEnabled,
		ServiceName:    "lattice-sidecar",
		ServiceVersion: *version,
		ExporterType:   obstrace.ExporterType(*otlpMetricsExporter),
		OTLPEndpoint:   *otlpMetricsEndpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: init otlp metrics: %v\n", err)
		os.Exit(exitFatal)
	}

	metrics := selftelemetry.NewMetrics()
	log.SetMetricsSink(&obsFanoutSink{prom: metrics, otlp: otlpMetrics})

	eng := correlation.New(correlation.Options{}, log)
	routingEngine := routing.New(nil, 8, log)

	app := &application{
		log:      log,
		eng:      eng,
		routing:  routingEngine,
		metrics:  metrics,
		breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	}
	app.breakers.SetTransitionHook(func(backend string, to breaker.State, reason string) {
		log.LogBreakerTransition(backend, "", string(to), reason)
	})

	watcher := config.NewWatcher(*configPath, 0, app.applyConfig, func(err error) {
		log.LogConfigReload("", err)
	})
	snapshot := watcher.Bootstrap()
	if snapshot == nil || snapshot.ID == "" {
		fmt.Fprintln(os.Stderr, "sidecar: no usable configuration at startup")
		os.Exit(exitInvalidConfig)
	}
	watcher.Start(ctx)
	defer watcher.Stop()
	app.watcher = watcher

	doc := snapshot.Document
	ln := listener.New(listener.Options{
		Host:               doc.Listener.Host,
		Port:               doc.Listener.Port,
		MaxConnections:     doc.Listener.MaxConnections,
		MaxFramingErrors:   doc.Listener.MaxFramingErrors,
		FramingErrorWindow: time.Duration(doc.Listener.FramingErrorWindowMs) * time.Millisecond,
		ClockSkewTolerance: time.Duration(doc.Listener.ClockSkewToleranceMs) * time.Millisecond,
	}, eng, log)

	mgmt := selftelemetry.New(selftelemetry.Options{
		Host:     *managementHost,
		Port:     *managementPort,
		Version:  *version,
		Metrics:  metrics,
		Breakers: app.breakers,
		Reload: func() (string, []string, error) {
			if err := watcher.ForceReload(); err != nil {
				return "", nil, err
			}
			return watcher.Current().ID, nil, nil
		},
		Snapshot: watcher.Current,
		Ready:    func() bool { return true },
	})
	if err := mgmt.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: start management server: %v\n", err)
		os.Exit(exitFatal)
	}

	eng.Start(ctx)
	go app.pumpBatches(ctx)
	go app.pumpTraces(ctx)
	go app.refreshGauges(ctx)

	listenerErrCh := make(chan error, 1)
	go func() { listenerErrCh <- ln.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.LogShutdown(fmt.Sprintf("signal_received:%s", sig))
	case err := <-listenerErrCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "sidecar: listener bind failed: %v\n", err)
			os.Exit(exitListenerBind)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	ln.Shutdown()
	eng.Stop()
	_ = mgmt.Shutdown(shutdownCtx)
	_ = tracer.Shutdown(shutdownCtx)
	_ = otlpMetrics.Shutdown(shutdownCtx)
	cancel()

	log.LogShutdown("complete")
	os.Exit(exitOK)
}

// obsFanoutSink fans every lifecycle event out to both the always-on
// Prometheus exposition and the optional OTLP metrics mirror, so
// enabling --otlp-metrics-enabled costs no second instrumentation pass
// over the pipeline.
type obsFanoutSink struct {
	prom *selftelemetry.Metrics
	otlp *obstrace.Metrics
}

var _ obslog.MetricsSink = (*obsFanoutSink)(nil)

func (s *obsFanoutSink) RecordReceived(source string) { s.prom.RecordReceived(source) }
func (s *obsFanoutSink) RecordDropped(source, reason string) { s.prom.RecordDropped(source, reason) }
func (s *obsFanoutSink) RecordRouted(backend string, count int) { s.prom.RecordRouted(backend, count) }

func (s *obsFanoutSink) RecordBackendLatency(backend string, seconds float64, err error) {
	s.prom.RecordBackendLatency(backend, seconds, err)
	s.otlp.RecordDispatch(context.Background(), backend, seconds*1000, err)
}

func (s *obsFanoutSink) RecordBreakerTransition(backend, to string) {
	s.prom.RecordBreakerTransition(backend, to)
	if to == string(breaker.Open) {
		s.otlp.RecordBreakerTrip(context.Background(), backend)
	}
}

func (s *obsFanoutSink) RecordConfigReload(result string) { s.prom.RecordConfigReload(result) }

// application holds the pipeline components a config reload needs to
// rewire, kept out of main's locals so applyConfig (the watcher's
// ChangeHandler) can close over a stable receiver.
type application struct {
	log      *obslog.Logger
	eng      *correlation.Engine
	routing  *routing.Engine
	metrics  *selftelemetry.Metrics
	breakers *breaker.Registry
	watcher  *config.Watcher
}

// applyConfig builds a new routing snapshot from doc and swaps it into the
// routing engine. It is config.Watcher's ChangeHandler: a non-nil error
// leaves the previously active snapshot in place.
func (a *application) applyConfig(doc *config.Document) (string, error) {
	rules, priorities, err := buildRules(doc)
	if err != nil {
		return "", err
	}

	adapters := make(map[string]routing.Adapter, len(doc.Backends))
	for name, backendCfg := range doc.Backends {
		adapter, err := plugin.DefaultRegistry.Build(name, backendCfg)
		if err != nil {
			for _, built := range adapters {
				_ = built.Close()
			}
			return "", err
		}
		adapters[name] = adapter
	}

	id := uuid.New().String()
	snap := routing.NewSnapshot(id, rules, adapters, priorities, a.breakers)
	if a.routing != nil {
		a.routing.Swap(snap)
	}
	return id, nil
}

// buildRules translates the config document's routing table into
// routing.Rule lists keyed by selector, and derives each backend's
// dispatch priority from the lowest priority any rule declares for it.
func buildRules(doc *config.Document) (map[string][]routing.Rule, map[string]int, error) {
	rules := make(map[string][]routing.Rule, len(doc.Routing))
	priorities := make(map[string]int)

	for selector, entries := range doc.Routing {
		for _, entry := range entries {
			if !entry.EnabledOrDefault() {
				continue
			}
			if _, ok := doc.Backends[entry.Backend]; !ok {
				return nil, nil, fmt.Errorf("routing.%s: undefined backend %q", selector, entry.Backend)
			}

			var kinds map[wire.Kind]bool
			if len(entry.Filter.Kinds) > 0 {
				kinds = make(map[wire.Kind]bool, len(entry.Filter.Kinds))
				for _, k := range entry.Filter.Kinds {
					kinds[wire.Kind(k)] = true
				}
			}

			rules[selector] = append(rules[selector], routing.Rule{
				Selector: selector,
				Backend:  entry.Backend,
				Priority: entry.Priority,
				Kinds:    kinds,
			})

			if existing, ok := priorities[entry.Backend]; !ok || entry.Priority < existing {
				priorities[entry.Backend] = entry.Priority
			}
		}
	}
	return rules, priorities, nil
}

// pumpBatches feeds flushed per-source batches into the routing engine.
func (a *application) pumpBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-a.eng.Batches():
			if !ok {
				return
			}
			dctx, span := obstrace.GetGlobalTracer().StartPipelineSpan(ctx, "route", batch.Source, len(batch.Records))
			a.routing.Dispatch(dctx, batch.Source, batch.Records)
			span.End()
		}
	}
}

// pumpTraces feeds assembled distributed traces into the routing engine
// as synthetic records, matched only by wildcard routing rules.
func (a *application) pumpTraces(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trace, ok := <-a.eng.Traces():
			if !ok {
				return
			}
			rec := trace.Record()
			spanCount, _ := rec.Payload["span_count"].(int)
			durationMs, _ := rec.Payload["duration_ms"].(int64)
			a.log.LogTraceAssembled(trace.TraceID, spanCount, durationMs)
			a.routing.Dispatch(ctx, "", []*wire.Record{rec})
		}
	}
}

// refreshGauges periodically pushes queue-depth and breaker-state
// snapshots into the Prometheus gauges, which are otherwise only updated
// on the transition/enqueue events obslog's sink hooks observe.
func (a *application) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.RefreshQueueGauges(a.eng.SourceQueueDepths())
			states := make(map[string]string)
			for backend, state := range a.breakers.Snapshot() {
				states[backend] = string(state)
			}
			a.metrics.RefreshBreakerGauges(states)
		}
	}
}
