package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/routing"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// ManagedConfig configures the managed/HTTP adapter.
type ManagedConfig struct {
	Endpoint       string
	Headers        map[string]string
	MaxInFlight    int
	RequestTimeout time.Duration
}

// Managed posts batches to a configured HTTP ingest endpoint, bounding
// concurrent requests to MaxInFlight.
type Managed struct {
	cfg    ManagedConfig
	client *http.Client
	sem    chan struct{}

	mu      sync.Mutex
	healthy bool
	detail  string
}

// NewManaged constructs a Managed adapter.
func NewManaged(cfg ManagedConfig) *Managed {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	return &Managed{
		cfg:     cfg,
		client:  defaultHTTPClient(cfg.RequestTimeout),
		sem:     make(chan struct{}, cfg.MaxInFlight),
		healthy: true,
	}
}

// Deliver implements routing.Adapter.
func (m *Managed) Deliver(records []*wire.Record) routing.DeliverResult {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	default:
		return routing.DeliverResult{FailedCount: len(records), Err: fmt.Errorf("managed adapter: max in-flight requests reached")}
	}

	body, err := encodeNDJSON(records)
	if err != nil {
		return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout())
	defer cancel()

	status, _, err := postJSON(ctx, m.client, m.cfg.Endpoint, m.cfg.Headers, body)
	if err != nil {
		m.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}

	if status >= 500 {
		err := fmt.Errorf("managed adapter: endpoint returned %d", status)
		m.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}
	if status >= 400 {
		err := fmt.Errorf("managed adapter: endpoint returned %d", status)
		return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
	}

	m.setHealth(true, "")
	return routing.DeliverResult{DeliveredCount: len(records)}
}

func (m *Managed) requestTimeout() time.Duration {
	if m.cfg.RequestTimeout > 0 {
		return m.cfg.RequestTimeout
	}
	return 10 * time.Second
}

func (m *Managed) setHealth(healthy bool, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	m.detail = detail
}

// Health implements routing.Adapter.
func (m *Managed) Health() routing.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return routing.HealthStatus{Healthy: m.healthy, Detail: m.detail}
}

// Close implements routing.Adapter.
func (m *Managed) Close() error { return nil }
