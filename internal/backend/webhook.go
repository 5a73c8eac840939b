package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/routing"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// WebhookConfig configures a user-defined webhook adapter.
type WebhookConfig struct {
	URL            string
	Method         string
	Headers        map[string]string
	RequestTimeout time.Duration
}

// Webhook POSTs (or otherwise sends, per Method) the batch as one JSON
// array to a user-configured URL.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client

	mu      sync.Mutex
	healthy bool
	detail  string
}

// NewWebhook constructs a Webhook adapter.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &Webhook{cfg: cfg, client: defaultHTTPClient(cfg.RequestTimeout), healthy: true}
}

// Deliver implements routing.Adapter. Unlike the other adapters the
// webhook payload is a JSON array (not NDJSON), matching the common
// webhook-consumer expectation of a single parseable body.
func (w *Webhook) Deliver(records []*wire.Record) routing.DeliverResult {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range records {
		line, err := wire.Encode(rec)
		if err != nil {
			return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(line)
	}
	buf.WriteByte(']')

	ctx, cancel := context.WithTimeout(context.Background(), w.requestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("webhook adapter: endpoint returned %d", resp.StatusCode)
		w.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("webhook adapter: endpoint returned %d", resp.StatusCode)
		return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
	}

	w.setHealth(true, "")
	return routing.DeliverResult{DeliveredCount: len(records)}
}

func (w *Webhook) requestTimeout() time.Duration {
	if w.cfg.RequestTimeout > 0 {
		return w.cfg.RequestTimeout
	}
	return 10 * time.Second
}

func (w *Webhook) setHealth(healthy bool, detail string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthy = healthy
	w.detail = detail
}

// Health implements routing.Adapter.
func (w *Webhook) Health() routing.HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return routing.HealthStatus{Healthy: w.healthy, Detail: w.detail}
}

// Close implements routing.Adapter.
func (w *Webhook) Close() error { return nil }
