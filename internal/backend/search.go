package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/routing"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// SearchConfig configures the search bulk-index adapter.
type SearchConfig struct {
	Endpoint       string
	IndexPrefix    string
	Headers        map[string]string
	RequestTimeout time.Duration
}

// Search bulk-indexes records against a rolling, date-derived index name,
// using the same bulk-action-line convention most search engines' HTTP
// bulk APIs expect: one action line followed by one document line, per
// record.
type Search struct {
	cfg    SearchConfig
	client *http.Client

	mu      sync.Mutex
	healthy bool
	detail  string
}

// NewSearch constructs a Search adapter.
func NewSearch(cfg SearchConfig) *Search {
	return &Search{cfg: cfg, client: defaultHTTPClient(cfg.RequestTimeout), healthy: true}
}

func (s *Search) indexName(at time.Time) string {
	return fmt.Sprintf("%s-%s", s.cfg.IndexPrefix, at.UTC().Format("2006.01.02"))
}

// Deliver implements routing.Adapter.
func (s *Search) Deliver(records []*wire.Record) routing.DeliverResult {
	if len(records) == 0 {
		return routing.DeliverResult{}
	}

	index := s.indexName(time.Now())
	var buf bytes.Buffer
	for _, rec := range records {
		action := map[string]any{"index": map[string]any{"_index": index}}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
		}
		line, err := wire.Encode(rec)
		if err != nil {
			return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
	defer cancel()

	status, _, err := postJSON(ctx, s.client, s.cfg.Endpoint+"/_bulk", s.cfg.Headers, buf.Bytes())
	if err != nil {
		s.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}
	if status >= 500 {
		err := fmt.Errorf("search adapter: bulk endpoint returned %d", status)
		s.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}
	if status >= 400 {
		err := fmt.Errorf("search adapter: bulk endpoint returned %d", status)
		return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
	}

	s.setHealth(true, "")
	return routing.DeliverResult{DeliveredCount: len(records)}
}

func (s *Search) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 10 * time.Second
}

func (s *Search) setHealth(healthy bool, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
	s.detail = detail
}

// Health implements routing.Adapter.
func (s *Search) Health() routing.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return routing.HealthStatus{Healthy: s.healthy, Detail: s.detail}
}

// Close implements routing.Adapter.
func (s *Search) Close() error { return nil }
