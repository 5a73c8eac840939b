package selftelemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lattice-telemetry/sidecar/internal/breaker"
	"github.com/lattice-telemetry/sidecar/internal/config"
)

// ReloadFunc triggers an immediate out-of-band config reload, returning
// the applied snapshot ID or a validation error.
type ReloadFunc func() (snapshotID string, validationErrors []string, err error)

// Options configures the management server.
type Options struct {
	Host    string
	Port    int // default 17001
	Version string

	Metrics  *Metrics
	Breakers *breaker.Registry
	Reload   ReloadFunc
	Snapshot func() *config.Snapshot
	Ready    func() bool
}

// Server is the sidecar's self-observability HTTP server: GET /health,
// GET /metrics, POST /reload.
type Server struct {
	opts      Options
	startedAt time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// New constructs a management Server. Call Start to begin serving.
func New(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 17001
	}
	return &Server{opts: opts, startedAt: time.Now()}
}

// Start binds the management listener and begins serving in the
// background. It returns once the socket is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("selftelemetry: server already running")
	}

	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("selftelemetry: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/reload", s.handleReload)

	srv := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.server = srv
	s.listener = ln
	s.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Printf("selftelemetry: server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the management server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound management address, or "" if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type healthResponse struct {
	Status  string         `json:"status"`
	UptimeS float64        `json:"uptime_s"`
	Version string         `json:"version"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.opts.Ready != nil {
		ready = s.opts.Ready()
	}

	status := "ok"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	extra := map[string]any{}
	if s.opts.Breakers != nil {
		states := make(map[string]string)
		for backend, state := range s.opts.Breakers.Snapshot() {
			states[backend] = string(state)
		}
		extra["breakers"] = states
	}
	if s.opts.Snapshot != nil {
		if snap := s.opts.Snapshot(); snap != nil {
			extra["config_snapshot_id"] = snap.ID
		}
	}

	writeJSON(w, code, healthResponse{
		Status:  status,
		UptimeS: time.Since(s.startedAt).Seconds(),
		Version: s.opts.Version,
		Extra:   extra,
	})
}

type reloadResponse struct {
	SnapshotID string   `json:"snapshot_id,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Reload == nil {
		http.Error(w, "reload not configured", http.StatusNotImplemented)
		return
	}

	id, validationErrs, err := s.opts.Reload()
	if len(validationErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, reloadResponse{Errors: validationErrs})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, reloadResponse{Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{SnapshotID: id})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
