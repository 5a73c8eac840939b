// Package config parses, validates, and hot-reloads the sidecar's
// declarative configuration document.
package config

import "time"

// Document is the top-level recognized configuration shape. Unknown keys
// at any level are a validation error (decoded with strict/disallow-
// unknown-fields decoders), matching the "unknown keys are a validation
// error to avoid silent typos" design note.
type Document struct {
	Listener    ListenerConfig              `json:"listener" yaml:"listener" validate:"required"`
	Correlation CorrelationConfig           `json:"correlation" yaml:"correlation"`
	Routing     map[string][]RouteEntry     `json:"routing" yaml:"routing" validate:"required,min=1,dive,dive"`
	Backends    map[string]BackendConfig    `json:"backends" yaml:"backends" validate:"required,min=1,dive"`
	Reload      ReloadConfig                `json:"reload" yaml:"reload"`
}

// ListenerConfig configures the TCP ingest listener.
type ListenerConfig struct {
	Host                string `json:"host" yaml:"host"`
	Port                int    `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	MaxConnections      int    `json:"max_connections" yaml:"max_connections" validate:"gte=0"`
	PerSourceQueueSize  int    `json:"per_source_queue_size" yaml:"per_source_queue_size" validate:"gte=0"`
	GlobalQueueSize     int    `json:"global_queue_size" yaml:"global_queue_size" validate:"gte=0"`
	ClockSkewToleranceMs int64 `json:"clock_skew_tolerance_ms" yaml:"clock_skew_tolerance_ms" validate:"gte=0"`
	MaxFramingErrors    int    `json:"max_framing_errors" yaml:"max_framing_errors" validate:"gte=0"`
	FramingErrorWindowMs int64 `json:"framing_error_window_ms" yaml:"framing_error_window_ms" validate:"gte=0"`
}

// CorrelationConfig configures the correlation engine.
type CorrelationConfig struct {
	BatchSize      int   `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	BatchIntervalMs int64 `json:"batch_interval_ms" yaml:"batch_interval_ms" validate:"gte=0"`
	TraceTTLMs     int64 `json:"trace_ttl_ms" yaml:"trace_ttl_ms" validate:"gte=0"`
	TraceIdleMs    int64 `json:"trace_idle_ms" yaml:"trace_idle_ms" validate:"gte=0"`
	SourceIdleMs   int64 `json:"source_idle_ms" yaml:"source_idle_ms" validate:"gte=0"`
}

// FilterConfig restricts a route entry to a subset of record kinds.
type FilterConfig struct {
	Kinds []string `json:"kinds" yaml:"kinds"`
}

// RouteEntry is one backend reference within a routing rule's ordered list.
type RouteEntry struct {
	Backend  string       `json:"backend" yaml:"backend" validate:"required"`
	Enabled  *bool        `json:"enabled" yaml:"enabled"`
	Priority int          `json:"priority" yaml:"priority"`
	Filter   FilterConfig `json:"filter" yaml:"filter"`
}

// EnabledOrDefault returns the entry's enabled flag, defaulting to true.
func (r RouteEntry) EnabledOrDefault() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// BackendConfig is a type-tagged backend descriptor; TypeSpecific carries
// the fields particular to Type (validated in validate.go).
type BackendConfig struct {
	Type          string         `json:"type" yaml:"type" validate:"required,oneof=managed filesystem objectstore search webhook"`
	TypeSpecific  map[string]any `json:"-" yaml:"-"`
}

// ReloadConfig configures the config-file watcher.
type ReloadConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	CheckIntervalMs   int64  `json:"check_interval_ms" yaml:"check_interval_ms" validate:"gte=0"`
	AtomicTempSuffix  string `json:"atomic_temp_suffix" yaml:"atomic_temp_suffix"`
}

// DebounceWindow is the fixed wait before parsing a changed file, to
// tolerate partial writes.
const DebounceWindow = 100 * time.Millisecond

// Defaults returns a fully-populated default configuration document,
// used when no file is present at startup.
func Defaults() *Document {
	return &Document{
		Listener: ListenerConfig{
			Host:                 "127.0.0.1",
			Port:                 17000,
			MaxConnections:       1024,
			PerSourceQueueSize:   1000,
			GlobalQueueSize:      50000,
			ClockSkewToleranceMs: 10 * 60 * 1000,
			MaxFramingErrors:     16,
			FramingErrorWindowMs: 10_000,
		},
		Correlation: CorrelationConfig{
			BatchSize:       100,
			BatchIntervalMs: 5_000,
			TraceTTLMs:      60 * 60 * 1000,
			TraceIdleMs:     30_000,
			SourceIdleMs:    10 * 60 * 1000,
		},
		Routing:  map[string][]RouteEntry{},
		Backends: map[string]BackendConfig{},
		Reload: ReloadConfig{
			Enabled:          true,
			CheckIntervalMs:  2_000,
			AtomicTempSuffix: ".tmp",
		},
	}
}

func (c CorrelationConfig) WithDefaults() CorrelationConfig {
	d := Defaults().Correlation
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchIntervalMs <= 0 {
		c.BatchIntervalMs = d.BatchIntervalMs
	}
	if c.TraceTTLMs <= 0 {
		c.TraceTTLMs = d.TraceTTLMs
	}
	if c.TraceIdleMs <= 0 {
		c.TraceIdleMs = d.TraceIdleMs
	}
	if c.SourceIdleMs <= 0 {
		c.SourceIdleMs = d.SourceIdleMs
	}
	return c
}
