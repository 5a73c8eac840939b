// Package wire implements the line-delimited JSON framing protocol used
// between telemetry producers and the sidecar, including schema
// versioning and the kind-specific payload shapes.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is the wire schema version this build understands.
const SchemaVersion = 1

// MaxFrameBytes is the maximum length of a single framed record,
// including the trailing newline.
const MaxFrameBytes = 64 * 1024

// Kind identifies the type of a telemetry record.
type Kind string

const (
	KindEvent     Kind = "event"
	KindMetric    Kind = "metric"
	KindProgress  Kind = "progress"
	KindResource  Kind = "resource"
	KindSpan      Kind = "span"
	KindHeartbeat Kind = "heartbeat"
	KindGoodbye   Kind = "goodbye"

	// KindTrace tags the synthetic record the sidecar builds from an
	// assembled distributed trace. It is never accepted from the wire
	// (see Kind.valid below) — only routing filters reference it.
	KindTrace Kind = "trace"
)

func (k Kind) valid() bool {
	switch k {
	case KindEvent, KindMetric, KindProgress, KindResource, KindSpan, KindHeartbeat, KindGoodbye:
		return true
	}
	return false
}

// Record is the decoded, readable-field form of one telemetry record.
// On the wire it is framed as the short-field Frame below; Record is what
// the rest of the sidecar operates on internally.
type Record struct {
	SchemaVersion int            `json:"schema_version"`
	Source        string         `json:"source"`
	TimestampMs   int64          `json:"timestamp_ms"`
	Kind          Kind           `json:"kind"`
	TraceID       string         `json:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventPayload is the schema for kind=event.
type EventPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// MetricPayload is the schema for kind=metric.
type MetricPayload struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// ProgressPayload is the schema for kind=progress.
type ProgressPayload struct {
	JobID   string `json:"job_id"`
	Percent int    `json:"percent"`
	Status  string `json:"status,omitempty"`
}

// ResourcePayload is the schema for kind=resource.
type ResourcePayload struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	DiskIO float64 `json:"disk_io"`
	NetIO  float64 `json:"net_io"`
	PID    int     `json:"pid"`
}

// SpanPayload is the schema for kind=span.
type SpanPayload struct {
	Name    string            `json:"name"`
	StartMs int64             `json:"start_ms"`
	EndMs   int64             `json:"end_ms,omitempty"`
	Status  string            `json:"status,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Error kinds returned by Decode, per the protocol_error taxonomy.
var (
	ErrMalformedJSON    = errors.New("wire: malformed json")
	ErrUnsupportedVer   = errors.New("wire: unsupported schema version")
	ErrUnknownKind      = errors.New("wire: unknown record kind")
	ErrMissingField     = errors.New("wire: missing required field")
	ErrInvalidUTF8      = errors.New("wire: invalid utf-8")
	ErrOversizeFrame    = errors.New("wire: frame exceeds maximum size")
)

// frame is the compact wire representation: short field names
type frame struct {
	V    int             `json:"v"`
	Src  string          `json:"src"`
	TS   int64           `json:"ts"`
	Type string          `json:"type"`
	TID  string          `json:"tid,omitempty"`
	SID  string          `json:"sid,omitempty"`
	PID  string          `json:"pid,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeError wraps a decode failure with a stable reason tag suitable for
// use as a drop-counter label.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one line (without its trailing newline) into a Record.
// Leading/trailing ASCII whitespace around the JSON object is tolerated.
func Decode(line []byte) (*Record, error) {
	if len(line) > MaxFrameBytes {
		return nil, &DecodeError{Reason: "oversize_frame", Err: ErrOversizeFrame}
	}

	trimmed := trimSpace(line)
	if !isValidUTF8(trimmed) {
		return nil, &DecodeError{Reason: "invalid_utf8", Err: ErrInvalidUTF8}
	}

	var f frame
	dec := json.NewDecoder(bytesReader(trimmed))
	if err := dec.Decode(&f); err != nil {
		return nil, &DecodeError{Reason: "malformed_json", Err: fmt.Errorf("%w: %v", ErrMalformedJSON, err)}
	}

	if f.V != SchemaVersion {
		return nil, &DecodeError{Reason: "unsupported_version", Err: fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVer, f.V, SchemaVersion)}
	}
	if f.Src == "" {
		return nil, &DecodeError{Reason: "missing_field", Err: fmt.Errorf("%w: src", ErrMissingField)}
	}
	kind := Kind(f.Type)
	if !kind.valid() {
		return nil, &DecodeError{Reason: "unknown_kind", Err: fmt.Errorf("%w: %s", ErrUnknownKind, f.Type)}
	}

	rec := &Record{
		SchemaVersion: f.V,
		Source:        f.Src,
		TimestampMs:   f.TS,
		Kind:          kind,
		TraceID:       f.TID,
		SpanID:        f.SID,
		ParentSpanID:  f.PID,
	}

	if len(f.Data) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return nil, &DecodeError{Reason: "malformed_json", Err: fmt.Errorf("%w: data: %v", ErrMalformedJSON, err)}
		}
		rec.Payload = payload
	}

	if err := validatePayload(rec); err != nil {
		return nil, &DecodeError{Reason: "missing_field", Err: err}
	}

	if rec.Kind == KindProgress {
		clampPercent(rec)
	}

	return rec, nil
}

func validatePayload(rec *Record) error {
	switch rec.Kind {
	case KindEvent:
		if _, ok := rec.Payload["message"]; !ok {
			return fmt.Errorf("%w: data.message", ErrMissingField)
		}
	case KindMetric:
		if _, ok := rec.Payload["name"]; !ok {
			return fmt.Errorf("%w: data.name", ErrMissingField)
		}
	case KindProgress:
		if _, ok := rec.Payload["job_id"]; !ok {
			return fmt.Errorf("%w: data.job_id", ErrMissingField)
		}
	case KindSpan:
		if rec.SpanID == "" {
			return fmt.Errorf("%w: sid", ErrMissingField)
		}
		if _, ok := rec.Payload["name"]; !ok {
			return fmt.Errorf("%w: data.name", ErrMissingField)
		}
	}
	return nil
}

func clampPercent(rec *Record) {
	v, ok := rec.Payload["percent"]
	if !ok {
		return
	}
	f, ok := v.(float64)
	if !ok {
		return
	}
	if f < 0 {
		f = 0
	}
	if f > 100 {
		f = 100
	}
	rec.Payload["percent"] = f
}

// Encode serializes a Record back into its compact wire frame, without a
// trailing newline. Callers that write to a stream append '\n' themselves.
func Encode(rec *Record) ([]byte, error) {
	var data json.RawMessage
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	f := frame{
		V:    rec.SchemaVersion,
		Src:  rec.Source,
		TS:   rec.TimestampMs,
		Type: string(rec.Kind),
		TID:  rec.TraceID,
		SID:  rec.SpanID,
		PID:  rec.ParentSpanID,
		Data: data,
	}
	return json.Marshal(f)
}
