package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps a structured validation failure from Load.
type ErrInvalid struct {
	Path   string
	Issues []string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("config %s: invalid: %s", e.Path, strings.Join(e.Issues, "; "))
}

// Load reads, parses, and validates the configuration document at path.
// Format is selected by file extension (.yaml/.yml or .json). On any
// failure it returns an *ErrInvalid (or a lower-level I/O error) and the
// caller is expected to retain whatever snapshot was previously active.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, path)
}

// Parse decodes and validates raw config bytes. ext (or a filename with an
// extension) selects JSON vs. YAML; unrecognized/empty extensions fall
// back to trying JSON first, then YAML.
func Parse(data []byte, filename string) (*Document, error) {
	doc, err := decode(data, filename)
	if err != nil {
		return nil, &ErrInvalid{Path: filename, Issues: []string{err.Error()}}
	}

	if issues := Validate(doc); len(issues) > 0 {
		return nil, &ErrInvalid{Path: filename, Issues: issues}
	}

	normalize(doc)
	return doc, nil
}

func decode(data []byte, filename string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		return decodeYAML(data)
	case ".json":
		return decodeJSON(data)
	default:
		if doc, err := decodeJSON(data); err == nil {
			return doc, nil
		}
		return decodeYAML(data)
	}
}

func decodeJSON(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return &doc, nil
}

func decodeYAML(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	return &doc, nil
}

// normalize fills in per-field defaults that a zero value should not be
// taken to mean "disabled" for (e.g. correlation batch size 0).
func normalize(doc *Document) {
	doc.Correlation = doc.Correlation.WithDefaults()
	if doc.Listener.Host == "" {
		doc.Listener.Host = Defaults().Listener.Host
	}
	if doc.Listener.MaxConnections == 0 {
		doc.Listener.MaxConnections = Defaults().Listener.MaxConnections
	}
	if doc.Listener.PerSourceQueueSize == 0 {
		doc.Listener.PerSourceQueueSize = Defaults().Listener.PerSourceQueueSize
	}
	if doc.Listener.GlobalQueueSize == 0 {
		doc.Listener.GlobalQueueSize = Defaults().Listener.GlobalQueueSize
	}
	if doc.Listener.ClockSkewToleranceMs == 0 {
		doc.Listener.ClockSkewToleranceMs = Defaults().Listener.ClockSkewToleranceMs
	}
	if doc.Listener.MaxFramingErrors == 0 {
		doc.Listener.MaxFramingErrors = Defaults().Listener.MaxFramingErrors
	}
	if doc.Listener.FramingErrorWindowMs == 0 {
		doc.Listener.FramingErrorWindowMs = Defaults().Listener.FramingErrorWindowMs
	}
	if doc.Reload.CheckIntervalMs == 0 {
		doc.Reload.CheckIntervalMs = Defaults().Reload.CheckIntervalMs
	}
	if doc.Reload.AtomicTempSuffix == "" {
		doc.Reload.AtomicTempSuffix = Defaults().Reload.AtomicTempSuffix
	}
}
