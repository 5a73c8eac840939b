package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "listener": {"host": "127.0.0.1", "port": 17000},
  "correlation": {"batch_size": 50},
  "routing": {"*": [{"backend": "fs", "priority": 0, "filter": {"kinds": ["event", "metric"]}}]},
  "backends": {"fs": {"type": "filesystem", "path_template": "/tmp/mon/{source}.jsonl"}},
  "reload": {"enabled": true, "check_interval_ms": 500}
}`

func TestParseValidJSON(t *testing.T) {
	doc, err := Parse([]byte(validJSON), "config.json")
	require.NoError(t, err)
	require.Equal(t, 17000, doc.Listener.Port)
	require.Equal(t, "filesystem", doc.Backends["fs"].Type)
	require.Equal(t, "/tmp/mon/{source}.jsonl", doc.Backends["fs"].StringField("path_template"))
}

func TestParseUndefinedBackendRejected(t *testing.T) {
	bad := `{
		"listener": {"port": 17000},
		"routing": {"*": [{"backend": "missing"}]},
		"backends": {"fs": {"type": "filesystem", "path_template": "x"}}
	}`
	_, err := Parse([]byte(bad), "config.json")
	require.Error(t, err)
	var ei *ErrInvalid
	require.ErrorAs(t, err, &ei)
}

func TestParseUnknownTopLevelKeyRejected(t *testing.T) {
	bad := `{
		"listener": {"port": 17000},
		"routing": {},
		"backends": {},
		"typo_field": true
	}`
	_, err := Parse([]byte(bad), "config.json")
	require.Error(t, err)
}

func TestParseMissingBackendRequiredField(t *testing.T) {
	bad := `{
		"listener": {"port": 17000},
		"routing": {"*": [{"backend": "fs"}]},
		"backends": {"fs": {"type": "filesystem"}}
	}`
	_, err := Parse([]byte(bad), "config.json")
	require.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	y := "listener:\n  port: 17000\nrouting:\n  '*':\n    - backend: fs\nbackends:\n  fs:\n    type: filesystem\n    path_template: x\n"
	doc, err := Parse([]byte(y), "config.yaml")
	require.NoError(t, err)
	require.Equal(t, "filesystem", doc.Backends["fs"].Type)
}

func TestWatcherBootstrapFallsBackToDefaults(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.json"), time.Second, func(doc *Document) (string, error) {
		return "snap-0", nil
	}, nil)
	snap := w.Bootstrap()
	require.Equal(t, "snap-0", snap.ID)
	require.NotNil(t, snap.Document)
}

func TestWatcherForceReloadAppliesChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validJSON), 0o644))

	var applied int
	w := NewWatcher(path, time.Hour, func(doc *Document) (string, error) {
		applied++
		return "snap-1", nil
	}, nil)
	w.Bootstrap()
	require.Equal(t, 1, applied)

	require.NoError(t, w.ForceReload())
	require.Equal(t, 2, applied)
}

func TestWatcherInvalidReloadKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validJSON), 0o644))

	w := NewWatcher(path, time.Hour, func(doc *Document) (string, error) {
		return "snap-ok", nil
	}, nil)
	initial := w.Bootstrap()
	require.Equal(t, "snap-ok", initial.ID)

	require.NoError(t, os.WriteFile(path, []byte(`{"listener":{"port":1},"routing":{"*":[{"backend":"x"}]},"backends":{}}`), 0o644))
	err := w.ForceReload()
	require.Error(t, err)

	require.Equal(t, "snap-ok", w.Current().ID)
}
