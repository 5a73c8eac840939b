package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-telemetry/sidecar/internal/config"
	"github.com/lattice-telemetry/sidecar/internal/routing"
)

func backendCfg(typ string, fields map[string]any) config.BackendConfig {
	var cfg config.BackendConfig
	cfg.Type = typ
	cfg.TypeSpecific = fields
	return cfg
}

func TestDefaultRegistryHasBuiltinKinds(t *testing.T) {
	require.Equal(t, []string{KindFilesystem, KindManaged, KindObjectStore, KindSearch, KindWebhook}, DefaultRegistry.Kinds())
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("managed", func(name string, cfg config.BackendConfig) (routing.Adapter, error) {
		return nil, nil
	}))
	err := r.Register("managed", func(name string, cfg config.BackendConfig) (routing.Adapter, error) {
		return nil, nil
	})
	require.Error(t, err)
	var fe *FactoryError
	require.True(t, errors.As(err, &fe))
}

func TestRegisterRejectsEmptyKind(t *testing.T) {
	r := NewRegistry()
	err := r.Register("", func(name string, cfg config.BackendConfig) (routing.Adapter, error) {
		return nil, nil
	})
	require.Error(t, err)
}

func TestBuildUnknownKindReturnsFactoryError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("b1", backendCfg("nope", nil))
	require.Error(t, err)
	var fe *FactoryError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "nope", fe.Kind)
}

func TestBuildManagedRequiresEndpoint(t *testing.T) {
	_, err := DefaultRegistry.Build("m1", backendCfg(KindManaged, map[string]any{}))
	require.Error(t, err)
}

func TestBuildManagedSucceedsWithEndpoint(t *testing.T) {
	adapter, err := DefaultRegistry.Build("m1", backendCfg(KindManaged, map[string]any{
		"endpoint": "http://127.0.0.1:9", "max_in_flight": 4.0,
	}))
	require.NoError(t, err)
	require.NotNil(t, adapter)
}

func TestBuildFilesystemRequiresPathTemplate(t *testing.T) {
	_, err := DefaultRegistry.Build("f1", backendCfg(KindFilesystem, map[string]any{}))
	require.Error(t, err)
}

func TestBuildFilesystemSucceedsWithPathTemplate(t *testing.T) {
	adapter, err := DefaultRegistry.Build("f1", backendCfg(KindFilesystem, map[string]any{
		"path_template": "/tmp/{source}.jsonl",
	}))
	require.NoError(t, err)
	require.NotNil(t, adapter)
}

func TestBuildSearchRequiresEndpoint(t *testing.T) {
	_, err := DefaultRegistry.Build("s1", backendCfg(KindSearch, map[string]any{}))
	require.Error(t, err)
}

func TestBuildWebhookRequiresURL(t *testing.T) {
	_, err := DefaultRegistry.Build("w1", backendCfg(KindWebhook, map[string]any{}))
	require.Error(t, err)
}

func TestBuildObjectStoreRequiresBucket(t *testing.T) {
	_, err := DefaultRegistry.Build("o1", backendCfg(KindObjectStore, map[string]any{}))
	require.Error(t, err)
}
