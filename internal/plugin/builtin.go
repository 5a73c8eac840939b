package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/backend"
	"github.com/lattice-telemetry/sidecar/internal/config"
	"github.com/lattice-telemetry/sidecar/internal/routing"
)

// Backend kind identifiers, matching config.BackendConfig.Type's allowed
// values.
const (
	KindManaged     = "managed"
	KindFilesystem  = "filesystem"
	KindObjectStore = "objectstore"
	KindSearch      = "search"
	KindWebhook     = "webhook"
)

func init() {
	DefaultRegistry.MustRegister(KindManaged, buildManaged)
	DefaultRegistry.MustRegister(KindFilesystem, buildFilesystem)
	DefaultRegistry.MustRegister(KindObjectStore, buildObjectStore)
	DefaultRegistry.MustRegister(KindSearch, buildSearch)
	DefaultRegistry.MustRegister(KindWebhook, buildWebhook)
}

func buildManaged(name string, cfg config.BackendConfig) (routing.Adapter, error) {
	endpoint := cfg.StringField("endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("managed backend %q: endpoint required", name)
	}
	return backend.NewManaged(backend.ManagedConfig{
		Endpoint:       endpoint,
		Headers:        cfg.StringMapField("headers"),
		MaxInFlight:    cfg.IntField("max_in_flight"),
		RequestTimeout: timeoutField(cfg),
	}), nil
}

func buildFilesystem(name string, cfg config.BackendConfig) (routing.Adapter, error) {
	template := cfg.StringField("path_template")
	if template == "" {
		return nil, fmt.Errorf("filesystem backend %q: path_template required", name)
	}
	return backend.NewFilesystem(backend.FilesystemConfig{
		PathTemplate: template,
		MaxFileBytes: int64(cfg.IntField("max_file_bytes")),
		RotateEvery:  durationMsField(cfg, "rotate_every_ms"),
	}), nil
}

func buildObjectStore(name string, cfg config.BackendConfig) (routing.Adapter, error) {
	bucket := cfg.StringField("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("objectstore backend %q: bucket required", name)
	}
	client, err := backend.NewS3Client(context.Background(), cfg.StringField("region"))
	if err != nil {
		return nil, err
	}
	return backend.NewObjectStore(backend.ObjectStoreConfig{
		Bucket:         bucket,
		KeyPrefix:      cfg.StringField("key_prefix"),
		RequestTimeout: timeoutField(cfg),
	}, client), nil
}

func buildSearch(name string, cfg config.BackendConfig) (routing.Adapter, error) {
	endpoint := cfg.StringField("endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("search backend %q: endpoint required", name)
	}
	return backend.NewSearch(backend.SearchConfig{
		Endpoint:       endpoint,
		IndexPrefix:    cfg.StringField("index_prefix"),
		Headers:        cfg.StringMapField("headers"),
		RequestTimeout: timeoutField(cfg),
	}), nil
}

func buildWebhook(name string, cfg config.BackendConfig) (routing.Adapter, error) {
	url := cfg.StringField("url")
	if url == "" {
		return nil, fmt.Errorf("webhook backend %q: url required", name)
	}
	return backend.NewWebhook(backend.WebhookConfig{
		URL:            url,
		Method:         cfg.StringField("method"),
		Headers:        cfg.StringMapField("headers"),
		RequestTimeout: timeoutField(cfg),
	}), nil
}

func timeoutField(cfg config.BackendConfig) time.Duration {
	return durationMsField(cfg, "request_timeout_ms")
}

func durationMsField(cfg config.BackendConfig, field string) time.Duration {
	ms := cfg.IntField(field)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
