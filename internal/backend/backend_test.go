package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	sdks3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

func sampleRecords(n int, source string) []*wire.Record {
	out := make([]*wire.Record, n)
	for i := 0; i < n; i++ {
		out[i] = &wire.Record{
			SchemaVersion: wire.SchemaVersion,
			Source:        source,
			Kind:          wire.KindEvent,
			TimestampMs:   int64(i),
			Payload:       map[string]any{"level": "info", "message": "hello"},
		}
	}
	return out
}

func TestFilesystemAppendsAndRotates(t *testing.T) {
	dir := t.TempDir()
	fsAdapter := NewFilesystem(FilesystemConfig{
		PathTemplate: filepath.Join(dir, "{source}.jsonl"),
		MaxFileBytes: 1, // force rotation after each record
	})
	defer fsAdapter.Close()

	result := fsAdapter.Deliver(sampleRecords(2, "agent-1"))
	require.NoError(t, result.Err)
	require.Equal(t, 2, result.DeliveredCount)

	data, err := os.ReadFile(filepath.Join(dir, "agent-1.jsonl"))
	require.NoError(t, err)

	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines++
		}
	}
	require.Equal(t, 2, lines)
}

func TestManagedDeliverSuccessAndFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManaged(ManagedConfig{Endpoint: srv.URL})
	result := m.Deliver(sampleRecords(1, "agent-1"))
	require.NoError(t, result.Err)
	require.True(t, m.Health().Healthy)

	srv4xx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv4xx.Close()

	m2 := NewManaged(ManagedConfig{Endpoint: srv4xx.URL})
	result2 := m2.Deliver(sampleRecords(1, "agent-1"))
	require.Error(t, result2.Err)
	require.True(t, result2.Fatal)
}

func TestManagedDeliver5xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewManaged(ManagedConfig{Endpoint: srv.URL})
	result := m.Deliver(sampleRecords(1, "agent-1"))
	require.Error(t, result.Err)
	require.False(t, result.Fatal)
	require.False(t, m.Health().Healthy)
}

func TestWebhookDeliverSendsJSONArray(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		received = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL})
	result := wh.Deliver(sampleRecords(2, "agent-1"))
	require.NoError(t, result.Err)

	var arr []map[string]any
	require.NoError(t, json.Unmarshal(received, &arr))
	require.Len(t, arr, 2)
}

type fakeS3Client struct {
	putCalls int
	lastKey  string
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *sdks3.PutObjectInput, optFns ...func(*sdks3.Options)) (*sdks3.PutObjectOutput, error) {
	f.putCalls++
	f.lastKey = *params.Key
	return &sdks3.PutObjectOutput{}, nil
}

func TestObjectStoreUploadsNDJSON(t *testing.T) {
	fake := &fakeS3Client{}
	store := NewObjectStore(ObjectStoreConfig{Bucket: "bucket", KeyPrefix: "telemetry"}, fake)

	result := store.Deliver(sampleRecords(3, "agent-1"))
	require.NoError(t, result.Err)
	require.Equal(t, 1, fake.putCalls)
	require.Contains(t, fake.lastKey, "telemetry/agent-1/")
}

func TestSearchDeliverBuildsBulkBody(t *testing.T) {
	var bodyLines int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 8192)
		n, _ := r.Body.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				bodyLines++
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSearch(SearchConfig{Endpoint: srv.URL, IndexPrefix: "telemetry"})
	result := s.Deliver(sampleRecords(2, "agent-1"))
	require.NoError(t, result.Err)
	require.Equal(t, 4, bodyLines, "two records should produce two action lines plus two document lines")
}
