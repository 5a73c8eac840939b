package backend

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	sdks3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lattice-telemetry/sidecar/internal/routing"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// s3Client is the subset of *s3.Client the adapter needs, letting tests
// supply a fake without standing up AWS credentials.
type s3Client interface {
	PutObject(ctx context.Context, params *sdks3.PutObjectInput, optFns ...func(*sdks3.Options)) (*sdks3.PutObjectOutput, error)
}

// ObjectStoreConfig configures the S3 object-store adapter.
type ObjectStoreConfig struct {
	Bucket         string
	KeyPrefix      string
	RequestTimeout time.Duration
}

// ObjectStore uploads each delivered batch as one newline-delimited JSON
// object, keyed by timestamp and source. It has no local accumulation
// window of its own: batching is already done by correlation, so one
// Deliver call is one upload.
type ObjectStore struct {
	cfg    ObjectStoreConfig
	client s3Client

	mu      sync.Mutex
	healthy bool
	detail  string
}

// NewObjectStore constructs an ObjectStore that uploads through client
// (a real *s3.Client from NewS3Client, or a test fake).
func NewObjectStore(cfg ObjectStoreConfig, client s3Client) *ObjectStore {
	return &ObjectStore{cfg: cfg, client: client, healthy: true}
}

func (o *ObjectStore) objectKey(source string, at time.Time) string {
	prefix := o.cfg.KeyPrefix
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return fmt.Sprintf("%s%s/%s-%d.ndjson", prefix, source, at.UTC().Format("20060102T150405"), at.UnixNano())
}

// Deliver implements routing.Adapter. All records in the batch share one
// source per the correlation engine's Batch contract, so one key serves
// the whole upload.
func (o *ObjectStore) Deliver(records []*wire.Record) routing.DeliverResult {
	if len(records) == 0 {
		return routing.DeliverResult{}
	}

	body, err := encodeNDJSON(records)
	if err != nil {
		return routing.DeliverResult{FailedCount: len(records), Err: err, Fatal: true}
	}

	key := o.objectKey(records[0].Source, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout())
	defer cancel()

	_, err = o.client.PutObject(ctx, &sdks3.PutObjectInput{
		Bucket:      sdkaws.String(o.cfg.Bucket),
		Key:         sdkaws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: sdkaws.String("application/x-ndjson"),
	})
	if err != nil {
		o.setHealth(false, err.Error())
		return routing.DeliverResult{FailedCount: len(records), Err: err}
	}

	o.setHealth(true, "")
	return routing.DeliverResult{DeliveredCount: len(records)}
}

func (o *ObjectStore) requestTimeout() time.Duration {
	if o.cfg.RequestTimeout > 0 {
		return o.cfg.RequestTimeout
	}
	return 30 * time.Second
}

func (o *ObjectStore) setHealth(healthy bool, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.healthy = healthy
	o.detail = detail
}

// Health implements routing.Adapter.
func (o *ObjectStore) Health() routing.HealthStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return routing.HealthStatus{Healthy: o.healthy, Detail: o.detail}
}

// Close implements routing.Adapter; the S3 SDK client owns no local
// resources the adapter must release.
func (o *ObjectStore) Close() error { return nil }
