package backend

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	sdks3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client builds a real s3.Client from the default AWS credential
// chain (env vars, shared config file, IMDS), optionally pinned to
// region. The plugin registry's objectstore factory uses it to construct
// the client passed to NewObjectStore.
func NewS3Client(ctx context.Context, region string) (*sdks3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("backend: load aws config: %w", err)
	}
	return sdks3.NewFromConfig(cfg), nil
}
