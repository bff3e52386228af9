package cache

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3AuxSource is a read-only auxiliary disk-tier source backed by an
// S3 bucket prefix. It is consulted strictly after the primary root and
// after any local auxiliary roots registered ahead of it, and is never
// written to — a cache miss against it is just a miss, never provisioned.
type S3AuxSource struct {
	client *s3.Client
	bucket string
	prefix string
	ctx    context.Context //nolint:containedctx // Read's signature is fixed by AuxSource; a per-call context would change that interface for every other implementation
}

// S3AuxConfig describes the bucket/prefix an S3AuxSource reads from.
type S3AuxConfig struct {
	Bucket string
	Prefix string // optional key prefix, without a trailing slash
	Region string // optional override; empty uses the default config chain
}

// NewS3AuxSource resolves AWS credentials and region via the default config
// chain (environment, shared config, IMDS), matching how the rest of the
// AWS SDK v2 ecosystem expects callers to bootstrap a client.
func NewS3AuxSource(ctx context.Context, cfg S3AuxConfig) (*S3AuxSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3AuxSource{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		ctx:    ctx,
	}, nil
}

// Read fetches filename from the configured bucket/prefix. A missing object
// or any request error is reported as a plain miss — S3AuxSource never
// distinguishes "not found" from "could not check" to its caller, since
// both mean "fall through to the next source."
func (s *S3AuxSource) Read(filename string) ([]byte, bool) {
	key := filename
	if s.prefix != "" {
		key = s.prefix + "/" + filename
	}

	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, false
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false
	}
	return data, true
}
