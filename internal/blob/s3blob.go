package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/mdotk/safemonk/internal/config"
	"github.com/mdotk/safemonk/internal/metrics"
)

// S3Store is a Store backed by any S3-compatible object storage provider
// (AWS, MinIO, Wasabi, DigitalOcean Spaces, Backblaze B2, Cloudflare R2,
// Scaleway — see providers.go).
type S3Store struct {
	client  *s3.Client
	bucket  string
	prefix  string
	metrics *metrics.Metrics
}

// WithMetrics attaches a metrics recorder; every call records operation
// count/duration via RecordS3Operation and errors via RecordS3Error.
func (s *S3Store) WithMetrics(m *metrics.Metrics) *S3Store {
	s.metrics = m
	return s
}

func (s *S3Store) record(ctx context.Context, op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordS3Operation(ctx, op, s.bucket, time.Since(start))
	if err != nil {
		s.metrics.RecordS3Error(ctx, op, s.bucket, errorType(err))
	}
}

func errorType(err error) string {
	if isPreconditionFailed(err) {
		return "precondition_failed"
	}
	return "other"
}

// NewS3Store builds an S3Store from a backend configuration, resolving
// provider-specific endpoint/region defaults and path-style addressing.
func NewS3Store(cfg *config.BackendConfig) (*S3Store, error) {
	endpoint, region, err := ValidateProviderConfig(cfg.Endpoint, cfg.Provider, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider config: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	usePathStyle := RequiresPathStyleAddressing(cfg.Provider)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Provider != "aws" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.BasePath, "/")}, nil
}

func (s *S3Store) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// Put writes data at path, overwriting any existing object.
func (s *S3Store) Put(ctx context.Context, p string, data []byte) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
		Body:   bytes.NewReader(data),
	})
	s.record(ctx, "put", start, err)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", p, err)
	}
	return nil
}

// PutIfAbsent writes data at path only if it does not already exist, using
// the conditional-write If-None-Match: * header most S3-compatible
// providers honor for object creation.
func (s *S3Store) PutIfAbsent(ctx context.Context, p string, data []byte) (bool, error) {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(p)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	s.record(ctx, "put_if_absent", start, err)
	if err == nil {
		return false, nil
	}
	if isPreconditionFailed(err) {
		return true, nil
	}
	return false, fmt.Errorf("failed to put object %s: %w", p, err)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "412"
	}
	return false
}

// Get reads the full contents at path.
func (s *S3Store) Get(ctx context.Context, p string) ([]byte, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	s.record(ctx, "get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body %s: %w", p, err)
	}
	return data, nil
}

// Ping verifies the configured bucket is reachable, for readiness probes.
func (s *S3Store) Ping(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	s.record(ctx, "head_bucket", start, err)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Delete removes the object at path.
func (s *S3Store) Delete(ctx context.Context, p string) error {
	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	s.record(ctx, "delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", p, err)
	}
	return nil
}

// DeletePrefix removes every object whose key starts with prefix, batching
// deletes 1000 at a time (the S3 DeleteObjects limit).
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	err := s.deletePrefix(ctx, prefix)
	s.record(ctx, "delete_prefix", start, err)
	return err
}

func (s *S3Store) deletePrefix(ctx context.Context, prefix string) error {
	fullPrefix := s.key(prefix)
	var continuation *string
	for {
		list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		if len(list.Contents) > 0 {
			ids := make([]s3types.ObjectIdentifier, 0, len(list.Contents))
			for _, obj := range list.Contents {
				ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
			}
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to batch delete objects under %s: %w", prefix, err)
			}
		}
		if list.IsTruncated == nil || !*list.IsTruncated {
			return nil
		}
		continuation = list.NextContinuationToken
	}
}
