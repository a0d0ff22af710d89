package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Config holds configuration for the S3 fetcher.
type S3Config struct {
	// Region is the AWS region; empty uses the SDK default chain.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// TempDir receives downloaded copies; empty uses os.TempDir().
	TempDir string
	Cleanup CleanupPolicy
}

// objectGetter is the subset of *s3.Client used here.
type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 downloads s3://bucket/key identifiers into request-scoped temp files.
type S3 struct {
	client     objectGetter
	cfg        S3Config
	maxRetries int
}

// NewS3 builds an S3 fetcher from the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return newS3WithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func newS3WithClient(c objectGetter, cfg S3Config) *S3 {
	if cfg.Cleanup.Attempts <= 0 {
		cfg.Cleanup = DefaultCleanupPolicy()
	}
	return &S3{client: c, cfg: cfg, maxRetries: 3}
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(identifier string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(identifier, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not an s3:// URI", ErrUnsupportedPath, identifier)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q needs a bucket and key", ErrUnsupportedPath, identifier)
	}
	return bucket, key, nil
}

// Fetch downloads the object to a unique temp file that keeps the object's
// extension so the reader can detect its format.
func (s *S3) Fetch(ctx context.Context, identifier string) (string, error) {
	bucket, key, err := ParseS3URI(identifier)
	if err != nil {
		return "", err
	}
	dir := s.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	local := filepath.Join(dir, "chartloom-"+uuid.NewString()+path.Ext(key))

	var resp *s3.GetObjectOutput
	err = s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return getErr
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	file, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		_ = Remove(local, s.cfg.Cleanup)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := file.Close(); err != nil {
		_ = Remove(local, s.cfg.Cleanup)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return local, nil
}

// Release deletes the downloaded copy.
func (s *S3) Release(localPath string) error {
	return Remove(localPath, s.cfg.Cleanup)
}

func (s *S3) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		var noSuchKey *types.NoSuchKey
		if errors.As(lastErr, &noSuchKey) {
			return lastErr
		}
		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
