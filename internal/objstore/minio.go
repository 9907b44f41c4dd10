package objstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// Config holds the S3 compatible endpoint settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate checks that the endpoint and credentials are set.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("object store endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("object store access_key and secret_key are required")
	}
	if c.Bucket == "" {
		return errors.New("object store bucket is required")
	}
	return nil
}

// MinIO serves s3:// URIs through an S3 compatible endpoint.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the endpoint and makes sure the default bucket exists.
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Msg("connected to object store")

	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the default bucket.
func (m *MinIO) Bucket() string {
	return m.bucket
}

// Healthy checks that the default bucket is reachable.
func (m *MinIO) Healthy(ctx context.Context) bool {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	return err == nil && ok
}

func (m *MinIO) Upload(ctx context.Context, localPath, uri string) error {
	bucket, key, err := SplitBucketKey(uri)
	if err != nil {
		return err
	}
	if _, err := m.client.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("uploading %s to %s: %w", localPath, uri, err)
	}
	return nil
}

func (m *MinIO) Download(ctx context.Context, uri, localPath string) error {
	bucket, key, err := SplitBucketKey(uri)
	if err != nil {
		return err
	}
	if err := m.client.FGetObject(ctx, bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("downloading %s: %w", uri, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
