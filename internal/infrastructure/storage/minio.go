// Package storage dials the shared MinIO/R2 connection and builds the
// storagefetch.Registry that the Storage Fetcher (C5) uses to reach every
// r2-type Source a resolved Origin can name. One endpoint/credential pair
// serves every bucket binding; this mirrors the teacher's single-client,
// bucket-existence-checked-at-startup style, generalized from one bucket
// to the binding-name-to-bucket map a multi-origin config requires.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hszk-dev/gostream/internal/storagefetch"
)

// ErrBucketNotFound is returned when a configured binding names a bucket
// that does not exist on the target MinIO/R2 endpoint.
var ErrBucketNotFound = errors.New("storage: bucket does not exist")

// ClientConfig holds MinIO connection settings and the binding-name-to-
// bucket map needed to build a storagefetch.Registry.
type ClientConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Buckets   map[string]string // bucket binding name -> physical bucket name
}

// bucketExistsAPI abstracts *minio.Client for testability.
type bucketExistsAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

type minioAdapter struct {
	client *minio.Client
}

func (a minioAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

// Connect dials MinIO/R2 and verifies every configured binding's bucket
// exists, failing fast on misconfiguration. It returns the raw *minio.Client
// (kept for health checks) alongside the populated storagefetch.Registry.
func Connect(ctx context.Context, cfg ClientConfig) (*minio.Client, *storagefetch.Registry, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	registry, err := buildRegistry(ctx, minioAdapter{client: client}, client, cfg.Buckets)
	if err != nil {
		return nil, nil, err
	}
	return client, registry, nil
}

// buildRegistry is the dependency-injectable core of Connect, split out so
// tests can supply a fake bucketExistsAPI without a live MinIO server.
func buildRegistry(ctx context.Context, api bucketExistsAPI, client *minio.Client, buckets map[string]string) (*storagefetch.Registry, error) {
	bound := make(map[string]storagefetch.ObjectBucket, len(buckets))
	for binding, bucket := range buckets {
		exists, err := api.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket %q for binding %q: %w", bucket, binding, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: binding %q references bucket %q", ErrBucketNotFound, binding, bucket)
		}
		bound[binding] = storagefetch.NewMinioBucket(client, bucket)
	}
	return storagefetch.NewRegistry(bound), nil
}

// Ping verifies MinIO/R2 connectivity for the health endpoint by checking
// one bound bucket's existence. anyBucket empty is a no-op success — a
// deployment with no r2-type Source configured has nothing to ping.
func Ping(ctx context.Context, client *minio.Client, anyBucket string) error {
	if anyBucket == "" {
		return nil
	}
	ok, err := client.BucketExists(ctx, anyBucket)
	if err != nil {
		return fmt.Errorf("failed to ping minio: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, anyBucket)
	}
	return nil
}
