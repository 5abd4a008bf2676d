package storage

import (
	"context"
	"errors"
	"testing"
)

type fakeBucketExistsAPI struct {
	existing map[string]bool
	err      error
}

func (f *fakeBucketExistsAPI) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.existing[bucketName], nil
}

func TestBuildRegistry_AllBucketsExist(t *testing.T) {
	api := &fakeBucketExistsAPI{existing: map[string]bool{
		"videos-bucket":  true,
		"archive-bucket": true,
	}}
	buckets := map[string]string{
		"VIDEOS_BUCKET":  "videos-bucket",
		"ARCHIVE_BUCKET": "archive-bucket",
	}

	registry, err := buildRegistry(context.Background(), api, nil, buckets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registry == nil {
		t.Fatal("expected non-nil registry")
	}
	if !registry.HasBucket("VIDEOS_BUCKET") || !registry.HasBucket("ARCHIVE_BUCKET") {
		t.Error("expected both bindings to be registered")
	}
	if registry.HasBucket("UNKNOWN_BUCKET") {
		t.Error("expected unconfigured binding to be absent")
	}
}

func TestBuildRegistry_MissingBucket(t *testing.T) {
	api := &fakeBucketExistsAPI{existing: map[string]bool{}}
	buckets := map[string]string{"VIDEOS_BUCKET": "videos-bucket"}

	_, err := buildRegistry(context.Background(), api, nil, buckets)
	if !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("expected ErrBucketNotFound, got %v", err)
	}
}

func TestBuildRegistry_APIError(t *testing.T) {
	api := &fakeBucketExistsAPI{err: errors.New("connection refused")}
	buckets := map[string]string{"VIDEOS_BUCKET": "videos-bucket"}

	_, err := buildRegistry(context.Background(), api, nil, buckets)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildRegistry_EmptyBuckets(t *testing.T) {
	api := &fakeBucketExistsAPI{existing: map[string]bool{}}

	registry, err := buildRegistry(context.Background(), api, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registry.HasBucket("ANY") {
		t.Error("expected empty registry to have no bindings")
	}
}

func TestPing_NoBucketConfigured(t *testing.T) {
	if err := Ping(context.Background(), nil, ""); err != nil {
		t.Errorf("expected nil error for empty bucket, got %v", err)
	}
}
