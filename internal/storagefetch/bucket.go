package storagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectInfo is the subset of object metadata r2-type fetches need to
// synthesize response headers (spec.md §4.5).
type ObjectInfo struct {
	ContentType   string
	ContentLength int64
	ETag          string
}

// ErrObjectNotFound is returned by ObjectBucket.GetObject/Stat when the key
// does not exist.
var ErrObjectNotFound = errors.New("storagefetch: object not found")

// ErrRangeNotSatisfiable is returned when a requested byte range exceeds
// the object's length (spec.md §4.5: "a 416 from r2 returns a 416
// response").
var ErrRangeNotSatisfiable = errors.New("storagefetch: range not satisfiable")

// ObjectBucket reads a single object, optionally ranged, from a bound
// bucket. Narrowed from the teacher's minioClient interface
// (internal/infrastructure/storage/minio.go) to the operations C5 actually
// performs against r2-type Sources.
type ObjectBucket interface {
	GetObject(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, ObjectInfo, error)
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
}

// ByteRange is an inclusive byte range, mirroring an HTTP Range request.
type ByteRange struct {
	Start int64
	End   int64 // -1 means "to EOF"
}

// minioObjectReader is the narrow surface of *minio.Object this package
// needs; lets tests substitute a fake.
type minioObjectReader interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioAPI is the narrow surface of *minio.Client this package needs,
// mirroring the teacher's minioClient abstraction for testability.
type minioAPI interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (minioObjectReader, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

type minioAdapter struct{ client *minio.Client }

func (a minioAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (minioObjectReader, error) {
	return a.client.GetObject(ctx, bucketName, objectName, opts)
}

func (a minioAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

func (a minioAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

// MinioBucket adapts a single bucket on a *minio.Client to ObjectBucket.
type MinioBucket struct {
	api    minioAPI
	bucket string
}

// NewMinioBucket wraps client/bucket as an ObjectBucket.
func NewMinioBucket(client *minio.Client, bucket string) *MinioBucket {
	return &MinioBucket{api: minioAdapter{client: client}, bucket: bucket}
}

func (b *MinioBucket) GetObject(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, ObjectInfo, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		var err error
		if rng.End < 0 {
			err = opts.SetRange(rng.Start, 0)
		} else {
			err = opts.SetRange(rng.Start, rng.End)
		}
		if err != nil {
			return nil, ObjectInfo{}, fmt.Errorf("storagefetch: set range: %w", err)
		}
	}

	obj, err := b.api.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, ObjectInfo{}, translateMinioErr(err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, translateMinioErr(err)
	}
	return obj, ObjectInfo{
		ContentType:   info.ContentType,
		ContentLength: info.Size,
		ETag:          info.ETag,
	}, nil
}

func (b *MinioBucket) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := b.api.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateMinioErr(err)
	}
	return ObjectInfo{ContentType: info.ContentType, ContentLength: info.Size, ETag: info.ETag}, nil
}

func translateMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return ErrObjectNotFound
	case "InvalidRange":
		return ErrRangeNotSatisfiable
	default:
		return err
	}
}

// Registry maps bucketBinding names to live ObjectBucket clients, and
// satisfies internal/origin.BucketBinder.
type Registry struct {
	buckets map[string]ObjectBucket
}

// NewRegistry builds a Registry from a name→ObjectBucket map.
func NewRegistry(buckets map[string]ObjectBucket) *Registry {
	return &Registry{buckets: buckets}
}

// HasBucket implements internal/origin.BucketBinder.
func (r *Registry) HasBucket(binding string) bool {
	_, ok := r.buckets[binding]
	return ok
}

// Get returns the ObjectBucket bound to name, or nil if unbound.
func (r *Registry) Get(binding string) ObjectBucket {
	return r.buckets[binding]
}
