// Package presigncache implements the Presigned-URL Cache (C4, spec.md
// §4.4): a Redis-backed store of previously minted signed URLs, keyed by
// storage path and auth descriptor, so repeated requests against the same
// object don't re-sign on every fetch.
//
// The stored "value" is empty; every field lives in a Redis hash acting as
// KV metadata, mirroring the teacher's RedisVideoCache key-building style
// (internal/infrastructure/cache/redis.go) but swapping the JSON-blob value
// for a hash, since spec.md §4.4 calls for opportunistic metadata reads
// without ever needing the value body.
package presigncache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presigned:"

// KeyOptions identifies a presigned-URL cache entry (spec.md §4.4 key
// form).
type KeyOptions struct {
	StorageType string
	AuthType    string
	Region      string
	Service     string
}

// BuildKey constructs `presigned:<storageType>:<normalized-path>:auth=<authType>[:region=][:service=]`.
func BuildKey(path string, opts KeyOptions) string {
	key := fmt.Sprintf("%s%s:%s:auth=%s", keyPrefix, opts.StorageType, model.NormalizePath(path), opts.AuthType)
	if opts.Region != "" {
		key += ":region=" + opts.Region
	}
	if opts.Service != "" {
		key += ":service=" + opts.Service
	}
	return key
}

// Entry is a minted presigned URL and its bookkeeping metadata.
type Entry struct {
	SignedURL   string
	OriginalURL string
	AuthToken   string // query substring identifying the credential, for diagnostics only
	CreatedAt   int64  // unix millis
	ExpiresAt   int64  // unix millis
}

var ErrMiss = fmt.Errorf("presigncache: miss: %w", apperr.ErrCacheMiss)

// Cache is the Redis-backed Presigned-URL Cache.
type Cache struct {
	rdb   *redis.Client
	clock func() time.Time
}

// New creates a Cache. clock defaults to time.Now when nil.
func New(rdb *redis.Client, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{rdb: rdb, clock: clock}
}

// Get returns the cached Entry for key, or ErrMiss if absent or expired
// (spec.md §4.4: "Get returns null iff now ≥ expiresAt").
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presigncache: hgetall: %w", err)
	}
	if len(vals) == 0 {
		metrics.PresignCacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss).Inc()
		return nil, ErrMiss
	}
	entry, err := entryFromHash(vals)
	if err != nil {
		return nil, fmt.Errorf("presigncache: decode: %w", err)
	}
	if c.nowMillis() >= entry.ExpiresAt {
		metrics.PresignCacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss).Inc()
		return nil, ErrMiss
	}
	metrics.PresignCacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit).Inc()
	return entry, nil
}

// Store persists a freshly minted signed URL. Per spec.md §4.4, Store MUST
// NOT be on the hot path — callers dispatch it through the background
// worker gate (internal/bgworker).
func (c *Cache) Store(ctx context.Context, key string, entry Entry, expiresInSeconds int) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = c.nowMillis()
	}
	if entry.ExpiresAt == 0 {
		entry.ExpiresAt = entry.CreatedAt + int64(expiresInSeconds)*1000
	}
	fields := map[string]any{
		"signedUrl":   entry.SignedURL,
		"originalUrl": entry.OriginalURL,
		"authToken":   entry.AuthToken,
		"createdAt":   entry.CreatedAt,
		"expiresAt":   entry.ExpiresAt,
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, time.Duration(expiresInSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PresignCacheOperationsTotal.WithLabelValues("store", metrics.CacheStatusError).Inc()
		return fmt.Errorf("presigncache: store: %w", err)
	}
	metrics.PresignCacheOperationsTotal.WithLabelValues("store", metrics.CacheStatusSuccess).Inc()
	return nil
}

// IsExpiring reports whether entry has threshold or fewer seconds
// remaining (spec.md §4.4, default threshold 300s).
func (c *Cache) IsExpiring(entry *Entry, threshold time.Duration) bool {
	remaining := entry.ExpiresAt - c.nowMillis()
	return remaining <= threshold.Milliseconds()
}

// GenerateFunc mints a fresh Entry for the given key/path when a refresh is
// needed.
type GenerateFunc func(ctx context.Context) (Entry, int, error)

// Refresh re-mints and stores a new Entry if the current one is expiring,
// per spec.md §4.4: "Refresh is a no-op if not expiring; otherwise calls
// the minting function and Stores the result." Two concurrent refreshes
// both minting and overwriting is accepted (last-writer-wins); both URLs
// remain valid during the overlap.
func (c *Cache) Refresh(ctx context.Context, key string, entry *Entry, threshold time.Duration, generate GenerateFunc) (bool, error) {
	if !c.IsExpiring(entry, threshold) {
		return false, nil
	}
	fresh, expiresInSeconds, err := generate(ctx)
	if err != nil {
		return false, fmt.Errorf("presigncache: refresh: %w", err)
	}
	if err := c.Store(ctx, key, fresh, expiresInSeconds); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) nowMillis() int64 {
	return c.clock().UnixMilli()
}

func entryFromHash(vals map[string]string) (*Entry, error) {
	createdAt, err := strconv.ParseInt(vals["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	expiresAt, err := strconv.ParseInt(vals["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expiresAt: %w", err)
	}
	return &Entry{
		SignedURL:   vals["signedUrl"],
		OriginalURL: vals["originalUrl"],
		AuthToken:   vals["authToken"],
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}, nil
}
