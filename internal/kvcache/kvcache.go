// Package kvcache implements the KV Result Cache (C6, spec.md §4.6):
// content-addressed storage of transformed artifacts, single-entry or
// chunked by size, with TTL accounting and cache-version invalidation.
package kvcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
	"github.com/redis/go-redis/v9"
)

// SingleEntryThreshold is the body-size cutoff between single-entry and
// chunked layout (spec.md §4.6).
const SingleEntryThreshold = 20 * 1024 * 1024

// DefaultChunkSize bounds peak memory per active chunked write (spec.md
// §9 "Memory policy").
const DefaultChunkSize = 10 * 1024 * 1024

// ErrMiss is returned by Get on any cache miss, including a version-stale
// hit (spec.md §4.6).
var ErrMiss = fmt.Errorf("kvcache: miss: %w", apperr.ErrCacheMiss)

// errRangeNotSatisfiable marks a Range request whose start lies at or
// beyond the entry's size — spec.md §8's boundary behavior requires this
// to surface as 416, not fall through to a transform as a generic miss.
var errRangeNotSatisfiable = errors.New("kvcache: range not satisfiable")

func metaKey(base string) string { return base + ":meta" }

// BackgroundGate is C9's Spawn contract, used here to schedule deletion of
// version-stale entries and, via the caller-supplied RevalidateFunc, stale
// re-fetches — without delaying the read response.
type BackgroundGate interface {
	Spawn(fn func(ctx context.Context)) bool
}

// Cache is the Redis-backed KV Result Cache.
type Cache struct {
	rdb        *redis.Client
	bg         BackgroundGate
	clock      func() time.Time
	chunkSize  int64
}

// New creates a Cache. clock defaults to time.Now and chunkSize to
// DefaultChunkSize when zero.
func New(rdb *redis.Client, bg BackgroundGate, clock func() time.Time, chunkSize int64) *Cache {
	if clock == nil {
		clock = time.Now
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Cache{rdb: rdb, bg: bg, clock: clock, chunkSize: chunkSize}
}

// GetOptions carries the conditional/range request and the current global
// cache-version counter.
type GetOptions struct {
	Range          string // "bytes=a-b", empty if not a range request
	IfNoneMatch    string
	CacheVersion   int
	RevalidateFunc func(ctx context.Context) // scheduled via C9 on refresh-on-read
}

// CachedResponse is a synthesized response ready to be written to the
// client.
type CachedResponse struct {
	StatusCode int
	Header     map[string]string
	Body       io.ReadCloser
}

// Get resolves key, validates its version and TTL, and synthesizes a
// response per spec.md §4.6. Returns ErrMiss (wrapping apperr.ErrCacheMiss)
// on any miss.
func (c *Cache) Get(ctx context.Context, key string, opts GetOptions) (*CachedResponse, error) {
	raw, err := c.rdb.Get(ctx, metaKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, metrics.CacheTypeRedis).Inc()
			return nil, ErrMiss
		}
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		return nil, fmt.Errorf("kvcache: get metadata: %w", err)
	}

	var meta model.CacheEntryMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		return nil, fmt.Errorf("kvcache: decode metadata: %w", err)
	}

	now := c.clock().UnixMilli()
	if !meta.Valid(now, opts.CacheVersion) {
		if c.bg != nil {
			c.bg.Spawn(func(bgCtx context.Context) { _ = c.Delete(bgCtx, key) })
		}
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, metrics.CacheTypeRedis).Inc()
		return nil, ErrMiss
	}

	if meta.IsChunked {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusChunkedHit, metrics.CacheTypeRedis).Inc()
	} else {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeRedis).Inc()
	}

	etag := meta.ETag
	if etag == "" {
		etag = StableETag(key, opts.CacheVersion)
	}
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == etag {
		return &CachedResponse{
			StatusCode: 304,
			Header:     c.headers(meta, etag, 0, now),
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}

	c.maybeScheduleRefresh(meta, now, opts.RevalidateFunc)

	if meta.IsChunked {
		return c.getChunked(ctx, key, meta, etag, opts, now)
	}
	return c.getSingle(ctx, key, meta, etag, opts, now)
}

func (c *Cache) getSingle(ctx context.Context, key string, meta model.CacheEntryMetadata, etag string, opts GetOptions, now int64) (*CachedResponse, error) {
	if opts.Range == "" {
		body, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrMiss
			}
			return nil, fmt.Errorf("kvcache: get body: %w", err)
		}
		h := c.headers(meta, etag, int64(len(body)), now)
		return &CachedResponse{StatusCode: 200, Header: h, Body: io.NopCloser(strings.NewReader(body))}, nil
	}

	start, end, err := parseRange(opts.Range, meta.ContentLength)
	if err != nil {
		if errors.Is(err, errRangeNotSatisfiable) {
			return c.rangeNotSatisfiable(meta, etag, meta.ContentLength, now), nil
		}
		return nil, err
	}
	body, err := c.rdb.GetRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("kvcache: get range: %w", err)
	}
	h := c.headers(meta, etag, int64(len(body)), now)
	h["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", start, end, meta.ContentLength)
	return &CachedResponse{StatusCode: 206, Header: h, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (c *Cache) getChunked(ctx context.Context, key string, meta model.CacheEntryMetadata, etag string, opts GetOptions, now int64) (*CachedResponse, error) {
	total := meta.ActualTotalVideoSize
	start, end := int64(0), total-1
	status := 200
	if opts.Range != "" {
		s, e, err := parseRange(opts.Range, total)
		if err != nil {
			if errors.Is(err, errRangeNotSatisfiable) {
				return c.rangeNotSatisfiable(meta, etag, total, now), nil
			}
			return nil, err
		}
		start, end, status = s, e, 206
	}

	chunkSize := meta.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.chunkSize
	}
	firstChunk := int(start / chunkSize)
	lastChunk := int(end / chunkSize)
	if lastChunk >= meta.ChunkCount {
		lastChunk = meta.ChunkCount - 1
	}

	readers := make([]io.Reader, 0, lastChunk-firstChunk+1)
	for i := firstChunk; i <= lastChunk; i++ {
		chunkKey := model.ChunkKey(key, i)
		chunkStart := int64(i) * chunkSize
		sliceStart := int64(0)
		if start > chunkStart {
			sliceStart = start - chunkStart
		}
		chunkLen := chunkSize
		if i == meta.ChunkCount-1 {
			chunkLen = total - chunkStart
		}
		sliceEnd := chunkLen - 1
		if end < chunkStart+chunkLen-1 {
			sliceEnd = end - chunkStart
		}

		data, err := c.rdb.GetRange(ctx, chunkKey, sliceStart, sliceEnd).Result()
		if err != nil {
			return nil, fmt.Errorf("kvcache: get chunk %d: %w", i, err)
		}
		readers = append(readers, strings.NewReader(data))
	}

	body := io.MultiReader(readers...)
	contentLength := end - start + 1
	h := c.headers(meta, etag, contentLength, now)
	if status == 206 {
		h["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", start, end, total)
	}
	return &CachedResponse{StatusCode: status, Header: h, Body: io.NopCloser(body)}, nil
}

// rangeNotSatisfiable builds the 416 response for a Range request whose
// start lies at or beyond the entry's total size (spec.md §8).
func (c *Cache) rangeNotSatisfiable(meta model.CacheEntryMetadata, etag string, size int64, now int64) *CachedResponse {
	h := c.headers(meta, etag, 0, now)
	h["Content-Range"] = fmt.Sprintf("bytes */%d", size)
	return &CachedResponse{StatusCode: http.StatusRequestedRangeNotSatisfiable, Header: h, Body: io.NopCloser(strings.NewReader(""))}
}

func (c *Cache) headers(meta model.CacheEntryMetadata, etag string, contentLength int64, now int64) map[string]string {
	h := map[string]string{
		"Content-Type":  meta.ContentType,
		"ETag":          etag,
		"Cache-Control": fmt.Sprintf("public, max-age=%d", meta.RemainingTTLSeconds(now)),
		"Accept-Ranges": "bytes",
	}
	if contentLength > 0 {
		h["Content-Length"] = strconv.FormatInt(contentLength, 10)
	}
	if len(meta.CacheTags) > 0 {
		h["Cache-Tag"] = strings.Join(meta.CacheTags, ",")
	}
	return h
}

// maybeScheduleRefresh dispatches a stale revalidation per spec.md §4.6:
// "if the entry has elapsed more than minElapsedPercent of its TTL AND has
// less than minRemainingSeconds left, schedule a revalidation via C9 but
// still serve the current bytes."
func (c *Cache) maybeScheduleRefresh(meta model.CacheEntryMetadata, now int64, revalidate func(ctx context.Context)) {
	const minElapsedPercent = 0.9
	const minRemainingSeconds = 60

	if revalidate == nil || c.bg == nil || meta.ExpiresAt == 0 {
		return
	}
	total := meta.ExpiresAt - meta.CreatedAt
	if total <= 0 {
		return
	}
	elapsed := now - meta.CreatedAt
	remaining := meta.RemainingTTLSeconds(now)
	if float64(elapsed)/float64(total) >= minElapsedPercent && remaining < minRemainingSeconds {
		c.bg.Spawn(revalidate)
	}
}

// Delete removes an entry and, for chunked entries, its chunks.
func (c *Cache) Delete(ctx context.Context, key string) error {
	raw, err := c.rdb.Get(ctx, metaKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("kvcache: delete: read metadata: %w", err)
	}
	var meta model.CacheEntryMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err == nil && meta.IsChunked {
		for i := 0; i < meta.ChunkCount; i++ {
			c.rdb.Del(ctx, model.ChunkKey(key, i))
		}
	}
	return c.rdb.Del(ctx, key, metaKey(key)).Err()
}

// StableETag derives a deterministic ETag from key and version, so a
// freshly transformed response and every later cache hit for the same key
// agree on the same ETag without a round trip through storage.
func StableETag(key string, version int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, version)))
	return hex.EncodeToString(sum[:])[:16]
}

func parseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, apperr.New(apperr.KindValidation, "unsupported range unit")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, apperr.New(apperr.KindValidation, "malformed range")
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, apperr.New(apperr.KindValidation, "malformed range start")
	}
	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}
	end := size - 1
	if parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < start {
			return 0, 0, apperr.New(apperr.KindValidation, "malformed range end")
		}
		if e < end {
			end = e
		}
	}
	return start, end, nil
}
