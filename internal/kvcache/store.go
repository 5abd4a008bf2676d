package kvcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
)

// StoreInput is the artifact and bookkeeping data Store persists.
type StoreInput struct {
	Body          io.Reader
	ContentLength int64 // -1 if unknown; forces chunked layout
	ContentType   string
	ETag          string
	CacheTags     []string

	SourcePath string
	Derivative string
	Width      *int
	Height     *int
	Format     string
	Quality    string
	Mode       model.Mode
	Duration   string
	Time       string

	CreatedAtVersion int
}

// TTLPolicy resolves the effective TTL for a Store call (spec.md §4.6:
// caller-supplied ttl, else the matching cache-config profile, else no
// expiry when storeIndefinitely is set).
type TTLPolicy struct {
	TTLSeconds        *int
	StoreIndefinitely bool
}

// Store writes input under key, choosing single-entry or chunked layout by
// size (spec.md §4.6). Returns false (never an error) on any write
// failure, after best-effort cleanup of partial chunks.
func (c *Cache) Store(ctx context.Context, key string, in StoreInput, ttl TTLPolicy) bool {
	now := c.clock().UnixMilli()

	var ok bool
	if in.ContentLength >= 0 && in.ContentLength <= SingleEntryThreshold {
		ok = c.storeSingle(ctx, key, in, ttl, now)
	} else {
		ok = c.storeChunked(ctx, key, in, ttl, now)
	}

	status := metrics.CacheStatusSuccess
	if !ok {
		status = metrics.CacheStatusError
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, status, metrics.CacheTypeRedis).Inc()
	return ok
}

func (c *Cache) storeSingle(ctx context.Context, key string, in StoreInput, ttl TTLPolicy, now int64) bool {
	body, err := io.ReadAll(io.LimitReader(in.Body, SingleEntryThreshold+1))
	if err != nil {
		return false
	}
	if int64(len(body)) > SingleEntryThreshold {
		rest := in
		rest.Body = io.MultiReader(bytes.NewReader(body), in.Body)
		return c.storeChunked(ctx, key, rest, ttl, now)
	}

	meta := c.buildMetadata(in, int64(len(body)), false, 0, 0, ttl, now)
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return false
	}

	expiry := effectiveExpiry(ttl)
	if err := c.rdb.Set(ctx, key, body, expiry).Err(); err != nil {
		return false
	}
	if err := c.rdb.Set(ctx, metaKey(key), rawMeta, expiry).Err(); err != nil {
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

func (c *Cache) storeChunked(ctx context.Context, key string, in StoreInput, ttl TTLPolicy, now int64) bool {
	chunkSize := c.chunkSize
	expiry := effectiveExpiry(ttl)

	var written []string
	var total int64
	index := 0
	for {
		chunk, err := io.ReadAll(io.LimitReader(in.Body, chunkSize))
		if err != nil {
			c.cleanupChunks(ctx, written)
			return false
		}
		if len(chunk) == 0 {
			break
		}
		chunkKey := model.ChunkKey(key, index)
		if err := c.rdb.Set(ctx, chunkKey, chunk, expiry).Err(); err != nil {
			c.cleanupChunks(ctx, written)
			return false
		}
		written = append(written, chunkKey)
		total += int64(len(chunk))
		index++
		if int64(len(chunk)) < chunkSize {
			break
		}
	}

	if index == 0 {
		return false
	}

	meta := c.buildMetadata(in, total, true, index, chunkSize, ttl, now)
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		c.cleanupChunks(ctx, written)
		return false
	}
	if err := c.rdb.Set(ctx, metaKey(key), rawMeta, expiry).Err(); err != nil {
		c.cleanupChunks(ctx, written)
		return false
	}
	return true
}

func (c *Cache) cleanupChunks(ctx context.Context, keys []string) {
	for _, k := range keys {
		c.rdb.Del(ctx, k)
	}
}

func (c *Cache) buildMetadata(in StoreInput, total int64, chunked bool, chunkCount int, chunkSize int64, ttl TTLPolicy, now int64) model.CacheEntryMetadata {
	meta := model.CacheEntryMetadata{
		SourcePath:           in.SourcePath,
		Derivative:           in.Derivative,
		Width:                in.Width,
		Height:               in.Height,
		Format:               in.Format,
		Quality:              in.Quality,
		Mode:                 in.Mode,
		Duration:             in.Duration,
		Time:                 in.Time,
		ContentType:          in.ContentType,
		ContentLength:        total,
		ETag:                 in.ETag,
		CacheTags:            in.CacheTags,
		CreatedAt:            now,
		CreatedAtVersion:     in.CreatedAtVersion,
		IsChunked:            chunked,
		ActualTotalVideoSize: total,
		ChunkCount:           chunkCount,
		ChunkSize:            chunkSize,
	}
	if !ttl.StoreIndefinitely && ttl.TTLSeconds != nil {
		meta.ExpiresAt = now + int64(*ttl.TTLSeconds)*1000
	}
	return meta
}

func effectiveExpiry(ttl TTLPolicy) time.Duration {
	if ttl.StoreIndefinitely || ttl.TTLSeconds == nil {
		return 0
	}
	return time.Duration(*ttl.TTLSeconds) * time.Second
}

// List enumerates all variants cached for sourcePath (spec.md §4.6, admin
// use only).
func (c *Cache) List(ctx context.Context, sourcePath string) ([]model.VariantSummary, error) {
	prefix := "video:" + model.NormalizePath(sourcePath)
	var summaries []model.VariantSummary
	iter := c.rdb.Scan(ctx, 0, prefix+"*:meta", 100).Iterator()
	for iter.Next(ctx) {
		metaK := iter.Val()
		raw, err := c.rdb.Get(ctx, metaK).Result()
		if err != nil {
			continue
		}
		var meta model.CacheEntryMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		key := metaK[:len(metaK)-len(":meta")]
		summaries = append(summaries, model.VariantSummary{Key: key, Metadata: meta})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvcache: list: %w", err)
	}
	return summaries, nil
}
