package kvcache

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func ttlSeconds(n int) TTLPolicy { return TTLPolicy{TTLSeconds: &n} }

func TestStoreAndGet_SingleEntry(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 0)
	ctx := context.Background()

	ok := c.Store(ctx, "video:a.mp4", StoreInput{
		Body: strings.NewReader("hello world"), ContentLength: 11, ContentType: "video/mp4",
		SourcePath: "a.mp4", CreatedAtVersion: 1,
	}, ttlSeconds(3600))
	if !ok {
		t.Fatal("expected Store to succeed")
	}

	resp, err := c.Get(ctx, "video:a.mp4", GetOptions{CacheVersion: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello world" {
		t.Errorf("got %q", body)
	}
	if resp.Header["Content-Type"] != "video/mp4" {
		t.Errorf("unexpected content type: %v", resp.Header)
	}
}

func TestGet_Miss(t *testing.T) {
	rdb := setupTestRedis(t)
	c := New(rdb, nil, nil, 0)
	_, err := c.Get(context.Background(), "video:nope", GetOptions{CacheVersion: 1})
	if err != ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestGet_StaleVersionIsAMiss(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 0)
	ctx := context.Background()

	c.Store(ctx, "video:a.mp4", StoreInput{Body: strings.NewReader("x"), ContentLength: 1, CreatedAtVersion: 1}, ttlSeconds(3600))

	_, err := c.Get(ctx, "video:a.mp4", GetOptions{CacheVersion: 2})
	if err != ErrMiss {
		t.Fatalf("expected version-stale entry to miss, got %v", err)
	}
}

func TestGet_ConditionalHit(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 0)
	ctx := context.Background()

	c.Store(ctx, "video:a.mp4", StoreInput{Body: strings.NewReader("x"), ContentLength: 1, ETag: "abc", CreatedAtVersion: 1}, ttlSeconds(3600))

	resp, err := c.Get(ctx, "video:a.mp4", GetOptions{CacheVersion: 1, IfNoneMatch: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 304 {
		t.Errorf("expected 304, got %d", resp.StatusCode)
	}
}

func TestGet_Range(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 0)
	ctx := context.Background()

	c.Store(ctx, "video:a.mp4", StoreInput{Body: strings.NewReader("0123456789"), ContentLength: 10, CreatedAtVersion: 1}, ttlSeconds(3600))

	resp, err := c.Get(ctx, "video:a.mp4", GetOptions{CacheVersion: 1, Range: "bytes=2-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 206 {
		t.Errorf("expected 206, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "234" {
		t.Errorf("got %q", body)
	}
}

func TestGet_RangeBeyondSizeReturns416(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 0)
	ctx := context.Background()

	c.Store(ctx, "video:a.mp4", StoreInput{Body: strings.NewReader("0123456789"), ContentLength: 10, CreatedAtVersion: 1}, ttlSeconds(3600))

	resp, err := c.Get(ctx, "video:a.mp4", GetOptions{CacheVersion: 1, Range: "bytes=20-30"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 416 {
		t.Errorf("expected 416, got %d", resp.StatusCode)
	}
	if resp.Header["Content-Range"] != "bytes */10" {
		t.Errorf("expected Content-Range bytes */10, got %q", resp.Header["Content-Range"])
	}
}

func TestStoreAndGet_Chunked(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 10) // tiny chunk size for test speed
	ctx := context.Background()

	data := bytes.Repeat([]byte("a"), 35) // 3 chunks of 10, last of 5
	ok := c.Store(ctx, "video:big.mp4", StoreInput{
		Body: bytes.NewReader(data), ContentLength: -1, ContentType: "video/mp4", CreatedAtVersion: 1,
	}, ttlSeconds(3600))
	if !ok {
		t.Fatal("expected chunked store to succeed")
	}

	resp, err := c.Get(ctx, "video:big.mp4", GetOptions{CacheVersion: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 35 {
		t.Fatalf("expected 35 bytes, got %d", len(body))
	}
}

func TestStoreAndGet_ChunkedRangeSpanningChunks(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 10)
	ctx := context.Background()

	data := []byte("0123456789abcdefghij") // 20 bytes, 2 chunks of 10
	c.Store(ctx, "video:big.mp4", StoreInput{Body: bytes.NewReader(data), ContentLength: -1, CreatedAtVersion: 1}, ttlSeconds(3600))

	resp, err := c.Get(ctx, "video:big.mp4", GetOptions{CacheVersion: 1, Range: "bytes=8-12"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 206 {
		t.Errorf("expected 206, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "89abc" {
		t.Errorf("got %q, want %q", body, "89abc")
	}
}

func TestStore_ContentLengthAboveThresholdForcesChunking(t *testing.T) {
	rdb := setupTestRedis(t)
	c := New(rdb, nil, nil, 5)
	ctx := context.Background()

	data := []byte("0123456789")
	ok := c.Store(ctx, "video:x.mp4", StoreInput{Body: bytes.NewReader(data), ContentLength: SingleEntryThreshold + 1, CreatedAtVersion: 1}, ttlSeconds(60))
	if !ok {
		t.Fatal("expected store to succeed via chunked path")
	}

	resp, err := c.Get(ctx, "video:x.mp4", GetOptions{CacheVersion: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(data) {
		t.Errorf("got %q, want %q", body, data)
	}
}

func TestList(t *testing.T) {
	rdb := setupTestRedis(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(rdb, nil, func() time.Time { return now }, 0)
	ctx := context.Background()

	c.Store(ctx, "video:a.mp4:w=100", StoreInput{Body: strings.NewReader("x"), ContentLength: 1, SourcePath: "a.mp4", CreatedAtVersion: 1}, ttlSeconds(60))
	c.Store(ctx, "video:a.mp4:w=200", StoreInput{Body: strings.NewReader("y"), ContentLength: 1, SourcePath: "a.mp4", CreatedAtVersion: 1}, ttlSeconds(60))

	summaries, err := c.List(ctx, "a.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(summaries))
	}
}
