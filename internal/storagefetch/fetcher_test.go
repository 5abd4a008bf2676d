package storagefetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/origin"
)

type fakeBucket struct {
	body        string
	contentType string
	etag        string
	statErr     error
}

func (f *fakeBucket) GetObject(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, ObjectInfo, error) {
	body := f.body
	if rng != nil {
		end := rng.End
		if end < 0 || int(end) >= len(body) {
			end = int64(len(body)) - 1
		}
		body = body[rng.Start : end+1]
	}
	return io.NopCloser(bytes.NewReader([]byte(body))), ObjectInfo{
		ContentType:   f.contentType,
		ContentLength: int64(len(f.body)),
		ETag:          f.etag,
	}, nil
}

func (f *fakeBucket) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	if f.statErr != nil {
		return ObjectInfo{}, f.statErr
	}
	return ObjectInfo{ContentType: f.contentType, ContentLength: int64(len(f.body)), ETag: f.etag}, nil
}

type fakeHTTPDoer struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (d *fakeHTTPDoer) Do(req *http.Request) (*http.Response, error) { return d.fn(req) }

func resolvedSource(s model.Source, concretePath string) origin.ResolvedSource {
	return origin.ResolvedSource{Source: s, ConcretePath: concretePath}
}

func TestFetch_R2Success(t *testing.T) {
	reg := NewRegistry(map[string]ObjectBucket{"VIDEOS": &fakeBucket{body: "hello world", contentType: "video/mp4", etag: "abc"}})
	f := &Fetcher{Buckets: reg}
	sources := []origin.ResolvedSource{
		resolvedSource(model.Source{Type: model.SourceTypeR2, BucketBinding: "VIDEOS"}, "a.mp4"),
	}

	result, err := f.Fetch(context.Background(), sources, FetchRequest{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", result.StatusCode)
	}
	body, _ := io.ReadAll(result.Body)
	if string(body) != "hello world" {
		t.Errorf("got %q", body)
	}
}

func TestFetch_R2Range(t *testing.T) {
	reg := NewRegistry(map[string]ObjectBucket{"VIDEOS": &fakeBucket{body: "0123456789", contentType: "video/mp4", etag: "abc"}})
	f := &Fetcher{Buckets: reg}
	sources := []origin.ResolvedSource{resolvedSource(model.Source{Type: model.SourceTypeR2, BucketBinding: "VIDEOS"}, "a.mp4")}

	result, err := f.Fetch(context.Background(), sources, FetchRequest{Method: http.MethodGet, Range: "bytes=2-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != http.StatusPartialContent {
		t.Errorf("expected 206, got %d", result.StatusCode)
	}
	body, _ := io.ReadAll(result.Body)
	if string(body) != "234" {
		t.Errorf("got %q", body)
	}
}

func TestFetch_R2ConditionalHit(t *testing.T) {
	reg := NewRegistry(map[string]ObjectBucket{"VIDEOS": &fakeBucket{body: "data", etag: "abc"}})
	f := &Fetcher{Buckets: reg}
	sources := []origin.ResolvedSource{resolvedSource(model.Source{Type: model.SourceTypeR2, BucketBinding: "VIDEOS"}, "a.mp4")}

	result, err := f.Fetch(context.Background(), sources, FetchRequest{Method: http.MethodGet, IfNoneMatch: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != http.StatusNotModified {
		t.Errorf("expected 304, got %d", result.StatusCode)
	}
}

func TestFetch_R2MissingFallsThroughToNextSource(t *testing.T) {
	reg := NewRegistry(map[string]ObjectBucket{
		"VIDEOS": &fakeBucket{statErr: ErrObjectNotFound},
	})
	called := false
	doer := &fakeHTTPDoer{fn: func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader([]byte("fallback body"))), Header: http.Header{}}, nil
	}}
	f := &Fetcher{Buckets: reg, HTTPClient: doer}
	sources := []origin.ResolvedSource{
		resolvedSource(model.Source{Type: model.SourceTypeR2, BucketBinding: "VIDEOS"}, "a.mp4"),
		resolvedSource(model.Source{Type: model.SourceTypeFallback, URL: "https://fb.example.com"}, "/a.mp4"),
	}

	result, err := f.Fetch(context.Background(), sources, FetchRequest{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fallback HTTP source to be tried")
	}
	if result.SourceType != model.SourceTypeFallback {
		t.Errorf("expected result from fallback, got %q", result.SourceType)
	}
}

func TestFetch_NonNotFound4xxStopsImmediately(t *testing.T) {
	tried := 0
	doer := &fakeHTTPDoer{fn: func(req *http.Request) (*http.Response, error) {
		tried++
		return &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}}
	f := &Fetcher{HTTPClient: doer}
	sources := []origin.ResolvedSource{
		resolvedSource(model.Source{Type: model.SourceTypeRemote, URL: "https://a.example.com"}, "/a.mp4"),
		resolvedSource(model.Source{Type: model.SourceTypeFallback, URL: "https://b.example.com"}, "/a.mp4"),
	}

	_, err := f.Fetch(context.Background(), sources, FetchRequest{Method: http.MethodGet})
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.KindOf(err) != apperr.KindOriginUnavail {
		t.Errorf("expected OriginUnavailable kind, got %v", apperr.KindOf(err))
	}
	if tried != 1 {
		t.Errorf("expected failover to stop after the first non-404 4xx, tried %d sources", tried)
	}
}

func TestFetch_AllSourcesFailed(t *testing.T) {
	reg := NewRegistry(map[string]ObjectBucket{"VIDEOS": &fakeBucket{statErr: ErrObjectNotFound}})
	doer := &fakeHTTPDoer{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}}
	f := &Fetcher{Buckets: reg, HTTPClient: doer}
	sources := []origin.ResolvedSource{
		resolvedSource(model.Source{Type: model.SourceTypeR2, BucketBinding: "VIDEOS"}, "a.mp4"),
		resolvedSource(model.Source{Type: model.SourceTypeFallback, URL: "https://fb.example.com"}, "/a.mp4"),
	}

	_, err := f.Fetch(context.Background(), sources, FetchRequest{Method: http.MethodGet})
	var allFailed *AllSourcesFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected *AllSourcesFailedError, got %v", err)
	}
	if len(allFailed.Diagnostics) != 2 {
		t.Errorf("expected 2 diagnostics, got %d", len(allFailed.Diagnostics))
	}
	if !errors.Is(err, apperr.ErrAllSourcesFailed) {
		t.Error("expected errors.Is to match the ErrAllSourcesFailed sentinel")
	}
}
