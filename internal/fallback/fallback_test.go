package fallback

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/origin"
	"github.com/hszk-dev/gostream/internal/storagefetch"
	"github.com/hszk-dev/gostream/internal/transform"
)

type fakeDoer struct {
	resp *http.Response
	err  error
	reqs []*http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func httpResp(status int, body string, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func TestHandle_DurationRetrySucceeds(t *testing.T) {
	retried := false
	p := New(nil, nil, nil, nil)

	resp := p.Handle(context.Background(), ErrorInfo{Class: transform.ClassDurationLimit, DurationLimit: 30, StatusCode: 400}, RequestContext{
		Options: model.TransformOptions{Duration: "60"},
		Retry: func(ctx context.Context, opts model.TransformOptions) (*http.Response, error) {
			retried = true
			if opts.Duration != "30s" {
				t.Errorf("expected adjusted duration 30s, got %q", opts.Duration)
			}
			return httpResp(200, "video-bytes", map[string]string{"Content-Type": "video/mp4"}), nil
		},
	})

	if !retried {
		t.Fatal("expected retry to be invoked")
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "video-bytes" {
		t.Errorf("got %q", body)
	}
}

func TestHandle_DurationRetryFallsThroughOnFailure(t *testing.T) {
	p := New(&fakeDoer{resp: httpResp(200, "origin-bytes", nil)}, nil, nil, nil)

	resp := p.Handle(context.Background(), ErrorInfo{Class: transform.ClassDurationLimit, DurationLimit: 30, StatusCode: 400}, RequestContext{
		FallbackOriginURL: "https://origin.example.com/a.mp4",
		Retry: func(ctx context.Context, opts model.TransformOptions) (*http.Response, error) {
			return httpResp(400, "still too long", nil), nil
		},
	})

	if resp.StatusCode != 200 {
		t.Fatalf("expected fall-through to direct-origin 200, got %d", resp.StatusCode)
	}
	if resp.Header["X-Fallback-Applied"] != "true" {
		t.Errorf("expected fallback headers, got %v", resp.Header)
	}
}

func TestHandle_DirectOriginFetch(t *testing.T) {
	doer := &fakeDoer{resp: httpResp(206, "chunk", map[string]string{"Content-Type": "video/mp4", "Content-Range": "bytes 0-4/100"})}
	p := New(doer, nil, nil, nil)

	resp := p.Handle(context.Background(), ErrorInfo{Class: transform.ClassTransformFailed, StatusCode: 500}, RequestContext{
		FallbackOriginURL: "https://origin.example.com/a.mp4",
		FetchReq:          storagefetch.FetchRequest{Range: "bytes=0-4"},
	})

	if resp.StatusCode != 206 {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if resp.Header["X-Original-Error-Type"] != "TransformationFailed" {
		t.Errorf("unexpected header: %v", resp.Header)
	}
	if len(doer.reqs) != 1 || doer.reqs[0].Header.Get("Range") != "bytes=0-4" {
		t.Errorf("expected range header forwarded")
	}
}

func TestHandle_DirectOriginSkippedWhenNoValidURL(t *testing.T) {
	p := New(&fakeDoer{}, nil, nil, nil)
	resp := p.Handle(context.Background(), ErrorInfo{Class: transform.ClassOriginUnavailable, StatusCode: 502}, RequestContext{})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected final error 502, got %d", resp.StatusCode)
	}
	if resp.Header["X-Error-Type"] != "OriginUnavailable" {
		t.Errorf("unexpected header: %v", resp.Header)
	}
}

type fakeBucket struct{}

func (fakeBucket) GetObject(ctx context.Context, key string, rng *storagefetch.ByteRange) (io.ReadCloser, storagefetch.ObjectInfo, error) {
	return io.NopCloser(strings.NewReader("stored-bytes")), storagefetch.ObjectInfo{ContentType: "video/mp4", ContentLength: 12, ETag: "etag1"}, nil
}
func (fakeBucket) StatObject(ctx context.Context, key string) (storagefetch.ObjectInfo, error) {
	return storagefetch.ObjectInfo{ContentType: "video/mp4", ContentLength: 12, ETag: "etag1"}, nil
}

func TestHandle_StorageServiceFallback(t *testing.T) {
	registry := storagefetch.NewRegistry(map[string]storagefetch.ObjectBucket{"main": fakeBucket{}})
	fetcher := &storagefetch.Fetcher{Buckets: registry}
	p := New(&fakeDoer{err: errRequestFailed{}}, nil, nil, nil)

	sources := []origin.ResolvedSource{{
		Source:       model.Source{Type: model.SourceTypeR2, BucketBinding: "main"},
		ConcretePath: "videos/a.mp4",
	}}

	resp := p.Handle(context.Background(), ErrorInfo{Class: transform.ClassOriginUnavailable, StatusCode: 502}, RequestContext{
		StorageFetcher: fetcher,
		Sources:        sources,
	})

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 from storage fallback, got %d", resp.StatusCode)
	}
	if resp.Header["X-Storage-Source"] != "r2" {
		t.Errorf("expected X-Storage-Source header, got %v", resp.Header)
	}
}

type errRequestFailed struct{}

func (errRequestFailed) Error() string { return "connection refused" }

func TestHandle_FinalErrorDocument(t *testing.T) {
	p := New(nil, nil, nil, nil)
	resp := p.Handle(context.Background(), ErrorInfo{Class: transform.ClassFileSize, StatusCode: 413}, RequestContext{})

	if resp.StatusCode != 413 {
		t.Fatalf("expected original status 413 preserved, got %d", resp.StatusCode)
	}
	if resp.Header["X-Error-Type"] != "FileSizeError" {
		t.Errorf("unexpected header: %v", resp.Header)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "FileSizeError") {
		t.Errorf("expected error body to mention class, got %q", body)
	}
}
