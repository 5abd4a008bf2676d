package handler

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hszk-dev/gostream/internal/config"
	"github.com/hszk-dev/gostream/internal/fallback"
	"github.com/hszk-dev/gostream/internal/origin"
	"github.com/hszk-dev/gostream/internal/transform"
	"github.com/hszk-dev/gostream/internal/usecase"
)

const handlerTestDoc = `{
  "video": {
    "origins": [
      {
        "name": "videos",
        "matcher": "^/videos/.+$",
        "sources": [
          {"type": "remote", "priority": 0, "path": "${0}", "url": "https://origin.example.com"}
        ]
      }
    ],
    "cdnTransformBasePath": "/cdn-cgi/media"
  }
}`

type fakeDoer struct {
	do func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) { return f.do(req) }

func newTestHandler(t *testing.T, doer *fakeDoer) *TransformHandler {
	t.Helper()
	store := config.NewStore()
	if _, err := store.Load([]byte(handlerTestDoc), 1); err != nil {
		t.Fatalf("load test config: %v", err)
	}
	inv := &transform.Invoker{HTTPClient: doer, CDNBasePath: "/cdn-cgi/media"}
	fb := fallback.New(doer, nil, nil, nil)
	svc := usecase.New(store, origin.New(nil), nil, nil, inv, fb, nil, func() time.Time { return time.Unix(0, 0) }, nil)
	return NewTransformHandler(svc)
}

func TestTransformHandler_ServeHTTP_Success(t *testing.T) {
	doer := &fakeDoer{do: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"video/mp4"}},
			Body:       io.NopCloser(bytes.NewBufferString("video-bytes")),
		}, nil
	}}
	h := newTestHandler(t, doer)

	req := httptest.NewRequest(http.MethodGet, "/videos/test.mp4?nocache=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "video-bytes" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Cache-Tag") != "video-test" {
		t.Errorf("expected Cache-Tag video-test, got %q", rec.Header().Get("Cache-Tag"))
	}
}

func TestTransformHandler_ServeHTTP_NotFound(t *testing.T) {
	doer := &fakeDoer{do: func(req *http.Request) (*http.Response, error) {
		t.Fatal("no upstream call expected for an unmatched path")
		return nil, nil
	}}
	h := newTestHandler(t, doer)

	req := httptest.NewRequest(http.MethodGet, "/unrelated/file.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("X-Error-Type") == "" {
		t.Error("expected X-Error-Type header on error response")
	}
}

func TestTransformHandler_ServeHTTP_HeadSkipsBody(t *testing.T) {
	doer := &fakeDoer{do: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"video/mp4"}},
			Body:       io.NopCloser(bytes.NewBufferString("video-bytes")),
		}, nil
	}}
	h := newTestHandler(t, doer)

	req := httptest.NewRequest(http.MethodHead, "/videos/test.mp4?nocache=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body for HEAD, got %q", rec.Body.String())
	}
}
