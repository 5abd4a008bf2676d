package handler

import (
	"io"
	"net/http"

	"github.com/hszk-dev/gostream/internal/usecase"
)

// TransformHandler adapts *http.Request/http.ResponseWriter to
// usecase.ProxyService.HandleTransform, mirroring the teacher's thin
// handler-calls-service shape (internal/api/handler used to wrap
// usecase.VideoService the same way).
type TransformHandler struct {
	svc *usecase.ProxyService
}

// NewTransformHandler creates a TransformHandler.
func NewTransformHandler(svc *usecase.ProxyService) *TransformHandler {
	return &TransformHandler{svc: svc}
}

// ServeHTTP handles every request the router routes here: a passthrough
// video path, optionally carrying transform query parameters (spec.md §6).
func (h *TransformHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}

	req := usecase.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.Query(),
		Scheme:      scheme,
		Host:        r.Host,
		Range:       r.Header.Get("Range"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}

	resp := h.svc.HandleTransform(r.Context(), req)
	defer resp.Body.Close()

	header := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}
