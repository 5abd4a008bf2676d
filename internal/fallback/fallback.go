// Package fallback implements the Error & Fallback Pipeline (C8, spec.md
// §4.8): given a failed Transform Invoker (C7) response, it walks a fixed
// decision tree — retry with an adjusted duration, fetch the source
// directly, fall back to the Storage Fetcher (C5), or finally surface a
// structured error — never touching the 404 case, which is handled by an
// upstream alternative-origins retry instead.
package fallback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
	"github.com/hszk-dev/gostream/internal/kvcache"
	"github.com/hszk-dev/gostream/internal/origin"
	"github.com/hszk-dev/gostream/internal/storagefetch"
	"github.com/hszk-dev/gostream/internal/transform"
)

// BackgroundCacheLimitBytes is the 128 MiB ceiling from spec.md §4.8 past
// which fallback bytes are never tee-cached — the resolved value for the
// "background-caching threshold" Open Question, shared with the primary
// transform-then-store path so both paths apply the same ceiling.
const BackgroundCacheLimitBytes = 128 * 1024 * 1024

// HTTPDoer is the narrow *http.Client surface this package needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HeaderSigner applies header-style Auth, mirroring internal/signer.Signer.
type HeaderSigner interface {
	SignHeaders(req *http.Request, auth *model.Auth) (*http.Request, error)
}

// BackgroundGate is C9's Spawn contract.
type BackgroundGate interface {
	Spawn(fn func(ctx context.Context)) bool
}

// ResultCache is the subset of the KV Result Cache (C6) write path this
// package exercises for background-caching fallback bytes.
type ResultCache interface {
	Store(ctx context.Context, key string, in kvcache.StoreInput, ttl kvcache.TTLPolicy) bool
}

// ErrorInfo is the classification the caller obtained from
// internal/transform.Classify, plus enough raw detail to act on it.
type ErrorInfo struct {
	Class         transform.Classification
	DurationLimit float64
	StatusCode    int
	RawBody       string
}

// RetryFunc re-invokes the Transform Invoker with adjusted options; the
// caller closes over the Invoker, requestOrigin, effective source URL, and
// cache version so this package never needs to know about C7's URL
// composition.
type RetryFunc func(ctx context.Context, opts model.TransformOptions) (*http.Response, error)

// RequestContext carries everything Handle needs about the request that
// produced errInfo (spec.md §4.8 "ctx").
type RequestContext struct {
	RequestURL        string
	Options           model.TransformOptions
	Origin            *model.Origin
	ChosenSource      *origin.ResolvedSource // nil if no Source was ever chosen
	FallbackOriginURL string                 // explicit override; empty to fall back to ChosenSource.URL
	SourcePath        string                 // for background-cache key construction
	CacheKey          string

	Retry          RetryFunc // nil disables the duration-limit retry step
	AlreadyRetried bool      // prevents a second duration-limit retry

	Sources        []origin.ResolvedSource // for the storage-service fallback step
	StorageFetcher *storagefetch.Fetcher
	FetchReq       storagefetch.FetchRequest
}

// Response is a synthesized response ready to be written to the client.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       io.ReadCloser
}

// Pipeline executes the spec.md §4.8 decision tree.
type Pipeline struct {
	HTTPClient HTTPDoer
	Signer     HeaderSigner
	Background BackgroundGate
	Cache      ResultCache
}

// New creates a Pipeline.
func New(httpClient HTTPDoer, signer HeaderSigner, bg BackgroundGate, cache ResultCache) *Pipeline {
	return &Pipeline{HTTPClient: httpClient, Signer: signer, Background: bg, Cache: cache}
}

// Handle walks the decision tree: duration-limit retry, direct-origin
// fetch, storage-service fallback, final structured error. It never
// returns a Go error — every branch that fails falls through to the next,
// and the last branch (Response 5xx/4xx) always succeeds.
func (p *Pipeline) Handle(ctx context.Context, errInfo ErrorInfo, rctx RequestContext) *Response {
	if errInfo.Class == transform.ClassDurationLimit && !rctx.AlreadyRetried && rctx.Retry != nil && errInfo.DurationLimit > 0 {
		if resp := p.tryDurationRetry(ctx, errInfo, rctx); resp != nil {
			recordStage(metrics.FallbackStageDurationRetry, true)
			return resp
		}
		recordStage(metrics.FallbackStageDurationRetry, false)
	}

	if resp := p.tryDirectOrigin(ctx, errInfo, rctx); resp != nil {
		recordStage(metrics.FallbackStageDirectOrigin, true)
		return resp
	}
	recordStage(metrics.FallbackStageDirectOrigin, false)

	if resp := p.tryStorageService(ctx, errInfo, rctx); resp != nil {
		recordStage(metrics.FallbackStageStorageService, true)
		return resp
	}
	recordStage(metrics.FallbackStageStorageService, false)

	recordStage(metrics.FallbackStageFinalError, true)
	return p.finalError(errInfo)
}

func recordStage(stage string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	metrics.FallbackAppliedTotal.WithLabelValues(stage, status).Inc()
}

func (p *Pipeline) tryDurationRetry(ctx context.Context, errInfo ErrorInfo, rctx RequestContext) *Response {
	adjusted := rctx.Options.Clone()
	adjusted.Duration = formatSeconds(errInfo.DurationLimit)

	resp, err := rctx.Retry(ctx, adjusted)
	if err != nil || resp == nil {
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil
	}
	return responseFromHTTP(resp, nil)
}

// formatSeconds renders a duration limit as a Go duration string (e.g.
// "30s"), matching the format callers use for opts.Duration elsewhere.
func formatSeconds(limit float64) string {
	if limit == float64(int64(limit)) {
		return strconv.FormatInt(int64(limit), 10) + "s"
	}
	return strconv.FormatFloat(limit, 'f', -1, 64) + "s"
}

func (p *Pipeline) tryDirectOrigin(ctx context.Context, errInfo ErrorInfo, rctx RequestContext) *Response {
	target := rctx.FallbackOriginURL
	if target == "" && rctx.ChosenSource != nil {
		target = rctx.ChosenSource.URL + rctx.ChosenSource.ConcretePath
	}
	if !isHTTPURL(target) {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil
	}
	if v := rctx.FetchReq.Range; v != "" {
		httpReq.Header.Set("Range", v)
	}
	if v := rctx.FetchReq.IfNoneMatch; v != "" {
		httpReq.Header.Set("If-None-Match", v)
	}

	if rctx.ChosenSource != nil && rctx.ChosenSource.Auth != nil && rctx.ChosenSource.Auth.Enabled && p.Signer != nil {
		signed, err := p.Signer.SignHeaders(httpReq, rctx.ChosenSource.Auth)
		if err == nil {
			httpReq = signed
		}
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil
	}
	if !isServeable(resp.StatusCode) {
		resp.Body.Close()
		return nil
	}

	extra := map[string]string{
		"X-Fallback-Applied":     "true",
		"X-Fallback-Reason":      string(errInfo.Class),
		"X-Original-Error-Type":  string(errInfo.Class),
		"X-Original-Status-Code": strconv.Itoa(errInfo.StatusCode),
		"Cache-Control":          "no-store",
	}
	out := responseFromHTTP(resp, extra)
	p.maybeCacheInBackground(rctx, resp, out)
	return out
}

func (p *Pipeline) tryStorageService(ctx context.Context, errInfo ErrorInfo, rctx RequestContext) *Response {
	if rctx.StorageFetcher == nil || len(rctx.Sources) == 0 {
		return nil
	}
	result, err := rctx.StorageFetcher.Fetch(ctx, rctx.Sources, rctx.FetchReq)
	if err != nil || result == nil {
		return nil
	}
	if !isServeable(result.StatusCode) {
		result.Body.Close()
		return nil
	}

	h := map[string]string{
		"X-Fallback-Applied":     "true",
		"X-Fallback-Reason":      string(errInfo.Class),
		"X-Original-Error-Type":  string(errInfo.Class),
		"X-Original-Status-Code": strconv.Itoa(errInfo.StatusCode),
		"X-Storage-Source":       string(result.SourceType),
		"Cache-Control":          "no-store",
	}
	for k, vs := range result.Header {
		if _, handled := h[k]; !handled && len(vs) > 0 {
			h[k] = vs[0]
		}
	}
	return &Response{StatusCode: result.StatusCode, Header: h, Body: result.Body}
}

func (p *Pipeline) finalError(errInfo ErrorInfo) *Response {
	status := errInfo.StatusCode
	if status == 0 {
		status = statusForClass(errInfo.Class)
	}
	doc := map[string]any{
		"error":  string(errInfo.Class),
		"status": status,
	}
	body, _ := json.Marshal(doc)
	return &Response{
		StatusCode: status,
		Header: map[string]string{
			"Content-Type": "application/json",
			"X-Error-Type": string(errInfo.Class),
		},
		Body: io.NopCloser(strings.NewReader(string(body))),
	}
}

func statusForClass(c transform.Classification) int {
	switch c {
	case transform.ClassDurationLimit, transform.ClassFileSize, transform.ClassInvalidDimension, transform.ClassInvalidFormat:
		return http.StatusBadRequest
	case transform.ClassOriginUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// maybeCacheInBackground tees the direct-origin response body so it is
// still cached even though it bypassed the normal store-after-transform
// path, gated by the 128 MiB ceiling and C9 availability (spec.md §4.8).
func (p *Pipeline) maybeCacheInBackground(rctx RequestContext, resp *http.Response, out *Response) {
	if p.Background == nil || p.Cache == nil || rctx.CacheKey == "" {
		return
	}
	if resp.ContentLength <= 0 || resp.ContentLength > BackgroundCacheLimitBytes {
		return
	}

	orig := out.Body
	pr, pw := io.Pipe()
	out.Body = teeReadCloser{r: io.TeeReader(out.Body, pw), c: out.Body, pw: pw}

	contentType := resp.Header.Get("Content-Type")
	etag := resp.Header.Get("ETag")
	contentLength := resp.ContentLength
	sourcePath := rctx.SourcePath
	key := rctx.CacheKey

	if !p.Background.Spawn(func(bgCtx context.Context) {
		p.Cache.Store(bgCtx, key, kvcache.StoreInput{
			Body:             pr,
			ContentLength:    contentLength,
			ContentType:      contentType,
			ETag:             etag,
			SourcePath:       sourcePath,
			CreatedAtVersion: 1,
		}, kvcache.TTLPolicy{TTLSeconds: intPtr(3600)})
	}) {
		out.Body = orig
	}
}

func intPtr(n int) *int { return &n }

// teeReadCloser closes both the underlying body and the pipe writer once
// the client finishes reading, so the background Store goroutine observes
// EOF instead of hanging forever on a dropped connection.
type teeReadCloser struct {
	r  io.Reader
	c  io.Closer
	pw *io.PipeWriter
}

func (t teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		if err == io.EOF {
			t.pw.Close()
		} else {
			t.pw.CloseWithError(err)
		}
	}
	return n, err
}

func (t teeReadCloser) Close() error {
	t.pw.Close()
	return t.c.Close()
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func isServeable(status int) bool {
	return status == http.StatusOK || status == http.StatusPartialContent || status == http.StatusNotModified
}

func responseFromHTTP(resp *http.Response, extra map[string]string) *Response {
	h := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h["Content-Type"] = ct
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		h["Content-Length"] = cl
	}
	if et := resp.Header.Get("ETag"); et != "" {
		h["ETag"] = et
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		h["Content-Range"] = cr
	}
	for k, v := range extra {
		h[k] = v
	}
	return &Response{StatusCode: resp.StatusCode, Header: h, Body: resp.Body}
}
