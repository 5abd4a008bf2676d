// Package usecase implements HandleTransform (spec.md §6): the request
// orchestration that wires the Configuration Store (C1), Origin Resolver
// (C2), KV Result Cache (C6), Storage Fetcher (C5), Transform Invoker (C7),
// Error & Fallback Pipeline (C8), and Background Worker Gate (C9) into one
// request-scoped flow, mirroring the teacher's usecase-layer wiring of
// repositories and domain logic behind a single service entry point.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/gostream/internal/bgworker"
	"github.com/hszk-dev/gostream/internal/config"
	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/fallback"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
	"github.com/hszk-dev/gostream/internal/kvcache"
	"github.com/hszk-dev/gostream/internal/origin"
	"github.com/hszk-dev/gostream/internal/storagefetch"
	"github.com/hszk-dev/gostream/internal/transform"
)

// Request is the core's inbound request shape (spec.md §6: "the shell
// passes a parsed request in").
type Request struct {
	Method      string
	Path        string // e.g. "/videos/test.mp4"
	Query       url.Values
	Scheme      string // "https" if empty and TLS is assumed by the shell
	Host        string // request-origin host, used to compose the transform URL
	Range       string
	IfNoneMatch string
}

// Response is the core's outbound response shape.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyService wires C1-C9 behind HandleTransform.
type ProxyService struct {
	Store      *config.Store
	Resolver   *origin.Resolver
	Fetcher    *storagefetch.Fetcher
	Cache      *kvcache.Cache
	Invoker    *transform.Invoker
	Fallback   *fallback.Pipeline
	Background *bgworker.Gate
	Clock      func() time.Time
	Logger     *slog.Logger

	group singleflight.Group
}

// New creates a ProxyService. clock and logger default to time.Now and
// slog.Default when nil.
func New(store *config.Store, resolver *origin.Resolver, fetcher *storagefetch.Fetcher, cache *kvcache.Cache, invoker *transform.Invoker, fb *fallback.Pipeline, bg *bgworker.Gate, clock func() time.Time, logger *slog.Logger) *ProxyService {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyService{
		Store: store, Resolver: resolver, Fetcher: fetcher, Cache: cache,
		Invoker: invoker, Fallback: fb, Background: bg, Clock: clock, Logger: logger,
	}
}

// HandleTransform implements spec.md §6's core entry point. It never
// returns a Go error: every failure path (config missing, no matching
// origin, all sources failed, transform failure exhausting the fallback
// pipeline) is translated into a *Response carrying the taxonomy's status
// code and X-Error-Type header (spec.md §7).
func (p *ProxyService) HandleTransform(ctx context.Context, req Request) *Response {
	start := p.Clock()
	snap := p.Store.Snapshot()
	if snap == nil {
		return p.errorResponse(apperr.KindConfiguration, "no configuration loaded", nil)
	}

	debug := req.Query.Get("debug") != ""
	bypass := debug || req.Query.Get("nocache") != "" || req.Query.Get("bypass") != "" || hasAny(req.Query, snap.Cache().BypassParams)

	resolved, err := p.Resolver.Resolve(snap.Origins, req.Path)
	if err != nil {
		metrics.RequestDurationSeconds.WithLabelValues(metrics.RequestOutcomeError).Observe(p.Clock().Sub(start).Seconds())
		kind := apperr.KindOf(err)
		if errors.Is(err, apperr.ErrNoMatchingOrigin) || errors.Is(err, apperr.ErrNoEligibleSources) {
			kind = apperr.KindNotFound
		}
		return p.errorResponse(kind, err.Error(), nil)
	}

	callerOpts := parseCallerOptions(req.Query)
	var derivativePtr *model.Derivative
	if callerOpts.Derivative != "" {
		if d, ok := snap.Doc.Video.Derivatives[callerOpts.Derivative]; ok {
			derivativePtr = &d
		}
	}
	opts := transform.ResolveOptions(snap.Doc.Video.Defaults, nil, resolved.Origin, derivativePtr, callerOpts)

	cacheVersion := snap.CacheVersion()
	if v := req.Query.Get("v"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cacheVersion = n
		}
	}

	keyParts := model.CacheKeyFromOptions(req.Path, opts)
	cacheKey := model.BuildCacheKey(keyParts)

	rc := requestComputed{
		req: req, snap: snap, resolved: resolved, opts: opts,
		cacheKey: cacheKey, cacheVersion: cacheVersion, debug: debug,
	}

	if !bypass {
		if resp := p.tryCache(ctx, rc, start); resp != nil {
			return resp
		}
	}

	return p.handleMiss(ctx, rc, start)
}

// requestComputed bundles everything derived from Request + Snapshot once,
// so the cache and miss paths don't recompute it.
type requestComputed struct {
	req          Request
	snap         *config.Snapshot
	resolved     *origin.Resolved
	opts         model.TransformOptions
	cacheKey     string
	cacheVersion int
	debug        bool
}

func (p *ProxyService) tryCache(ctx context.Context, rc requestComputed, start time.Time) *Response {
	cached, err := p.Cache.Get(ctx, rc.cacheKey, kvcache.GetOptions{
		Range:        rc.req.Range,
		IfNoneMatch:  rc.req.IfNoneMatch,
		CacheVersion: rc.cacheVersion,
	})
	if err != nil {
		if !errors.Is(err, kvcache.ErrMiss) {
			p.Logger.Error("usecase: cache get failed, treating as miss", "key", rc.cacheKey, "error", err)
		}
		return nil
	}

	header := http.Header{}
	for k, v := range cached.Header {
		header.Set(k, v)
	}
	header.Set("X-Cache", "HIT")
	header.Set("Accept-Ranges", "bytes")
	p.addDebugHeaders(header, rc, start, false)

	metrics.RequestDurationSeconds.WithLabelValues(metrics.RequestOutcomeCacheHit).Observe(p.Clock().Sub(start).Seconds())
	return &Response{StatusCode: cached.StatusCode, Header: header, Body: cached.Body}
}

func (p *ProxyService) handleMiss(ctx context.Context, rc requestComputed, start time.Time) *Response {
	v, err, shared := p.group.Do(rc.cacheKey, func() (any, error) {
		return p.invoke(ctx, rc), nil
	})
	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}
	if err != nil {
		// invoke never returns an error; this branch exists for the
		// singleflight.Do contract only.
		return p.errorResponse(apperr.KindUnknown, err.Error(), nil)
	}

	out := v.(*outcome)
	header := http.Header{}
	for k, vals := range out.header {
		header[k] = vals
	}
	if out.fallback {
		header.Set("Accept-Ranges", "bytes")
		p.addDebugHeaders(header, rc, start, false)
		metrics.RequestDurationSeconds.WithLabelValues(metrics.RequestOutcomeFallback).Observe(p.Clock().Sub(start).Seconds())
		return &Response{StatusCode: out.status, Header: header, Body: io.NopCloser(strings.NewReader(string(out.body)))}
	}
	if out.status != http.StatusOK && out.status != http.StatusPartialContent {
		metrics.RequestDurationSeconds.WithLabelValues(metrics.RequestOutcomeError).Observe(p.Clock().Sub(start).Seconds())
		return &Response{StatusCode: out.status, Header: header, Body: io.NopCloser(strings.NewReader(string(out.body)))}
	}

	header.Set("Content-Type", firstNonEmpty(header.Get("Content-Type"), "video/mp4"))
	header.Set("Content-Length", strconv.Itoa(len(out.body)))
	header.Set("ETag", kvcache.StableETag(rc.cacheKey, rc.cacheVersion))
	header.Set("Cache-Tag", strings.Join(buildCacheTags(rc.req.Path, rc.opts.Derivative), ","))
	header.Set("Cache-Control", cacheControlFor(rc.snap, rc.req.Path))
	header.Set("Accept-Ranges", "bytes")
	header.Set("X-Cache", "MISS")
	if out.durationAdjustedTo != "" {
		header.Set("X-Transform-Duration-Adjusted", out.durationAdjustedTo)
	}
	p.addDebugHeaders(header, rc, start, true)

	p.cacheInBackground(rc, out, header.Get("ETag"))

	metrics.RequestDurationSeconds.WithLabelValues(metrics.RequestOutcomeTransform).Observe(p.Clock().Sub(start).Seconds())
	return &Response{StatusCode: out.status, Header: header, Body: io.NopCloser(strings.NewReader(string(out.body)))}
}

// outcome is the singleflight-shared result of one transform invocation
// (plus whatever fallback step resolved it), fully buffered so every
// waiter on the same key gets an independent reader over the same bytes.
type outcome struct {
	status             int
	header             http.Header
	body               []byte
	durationAdjustedTo string
	adjustedCacheKey   string
	fallback           bool
}

func (p *ProxyService) invoke(ctx context.Context, rc requestComputed) *outcome {
	requestOrigin := requestOriginString(rc.req)
	sourcePath := model.NormalizePath(rc.req.Path)
	effectiveSourceURL := strings.TrimSuffix(requestOrigin, "/") + "/" + sourcePath
	cdnBase := firstNonEmpty(rc.snap.Doc.Video.CDNBasePath, p.Invoker.CDNBasePath)
	inv := &transform.Invoker{HTTPClient: p.Invoker.HTTPClient, CDNBasePath: cdnBase}

	transformURL := inv.BuildURL(requestOrigin, effectiveSourceURL, rc.opts, rc.cacheVersion)
	resp, retryErr := p.doTransformRequest(ctx, inv, transformURL, rc)
	if retryErr == nil && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent) {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		h := http.Header{}
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			h.Set("Content-Type", ct)
		}
		return &outcome{status: resp.StatusCode, header: h, body: body}
	}

	var errInfo fallback.ErrorInfo
	if retryErr != nil {
		errInfo = fallback.ErrorInfo{Class: transform.ClassOriginUnavailable}
	} else {
		errBody := transform.ReadErrorBody(resp)
		cls := transform.Classify(resp.StatusCode, errBody)
		errInfo = fallback.ErrorInfo{Class: cls.Class, DurationLimit: cls.DurationLimit, StatusCode: resp.StatusCode, RawBody: errBody}
	}

	return p.runFallback(ctx, errInfo, rc, inv, requestOrigin, effectiveSourceURL)
}

func (p *ProxyService) doTransformRequest(ctx context.Context, inv *transform.Invoker, transformURL string, rc requestComputed) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, transformURL, nil)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(httpReq)
}

func (p *ProxyService) runFallback(ctx context.Context, errInfo fallback.ErrorInfo, rc requestComputed, inv *transform.Invoker, requestOrigin, effectiveSourceURL string) *outcome {
	var chosen *origin.ResolvedSource
	if len(rc.resolved.Sources) > 0 {
		chosen = &rc.resolved.Sources[0]
	}

	var retry fallback.RetryFunc
	var adjustedDuration string
	if errInfo.Class == transform.ClassDurationLimit {
		retry = func(ctx context.Context, adjusted model.TransformOptions) (*http.Response, error) {
			adjustedDuration = adjusted.Duration
			url := inv.BuildURL(requestOrigin, effectiveSourceURL, adjusted, rc.cacheVersion)
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			return inv.Invoke(httpReq)
		}
	}

	fbResp := p.Fallback.Handle(ctx, errInfo, fallback.RequestContext{
		RequestURL:     effectiveSourceURL,
		Options:        rc.opts,
		Origin:         &rc.resolved.Origin,
		ChosenSource:   chosen,
		SourcePath:     model.NormalizePath(rc.req.Path),
		CacheKey:       rc.cacheKey,
		Retry:          retry,
		Sources:        rc.resolved.Sources,
		StorageFetcher: p.Fetcher,
		FetchReq:       storagefetch.FetchRequest{Method: http.MethodGet, Range: rc.req.Range, IfNoneMatch: rc.req.IfNoneMatch},
	})

	body, _ := io.ReadAll(fbResp.Body)
	fbResp.Body.Close()
	h := http.Header{}
	for k, v := range fbResp.Header {
		h.Set(k, v)
	}

	isError := h.Get("X-Error-Type") != ""
	isFallbackApplied := h.Get("X-Fallback-Applied") == "true"
	out := &outcome{status: fbResp.StatusCode, header: h, body: body, fallback: isFallbackApplied}
	if adjustedDuration != "" && !isError && !isFallbackApplied {
		out.durationAdjustedTo = adjustedDuration
		adjustedOpts := rc.opts.Clone()
		adjustedOpts.Duration = adjustedDuration
		out.adjustedCacheKey = model.BuildCacheKey(model.CacheKeyFromOptions(rc.req.Path, adjustedOpts))
	}
	return out
}

// cacheInBackground stores a successful transform outcome via C9, mirroring
// spec.md §5: "the cache write is concurrent via C9 and MUST NOT block the
// client stream."
func (p *ProxyService) cacheInBackground(rc requestComputed, out *outcome, etag string) {
	if p.Background == nil || p.Cache == nil {
		return
	}
	if int64(len(out.body)) > fallback.BackgroundCacheLimitBytes {
		return
	}
	body := out.body
	contentType := out.header.Get("Content-Type")
	ttl := ttlPolicyFor(rc.snap, rc.req.Path)
	sourcePath := model.NormalizePath(rc.req.Path)

	// A duration-limit retry (spec.md §8 S3) produces a shorter artifact
	// than the caller asked for; it must be cached under a key reflecting
	// the adjusted duration, not the original request's key, or a later
	// hit would serve the wrong length from the wrong key entirely.
	cacheKey := rc.cacheKey
	duration := rc.opts.Duration
	if out.adjustedCacheKey != "" {
		cacheKey = out.adjustedCacheKey
		duration = out.durationAdjustedTo
	}
	tags := buildCacheTags(rc.req.Path, rc.opts.Derivative)

	p.Background.Spawn(func(bgCtx context.Context) {
		p.Cache.Store(bgCtx, cacheKey, kvcache.StoreInput{
			Body:             strings.NewReader(string(body)),
			ContentLength:    int64(len(body)),
			ContentType:      contentType,
			CacheTags:        tags,
			SourcePath:       sourcePath,
			Derivative:       rc.opts.Derivative,
			Width:            rc.opts.Width,
			Height:           rc.opts.Height,
			Format:           rc.opts.Format,
			Quality:          rc.opts.Quality,
			Mode:             rc.opts.Mode,
			Duration:         duration,
			Time:             rc.opts.Time,
			CreatedAtVersion: rc.cacheVersion,
		}, ttl)
	})
	_ = etag // ETag intentionally left unset on Store; StableETag keeps it consistent across hits.
}

func ttlPolicyFor(snap *config.Snapshot, path string) kvcache.TTLPolicy {
	cache := snap.Cache()
	if cache.StoreIndefinitely {
		return kvcache.TTLPolicy{StoreIndefinitely: true}
	}
	if ttl, ok := snap.TTLForPath(path); ok && ttl.OK > 0 {
		secs := ttl.OK
		return kvcache.TTLPolicy{TTLSeconds: &secs}
	}
	secs := 86400
	return kvcache.TTLPolicy{TTLSeconds: &secs}
}

func cacheControlFor(snap *config.Snapshot, path string) string {
	if ttl, ok := snap.TTLForPath(path); ok && ttl.OK > 0 {
		return fmt.Sprintf("public, max-age=%d", ttl.OK)
	}
	return "public, max-age=86400"
}

// buildCacheTags derives the Cache-Tag set from the source path's basename
// (minus extension) plus, when present, the named derivative (spec.md §8
// S2: tags `video-test`, `video-derivative-mobile`).
func buildCacheTags(sourcePath, derivative string) []string {
	base := path.Base(model.NormalizePath(sourcePath))
	base = strings.TrimSuffix(base, path.Ext(base))
	tags := []string{"video-" + base}
	if derivative != "" {
		tags = append(tags, "video-derivative-"+derivative)
	}
	return tags
}

func (p *ProxyService) addDebugHeaders(h http.Header, rc requestComputed, start time.Time, missPath bool) {
	if !rc.debug {
		return
	}
	h.Set("X-Video-Resizer-Debug", "true")
	h.Set("X-Processing-Time-Ms", strconv.FormatInt(p.Clock().Sub(start).Milliseconds(), 10))
	h.Set("X-Cache-Key", rc.cacheKey)
	h.Set("X-Matched-Origin", rc.resolved.Origin.Name)
	if missPath {
		h.Set("X-Transform-Invoked", "true")
	}
}

func (p *ProxyService) errorResponse(kind apperr.Kind, message string, ctxFields map[string]string) *Response {
	status := kind.Status()
	body := fmt.Sprintf(`{"error":%q,"message":%q,"statusCode":%d}`, kind, message, status)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Error-Type", string(kind))
	return &Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(body))}
}

func requestOriginString(req Request) string {
	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + req.Host
}

func hasAny(q url.Values, names []string) bool {
	for _, n := range names {
		if q.Get(n) != "" {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseCallerOptions reads the explicit caller options recognized in query
// parameters (spec.md §6: all other params pass through untouched).
func parseCallerOptions(q url.Values) model.TransformOptions {
	var opts model.TransformOptions
	if w := firstNonEmpty(q.Get("width"), q.Get("w")); w != "" {
		if n, err := strconv.Atoi(w); err == nil {
			opts.Width = &n
		}
	}
	if h := firstNonEmpty(q.Get("height"), q.Get("h")); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			opts.Height = &n
		}
	}
	if v := q.Get("mode"); v != "" {
		opts.Mode = model.Mode(v)
	}
	if v := q.Get("fit"); v != "" {
		opts.Fit = model.Fit(v)
	}
	if v := q.Get("format"); v != "" {
		opts.Format = v
	}
	if v := q.Get("time"); v != "" {
		opts.Time = v
	}
	if v := q.Get("duration"); v != "" {
		opts.Duration = v
	}
	if v := q.Get("quality"); v != "" {
		opts.Quality = v
	}
	if v := q.Get("compression"); v != "" {
		opts.Compression = v
	}
	if v := q.Get("preload"); v != "" {
		opts.Preload = v
	}
	if v := q.Get("derivative"); v != "" {
		opts.Derivative = v
	}
	if v, ok := parseBoolParam(q, "loop"); ok {
		opts.Loop = &v
	}
	if v, ok := parseBoolParam(q, "autoplay"); ok {
		opts.Autoplay = &v
	}
	if v, ok := parseBoolParam(q, "muted"); ok {
		opts.Muted = &v
	}
	if v, ok := parseBoolParam(q, "audio"); ok {
		opts.Audio = &v
	}
	return opts
}

func parseBoolParam(q url.Values, name string) (bool, bool) {
	raw := q.Get(name)
	if raw == "" {
		return false, false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return b, true
}
