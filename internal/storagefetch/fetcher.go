// Package storagefetch implements the Storage Fetcher (C5, spec.md §4.5):
// sequential, ordered failover across a resolved Source list, normalizing
// r2/remote/fallback responses into one SourceResult shape.
package storagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
	"github.com/hszk-dev/gostream/internal/origin"
	"github.com/hszk-dev/gostream/internal/presigncache"
)

// HTTPDoer is the narrow *http.Client surface this package needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HeaderSigner applies header-style Auth (internal/signer.Signer).
type HeaderSigner interface {
	SignHeaders(req *http.Request, auth *model.Auth) (*http.Request, error)
}

// URLPresigner applies query-string-style Auth (internal/signer.Signer).
type URLPresigner interface {
	PresignURL(req *http.Request, auth *model.Auth) (string, error)
}

// PresignLookup is the C4 read path.
type PresignLookup interface {
	Get(ctx context.Context, key string) (*presigncache.Entry, error)
}

// PresignStore is the C4 write path; callers dispatch it off the hot path
// (spec.md §4.4).
type PresignStore interface {
	Store(ctx context.Context, key string, entry presigncache.Entry, expiresInSeconds int) error
}

// BackgroundGate is C9's Spawn contract (spec.md §4.9).
type BackgroundGate interface {
	Spawn(fn func(ctx context.Context)) bool
}

// SourceResult is the normalized outcome of fetching from one Source.
type SourceResult struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	SourceType  model.SourceType
	ContentType string
	Size        int64
}

// Diagnostic records why a single source trial failed.
type Diagnostic struct {
	SourceType model.SourceType
	Path       string
	Err        error
}

// AllSourcesFailedError wraps apperr.ErrAllSourcesFailed with a per-source
// diagnostic trail (spec.md §4.5: "return AllSourcesFailed with a
// per-source diagnostic list").
type AllSourcesFailedError struct {
	Diagnostics []Diagnostic
}

func (e *AllSourcesFailedError) Error() string {
	var b strings.Builder
	b.WriteString("storagefetch: all sources failed: ")
	for i, d := range e.Diagnostics {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s(%s): %v", d.SourceType, d.Path, d.Err)
	}
	return b.String()
}

func (e *AllSourcesFailedError) Unwrap() error { return apperr.ErrAllSourcesFailed }

// Fetcher performs the ordered, sequential Source failover.
type Fetcher struct {
	Buckets      *Registry
	HTTPClient   HTTPDoer
	Signer       HeaderSigner
	Presigner    URLPresigner
	PresignGet   PresignLookup
	PresignStore PresignStore
	Background   BackgroundGate
}

// FetchRequest carries the caller's method and pass-through headers
// (spec.md §4.5: "carry forward Range and If-None-Match headers
// untouched").
type FetchRequest struct {
	Method      string
	Range       string
	IfNoneMatch string
}

// Fetch trials sources in the order given (already priority/decl-order
// sorted by internal/origin.Resolve) and returns on the first success.
func (f *Fetcher) Fetch(ctx context.Context, sources []origin.ResolvedSource, req FetchRequest) (*SourceResult, error) {
	var diags []Diagnostic
	for _, src := range sources {
		result, stop, err := f.tryOne(ctx, src, req)
		if err == nil {
			metrics.SourceFetchTotal.WithLabelValues(string(src.Type), metrics.SourceStatusSuccess).Inc()
			return result, nil
		}
		diags = append(diags, Diagnostic{SourceType: src.Type, Path: src.ConcretePath, Err: err})
		if stop {
			metrics.SourceFetchTotal.WithLabelValues(string(src.Type), metrics.SourceStatusStopped).Inc()
			return nil, apperr.Wrap(apperr.KindOriginUnavail, "source request rejected", err).
				WithContext("sourceType", string(src.Type)).
				WithContext("path", src.ConcretePath)
		}
		if errors.Is(err, ErrObjectNotFound) {
			metrics.SourceFetchTotal.WithLabelValues(string(src.Type), metrics.SourceStatusNotFound).Inc()
		} else {
			metrics.SourceFetchTotal.WithLabelValues(string(src.Type), metrics.SourceStatusError).Inc()
		}
	}
	return nil, &AllSourcesFailedError{Diagnostics: diags}
}

// tryOne fetches a single source. stop=true means the caller should abort
// failover immediately (a non-404 4xx: "the source is reachable but the
// request is wrong").
func (f *Fetcher) tryOne(ctx context.Context, src origin.ResolvedSource, req FetchRequest) (result *SourceResult, stop bool, err error) {
	switch src.Type {
	case model.SourceTypeR2:
		return f.fetchR2(ctx, src, req)
	case model.SourceTypeRemote, model.SourceTypeFallback:
		return f.fetchHTTP(ctx, src, req)
	default:
		return nil, true, fmt.Errorf("unsupported source type %q", src.Type)
	}
}

func (f *Fetcher) fetchR2(ctx context.Context, src origin.ResolvedSource, req FetchRequest) (*SourceResult, bool, error) {
	bucket := f.Buckets.Get(src.BucketBinding)
	if bucket == nil {
		return nil, false, fmt.Errorf("no bucket bound for %q", src.BucketBinding)
	}

	info, statErr := bucket.StatObject(ctx, src.ConcretePath)
	if statErr != nil {
		return nil, false, statErr
	}

	if req.IfNoneMatch != "" && req.IfNoneMatch == info.ETag {
		return &SourceResult{
			StatusCode:  http.StatusNotModified,
			Header:      http.Header{"ETag": {info.ETag}},
			Body:        io.NopCloser(strings.NewReader("")),
			SourceType:  model.SourceTypeR2,
			ContentType: info.ContentType,
		}, false, nil
	}

	var rng *ByteRange
	status := http.StatusOK
	if req.Range != "" {
		r, perr := parseRange(req.Range, info.ContentLength)
		if perr != nil {
			return nil, true, fmt.Errorf("%w: %s", ErrRangeNotSatisfiable, req.Range)
		}
		rng = r
		status = http.StatusPartialContent
	}

	body, rangedInfo, err := bucket.GetObject(ctx, src.ConcretePath, rng)
	if err != nil {
		if errors.Is(err, ErrRangeNotSatisfiable) {
			return nil, true, err
		}
		return nil, false, err
	}

	h := http.Header{}
	h.Set("Content-Type", rangedInfo.ContentType)
	h.Set("Content-Length", strconv.FormatInt(rangedInfo.ContentLength, 10))
	h.Set("ETag", rangedInfo.ETag)
	if rng != nil {
		end := rng.End
		if end < 0 {
			end = info.ContentLength - 1
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, info.ContentLength))
	}

	return &SourceResult{
		StatusCode:  status,
		Header:      h,
		Body:        body,
		SourceType:  model.SourceTypeR2,
		ContentType: rangedInfo.ContentType,
		Size:        rangedInfo.ContentLength,
	}, false, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src origin.ResolvedSource, fr FetchRequest) (*SourceResult, bool, error) {
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}
	url := src.URL + src.ConcretePath
	httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, true, err
	}
	for k, v := range src.Headers {
		httpReq.Header.Set(k, v)
	}
	if fr.Range != "" {
		httpReq.Header.Set("Range", fr.Range)
	}
	if fr.IfNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", fr.IfNoneMatch)
	}

	httpReq, err = f.applyAuth(ctx, httpReq, src)
	if err != nil {
		return nil, true, err
	}

	resp, err := f.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, false, err
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent, resp.StatusCode == http.StatusNotModified:
		return &SourceResult{
			StatusCode:  resp.StatusCode,
			Header:      resp.Header,
			Body:        resp.Body,
			SourceType:  src.Type,
			ContentType: resp.Header.Get("Content-Type"),
			Size:        resp.ContentLength,
		}, false, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, false, fmt.Errorf("upstream status %d", resp.StatusCode)
	default:
		_ = resp.Body.Close()
		return nil, true, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
}

// applyAuth signs or presigns the outgoing request per Source.Auth,
// consulting the Presigned-URL Cache (C4) for query-style auth types and
// dispatching the (non-hot-path) Store through the background gate (C9).
func (f *Fetcher) applyAuth(ctx context.Context, req *http.Request, src origin.ResolvedSource) (*http.Request, error) {
	auth := src.Auth
	if auth == nil || !auth.Enabled {
		return req, nil
	}

	switch auth.Type {
	case model.AuthTypeAWSS3PresignedURL, model.AuthTypeQuery:
		key := presigncache.BuildKey(src.ConcretePath, presigncache.KeyOptions{
			StorageType: string(src.Type),
			AuthType:    string(auth.Type),
			Region:      auth.Region,
			Service:     auth.Service,
		})
		if f.PresignGet != nil {
			if entry, err := f.PresignGet.Get(ctx, key); err == nil {
				signedURL := entry.SignedURL
				newReq, err := http.NewRequestWithContext(ctx, req.Method, signedURL, nil)
				if err != nil {
					return nil, err
				}
				newReq.Header = req.Header
				return newReq, nil
			}
		}

		original := req.URL.String()
		signedURL, err := f.Presigner.PresignURL(req, auth)
		if err != nil {
			return nil, err
		}
		if f.PresignStore != nil && f.Background != nil {
			expiry := auth.EffectiveExpiry()
			f.Background.Spawn(func(bgCtx context.Context) {
				_ = f.PresignStore.Store(bgCtx, key, presigncache.Entry{SignedURL: signedURL, OriginalURL: original}, expiry)
			})
		}
		newReq, err := http.NewRequestWithContext(ctx, req.Method, signedURL, nil)
		if err != nil {
			return nil, err
		}
		newReq.Header = req.Header
		return newReq, nil
	default:
		return f.Signer.SignHeaders(req, auth)
	}
}

// parseRange parses a single "bytes=a-b" Range header value.
func parseRange(header string, size int64) (*ByteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("unsupported range unit: %s", header)
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed range: %s", header)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed range start: %s", header)
	}
	if start >= size && size > 0 {
		return nil, fmt.Errorf("range start beyond size")
	}
	if parts[1] == "" {
		return &ByteRange{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed range end: %s", header)
	}
	if end < start {
		return nil, fmt.Errorf("range end before start")
	}
	return &ByteRange{Start: start, End: end}, nil
}
