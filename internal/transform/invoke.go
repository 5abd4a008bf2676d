// Package transform implements the Transform Invoker (C7, spec.md §4.7):
// resolving option precedence, composing the downstream transform URL, and
// classifying the response for the fallback pipeline (C8).
package transform

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream/internal/domain/model"
	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
)

// HTTPDoer is the narrow *http.Client surface this package needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PathPatternOverrides is the legacy transformationOverrides bag (spec.md
// §4.7 precedence step 2).
type PathPatternOverrides map[string]any

// Invoker composes transform requests and classifies their responses.
type Invoker struct {
	HTTPClient  HTTPDoer
	CDNBasePath string // e.g. "/cdn-cgi/media"
}

// New creates an Invoker.
func New(client HTTPDoer, cdnBasePath string) *Invoker {
	return &Invoker{HTTPClient: client, CDNBasePath: cdnBasePath}
}

// ResolveOptions applies the precedence chain from spec.md §4.7 step 2:
// static defaults < pathPattern overrides < origin.transformOptions <
// explicit caller options. When a derivative is given, its width/height
// (and its mode, if set) are applied last and replace the caller's.
func ResolveOptions(defaults model.TransformOptions, pathPatternOverrides PathPatternOverrides, origin model.Origin, derivative *model.Derivative, caller model.TransformOptions) model.TransformOptions {
	resolved := defaults.Clone()

	applyOverridesMap(&resolved, pathPatternOverrides)
	applyOverridesMap(&resolved, origin.TransformOptions)
	mergeExplicit(&resolved, caller)

	if derivative != nil {
		resolved.Derivative = derivative.Name
		resolved.ApplyDerivative(derivative.Width, derivative.Height)
		if derivative.Mode != "" {
			resolved.Mode = derivative.Mode
		}
	}
	return resolved
}

// applyOverridesMap merges a generic map[string]any of overrides into opts,
// used for pathPattern.transformationOverrides and origin.transformOptions
// (both loosely typed JSON maps in the config document).
func applyOverridesMap(opts *model.TransformOptions, overrides map[string]any) {
	for k, v := range overrides {
		switch k {
		case "width":
			if n, ok := toInt(v); ok {
				opts.Width = &n
			}
		case "height":
			if n, ok := toInt(v); ok {
				opts.Height = &n
			}
		case "mode":
			if s, ok := v.(string); ok {
				opts.Mode = model.Mode(s)
			}
		case "fit":
			if s, ok := v.(string); ok {
				opts.Fit = model.Fit(s)
			}
		case "format":
			if s, ok := v.(string); ok {
				opts.Format = s
			}
		case "quality":
			if s, ok := v.(string); ok {
				opts.Quality = s
			}
		case "compression":
			if s, ok := v.(string); ok {
				opts.Compression = s
			}
		case "time":
			if s, ok := v.(string); ok {
				opts.Time = s
			}
		case "duration":
			if s, ok := v.(string); ok {
				opts.Duration = s
			}
		case "audio":
			if b, ok := v.(bool); ok {
				opts.Audio = &b
			}
		}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// mergeExplicit overlays only the fields the caller actually set.
func mergeExplicit(opts *model.TransformOptions, caller model.TransformOptions) {
	if caller.Width != nil {
		opts.Width = caller.Width
	}
	if caller.Height != nil {
		opts.Height = caller.Height
	}
	if caller.Mode != "" {
		opts.Mode = caller.Mode
	}
	if caller.Fit != "" {
		opts.Fit = caller.Fit
	}
	if caller.Format != "" {
		opts.Format = caller.Format
	}
	if caller.Time != "" {
		opts.Time = caller.Time
	}
	if caller.Duration != "" {
		opts.Duration = caller.Duration
	}
	if caller.Quality != "" {
		opts.Quality = caller.Quality
	}
	if caller.Compression != "" {
		opts.Compression = caller.Compression
	}
	if caller.Loop != nil {
		opts.Loop = caller.Loop
	}
	if caller.Preload != "" {
		opts.Preload = caller.Preload
	}
	if caller.Autoplay != nil {
		opts.Autoplay = caller.Autoplay
	}
	if caller.Muted != nil {
		opts.Muted = caller.Muted
	}
	if caller.Audio != nil {
		opts.Audio = caller.Audio
	}
	if caller.Derivative != "" {
		opts.Derivative = caller.Derivative
	}
}

// SerializeSegment builds the comma-separated transform segment, stable
// alphabetical order, omitting unset fields (spec.md §4.7 step 3).
func SerializeSegment(opts model.TransformOptions) string {
	fields := map[string]string{}
	if opts.Width != nil {
		fields["width"] = strconv.Itoa(*opts.Width)
	}
	if opts.Height != nil {
		fields["height"] = strconv.Itoa(*opts.Height)
	}
	if opts.Mode != "" {
		fields["mode"] = string(opts.Mode)
	}
	if opts.Fit != "" {
		fields["fit"] = string(opts.Fit)
	}
	if opts.Format != "" {
		fields["format"] = opts.Format
	}
	if opts.Quality != "" {
		fields["quality"] = opts.Quality
	}
	if opts.Compression != "" {
		fields["compression"] = opts.Compression
	}
	if opts.Time != "" {
		fields["time"] = opts.Time
	}
	if opts.Duration != "" {
		fields["duration"] = opts.Duration
	}
	if opts.Audio != nil {
		fields["audio"] = strconv.FormatBool(*opts.Audio)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, ",")
}

// BuildURL composes <requestOrigin><basePath>/<transformSegment>/<effectiveSourceURL>,
// appending ?v=<n> when cacheVersion > 1 (spec.md §4.7 step 4).
func (inv *Invoker) BuildURL(requestOrigin, effectiveSourceURL string, opts model.TransformOptions, cacheVersion int) string {
	segment := SerializeSegment(opts)
	u := fmt.Sprintf("%s%s/%s/%s", strings.TrimSuffix(requestOrigin, "/"), inv.CDNBasePath, segment, effectiveSourceURL)
	if cacheVersion > 1 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u = fmt.Sprintf("%s%sv=%d", u, sep, cacheVersion)
	}
	return u
}

// Invoke fetches the transform URL and returns the raw response for the
// caller to classify and stream.
func (inv *Invoker) Invoke(req *http.Request) (*http.Response, error) {
	return inv.HTTPClient.Do(req)
}

// Classification is C7's exposed error taxonomy for C8 (spec.md §4.7).
type Classification string

const (
	ClassOk                Classification = "Ok"
	ClassDurationLimit     Classification = "DurationLimitError"
	ClassFileSize          Classification = "FileSizeError"
	ClassInvalidDimension  Classification = "InvalidDimension"
	ClassInvalidFormat     Classification = "InvalidFormat"
	ClassOriginUnavailable Classification = "OriginUnavailable"
	ClassTransformFailed   Classification = "TransformationFailed"
)

var durationLimitRe = regexp.MustCompile(`(?i)duration.*?(\d+(\.\d+)?)`)

// ClassifyResult is the outcome of Classify: the Classification plus any
// extracted detail (e.g. the duration limit in seconds).
type ClassifyResult struct {
	Class        Classification
	DurationLimit float64 // only set for ClassDurationLimit
}

// Classify implements spec.md §4.7's error classification, consuming body
// (already read into memory by the caller — transform error bodies are
// small JSON/text documents, never the media payload).
func Classify(statusCode int, body string) ClassifyResult {
	result := classify(statusCode, body)
	metrics.TransformInvocationsTotal.WithLabelValues(string(result.Class)).Inc()
	return result
}

func classify(statusCode int, body string) ClassifyResult {
	lower := strings.ToLower(body)
	switch {
	case statusCode == 200 || statusCode == 206:
		return ClassifyResult{Class: ClassOk}
	case statusCode == 400 && strings.Contains(lower, "duration"):
		limit := 0.0
		if m := durationLimitRe.FindStringSubmatch(lower); len(m) > 1 {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil {
				limit = f
			}
		}
		return ClassifyResult{Class: ClassDurationLimit, DurationLimit: limit}
	case (statusCode == 400 || statusCode == 413) && strings.Contains(lower, "file size"):
		return ClassifyResult{Class: ClassFileSize}
	case statusCode == 400 && strings.Contains(lower, "dimension"):
		return ClassifyResult{Class: ClassInvalidDimension}
	case statusCode == 400 && strings.Contains(lower, "format"):
		return ClassifyResult{Class: ClassInvalidFormat}
	case statusCode == 502 || statusCode == 504:
		return ClassifyResult{Class: ClassOriginUnavailable}
	case statusCode >= 500:
		return ClassifyResult{Class: ClassTransformFailed}
	default:
		return ClassifyResult{Class: ClassTransformFailed}
	}
}

// ReadErrorBody reads and closes resp.Body, bounding it since transform
// error documents are always small.
func ReadErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	return string(data)
}
