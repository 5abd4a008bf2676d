// Package model holds the core data types shared by the video-transformation
// proxy: origins/sources/auth (config-shaped), transform options, and the
// cache key/metadata types the result cache persists.
package model

import (
	"fmt"
	"regexp"
)

// SourceType identifies the kind of backend a Source fetches from.
type SourceType string

const (
	SourceTypeR2       SourceType = "r2"
	SourceTypeRemote   SourceType = "remote"
	SourceTypeFallback SourceType = "fallback"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeR2, SourceTypeRemote, SourceTypeFallback:
		return true
	default:
		return false
	}
}

// TTLTable holds per-response-class TTL overrides, in seconds.
type TTLTable struct {
	OK          int `json:"ok,omitempty"`
	Redirects   int `json:"redirects,omitempty"`
	ClientError int `json:"clientError,omitempty"`
	ServerError int `json:"serverError,omitempty"`
}

// Origin is a named routing rule mapping a path pattern to an ordered list
// of candidate Sources. See spec.md §3.
type Origin struct {
	Name              string            `json:"name"`
	Matcher           string            `json:"matcher"`
	CaptureGroups     []string          `json:"captureGroups,omitempty"`
	Sources           []Source          `json:"sources"`
	TTL               *TTLTable         `json:"ttl,omitempty"`
	Cacheability      *bool             `json:"cacheability,omitempty"`
	VideoCompression  string            `json:"videoCompression,omitempty"`
	Quality           string            `json:"quality,omitempty"`
	TransformOptions  map[string]any    `json:"transformOptions,omitempty"`

	// compiled is populated once by the Configuration Store when the
	// snapshot is built; resolution never recompiles the pattern.
	compiled *regexp.Regexp
}

// Compile compiles and caches the Origin's matcher regex. It is called
// exactly once per Origin when a Config snapshot is constructed (see
// internal/config). Resolve (C2) only ever reads the cached *regexp.Regexp.
func (o *Origin) Compile() error {
	re, err := regexp.Compile(o.Matcher)
	if err != nil {
		return fmt.Errorf("origin %q: compile matcher: %w", o.Name, err)
	}
	o.compiled = re
	return nil
}

// Regexp returns the compiled matcher. Compile must have been called first;
// this is always true for Origins obtained from a Config snapshot.
func (o *Origin) Regexp() *regexp.Regexp {
	return o.compiled
}

// Source is a single concrete backend location. See spec.md §3.
type Source struct {
	Type          SourceType        `json:"type"`
	Priority      int               `json:"priority"`
	Path          string            `json:"path"`
	BucketBinding string            `json:"bucketBinding,omitempty"`
	URL           string            `json:"url,omitempty"`
	Auth          *Auth             `json:"auth,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CacheControl  *CacheControl     `json:"cacheControl,omitempty"`

	// declOrder records declaration order within the Origin, used to break
	// priority ties deterministically (spec.md §3 invariants).
	declOrder int
}

// CacheControl carries advisory max-age/stale hints for a Source.
type CacheControl struct {
	MaxAge int `json:"maxAge,omitempty"`
	Stale  int `json:"staleWhileRevalidate,omitempty"`
}

// DeclOrder returns the Source's declaration index within its Origin.
func (s Source) DeclOrder() int { return s.declOrder }

// SetDeclOrder is called by the legacy-pattern converter (§4.1). Sources of
// explicitly configured Origins keep declOrder 0; the resolver's stable sort
// then keeps their slice (declaration) order on priority ties.
func (s *Source) SetDeclOrder(i int) { s.declOrder = i }
