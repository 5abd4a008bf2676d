// Package config implements the Configuration Store (C1, spec.md §4.1):
// loading, validating, and atomically swapping the worker's routing/cache
// configuration document. It also holds the thin process/env configuration
// (ports, connection strings) in the shape the teacher's
// internal/config.Config already used.
package config

import (
	"github.com/hszk-dev/gostream/internal/domain/model"
)

// Document is the top-level configuration schema (spec.md §4.1): video,
// cache, logging, debug sections.
type Document struct {
	Video   VideoSection   `json:"video"`
	Cache   CacheSection   `json:"cache"`
	Logging LoggingSection `json:"logging"`
	Debug   DebugSection   `json:"debug"`
}

// VideoSection holds origin/derivative/option configuration.
type VideoSection struct {
	Origins       []model.Origin               `json:"origins,omitempty"`
	PathPatterns  []LegacyPathPattern          `json:"pathPatterns,omitempty"`
	Derivatives   map[string]model.Derivative  `json:"derivatives,omitempty"`
	Defaults      model.TransformOptions       `json:"defaults,omitempty"`
	ValidOptions  map[string][]string          `json:"validOptions,omitempty"`
	Responsive    map[string]ResponsiveMapping `json:"responsive,omitempty"`
	CDNBasePath   string                       `json:"cdnTransformBasePath,omitempty"`
	Passthrough   bool                         `json:"passthrough,omitempty"`
	Storage       StorageDefaults              `json:"storage,omitempty"`

	// Caching, when present, takes precedence over the top-level Cache
	// section. This is the open question flagged in spec.md §9: legacy
	// config has both video.caching and cache.*, and this implementation
	// adopts "video.caching wins if present, else synthesize from cache.*,
	// else bake in defaults" per the spec's documented resolution.
	Caching *CacheSection `json:"caching,omitempty"`
}

// ResponsiveMapping is consumed by the out-of-core IMQuery shell (spec.md
// §1 Non-goals); the core only needs to round-trip it losslessly through
// Load/Snapshot (spec.md §6: "round-trips losslessly").
type ResponsiveMapping struct {
	Breakpoints []int  `json:"breakpoints,omitempty"`
	Derivative  string `json:"derivative,omitempty"`
}

// StorageDefaults is the global storage section used when synthesizing
// Origins from legacy PathPatterns (spec.md §4.1).
type StorageDefaults struct {
	R2BucketBinding string     `json:"r2BucketBinding,omitempty"`
	RemoteURL       string     `json:"remoteUrl,omitempty"`
	FallbackURL     string     `json:"fallbackUrl,omitempty"`
	Auth            model.Auth `json:"auth,omitempty"`
}

// LegacyPathPattern is the pre-Origin routing shape (spec.md §4.1): a
// direct path pattern to storage path template, without multi-source
// failover.
type LegacyPathPattern struct {
	Name                    string            `json:"name"`
	Matcher                 string            `json:"matcher"`
	Path                    string            `json:"path,omitempty"`
	TransformationOverrides map[string]any    `json:"transformationOverrides,omitempty"`
}

// CacheSection configures the KV Result Cache (C6).
type CacheSection struct {
	Method           string       `json:"method,omitempty"` // e.g. "kv"
	TTLProfiles      []TTLProfile `json:"ttlProfiles,omitempty"`
	BypassParams     []string     `json:"bypassParams,omitempty"`
	SizeLimitBytes   int64        `json:"sizeLimitBytes,omitempty"`
	StoreIndefinitely bool        `json:"storeIndefinitely,omitempty"`
}

// TTLProfile maps a path regex to a TTLTable; profiles are evaluated in
// order and the first match wins (spec.md §4.6).
type TTLProfile struct {
	Regex string          `json:"regex"`
	TTL   model.TTLTable  `json:"ttl"`
}

// LoggingSection is out of the core's scope beyond being parsed and
// round-tripped; the core's own logging posture is fixed (see
// SPEC_FULL.md §10.1).
type LoggingSection struct {
	Level string `json:"level,omitempty"`
}

// DebugSection controls the debug-header/bypass-cache behavior described
// in spec.md §6.
type DebugSection struct {
	Enabled bool `json:"enabled,omitempty"`
}

// EffectiveCache returns the CacheSection to use, applying the
// video.caching-wins-if-present precedence from spec.md §9.
func (v VideoSection) EffectiveCache(fallback CacheSection) CacheSection {
	if v.Caching != nil {
		return *v.Caching
	}
	return fallback
}
