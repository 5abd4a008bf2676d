package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/hszk-dev/gostream/internal/domain/model"
)

// Snapshot is an immutable, validated configuration view (spec.md §3
// Lifecycles: "Configuration is loaded at startup, validated once, then
// immutable for the process lifetime; mutation only via explicit reload
// which atomically swaps the snapshot.")
type Snapshot struct {
	Doc     Document
	Origins []model.Origin

	effectiveCache   CacheSection
	ttlProfiles      []compiledTTLProfile
	cacheVersion     int
}

type compiledTTLProfile struct {
	re  *regexp.Regexp
	ttl model.TTLTable
}

// Cache returns the effective CacheSection (video.caching precedence,
// spec.md §9).
func (s *Snapshot) Cache() CacheSection { return s.effectiveCache }

// CacheVersion returns the cache-version counter captured at snapshot-build
// time. HandleTransform uses it as the request's cache version unless a
// "v" query parameter overrides it; no counter is read from the KV store.
func (s *Snapshot) CacheVersion() int { return s.cacheVersion }

// TTLForPath returns the TTL table for the first matching profile, or the
// zero TTLTable if none match (caller falls back to a baked-in default).
func (s *Snapshot) TTLForPath(path string) (model.TTLTable, bool) {
	for _, p := range s.ttlProfiles {
		if p.re.MatchString(path) {
			return p.ttl, true
		}
	}
	return model.TTLTable{}, false
}

// buildSnapshot validates doc and compiles everything that resolution (C2)
// and the cache (C6) need to look up without recompiling per request.
func buildSnapshot(doc Document, cacheVersion int) (*Snapshot, error) {
	if err := Validate(&doc); err != nil {
		return nil, err
	}

	origins := synthesizeOrigins(&doc)
	for i := range origins {
		if err := origins[i].Compile(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	effCache := doc.Video.EffectiveCache(doc.Cache)
	profiles := make([]compiledTTLProfile, 0, len(effCache.TTLProfiles))
	for _, p := range effCache.TTLProfiles {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("config: cache.ttlProfiles regex %q: %w", p.Regex, err)
		}
		profiles = append(profiles, compiledTTLProfile{re: re, ttl: p.TTL})
	}

	return &Snapshot{
		Doc:            doc,
		Origins:        origins,
		effectiveCache: effCache,
		ttlProfiles:    profiles,
		cacheVersion:   cacheVersion,
	}, nil
}

// Store holds the process-wide configuration snapshot, swapped atomically
// on reload (C1 contract: Load/Snapshot/Update).
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates an empty Store; Load must be called before Snapshot is
// usable.
func NewStore() *Store {
	return &Store{}
}

// Load parses, validates, and installs a new configuration document. On
// success the new Snapshot becomes current and is returned. On failure the
// previous snapshot (if any) remains in effect untouched (spec.md §4.1:
// "any schema violation aborts load").
func (s *Store) Load(data []byte, cacheVersion int) (*Snapshot, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	snap, err := buildSnapshot(doc, cacheVersion)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return snap, nil
}

// Snapshot returns the current configuration snapshot, or nil if Load has
// never succeeded.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// sectionPatch is the set of top-level sections Update can replace
// independently; any section omitted from the patch keeps its current
// value.
type sectionPatch struct {
	Video   *VideoSection   `json:"video,omitempty"`
	Cache   *CacheSection   `json:"cache,omitempty"`
	Logging *LoggingSection `json:"logging,omitempty"`
	Debug   *DebugSection   `json:"debug,omitempty"`
}

// Update applies a section-wise partial update to the current document and
// re-validates the FULL resulting schema before installing it. On
// validation failure the previous snapshot remains in effect (spec.md
// §4.1: "partial updates merge section-wise but are re-validated against
// the full schema").
func (s *Store) Update(data []byte) (*Snapshot, error) {
	cur := s.current.Load()
	if cur == nil {
		return nil, fmt.Errorf("config: no snapshot loaded; call Load first")
	}

	var patch sectionPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("config: parse update: %w", err)
	}

	next := cur.Doc
	if patch.Video != nil {
		next.Video = *patch.Video
	}
	if patch.Cache != nil {
		next.Cache = *patch.Cache
	}
	if patch.Logging != nil {
		next.Logging = *patch.Logging
	}
	if patch.Debug != nil {
		next.Debug = *patch.Debug
	}

	snap, err := buildSnapshot(next, cur.cacheVersion)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return snap, nil
}
