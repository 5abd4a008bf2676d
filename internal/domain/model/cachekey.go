package model

import (
	"fmt"
	"strconv"
	"strings"
)

// CacheKeyParts are the structured components of a CacheKey (spec.md §3).
// Pointer/empty-string fields are omitted from the serialized form when
// unset.
type CacheKeyParts struct {
	SourcePath string
	Derivative string
	Width      *int
	Height     *int
	Format     string
	Quality    string
	Time       string
	Duration   string
}

const cacheKeyPrefix = "video:"

// NormalizePath implements spec.md §3's CacheKey normalization rule:
// leading slashes stripped, spaces become hyphens, any other character
// outside [A-Za-z0-9/:=.\-] becomes a hyphen.
func NormalizePath(p string) string {
	p = strings.TrimLeft(p, "/")
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
			r == '/' || r == ':' || r == '=' || r == '.' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// BuildCacheKey serializes CacheKeyParts into the stable, ordered CacheKey
// string. Segments are included iff the corresponding option is non-null.
// A derivative suppresses w/h per spec.md §3.
func BuildCacheKey(p CacheKeyParts) string {
	var b strings.Builder
	b.WriteString(cacheKeyPrefix)
	b.WriteString(NormalizePath(p.SourcePath))

	if p.Derivative != "" {
		fmt.Fprintf(&b, ":derivative=%s", NormalizePath(p.Derivative))
	} else {
		if p.Width != nil {
			fmt.Fprintf(&b, ":w=%d", *p.Width)
		}
		if p.Height != nil {
			fmt.Fprintf(&b, ":h=%d", *p.Height)
		}
	}
	if p.Format != "" {
		fmt.Fprintf(&b, ":f=%s", NormalizePath(p.Format))
	}
	if p.Quality != "" {
		fmt.Fprintf(&b, ":q=%s", NormalizePath(p.Quality))
	}
	if p.Time != "" {
		fmt.Fprintf(&b, ":t=%s", NormalizePath(p.Time))
	}
	if p.Duration != "" {
		fmt.Fprintf(&b, ":d=%s", NormalizePath(p.Duration))
	}
	return b.String()
}

// ParseCacheKey reverses BuildCacheKey. It is lossless for any key produced
// by BuildCacheKey (the round-trip law in spec.md §8), but is not a general
// parser for arbitrary strings — segment values are assumed already
// normalized since normalization is one-directional (non-reversible for
// characters that were already rewritten to '-').
func ParseCacheKey(key string) (CacheKeyParts, error) {
	if !strings.HasPrefix(key, cacheKeyPrefix) {
		return CacheKeyParts{}, fmt.Errorf("cachekey: missing %q prefix", cacheKeyPrefix)
	}
	rest := key[len(cacheKeyPrefix):]
	segments := strings.Split(rest, ":")
	if len(segments) == 0 {
		return CacheKeyParts{}, fmt.Errorf("cachekey: empty key")
	}

	parts := CacheKeyParts{SourcePath: segments[0]}
	for _, seg := range segments[1:] {
		name, val, ok := strings.Cut(seg, "=")
		if !ok {
			return CacheKeyParts{}, fmt.Errorf("cachekey: malformed segment %q", seg)
		}
		switch name {
		case "derivative":
			parts.Derivative = val
		case "w":
			n, err := strconv.Atoi(val)
			if err != nil {
				return CacheKeyParts{}, fmt.Errorf("cachekey: bad width %q: %w", val, err)
			}
			parts.Width = &n
		case "h":
			n, err := strconv.Atoi(val)
			if err != nil {
				return CacheKeyParts{}, fmt.Errorf("cachekey: bad height %q: %w", val, err)
			}
			parts.Height = &n
		case "f":
			parts.Format = val
		case "q":
			parts.Quality = val
		case "t":
			parts.Time = val
		case "d":
			parts.Duration = val
		default:
			return CacheKeyParts{}, fmt.Errorf("cachekey: unknown segment %q", name)
		}
	}
	return parts, nil
}

// CacheKeyFromOptions builds CacheKeyParts from a resolved sourcePath and
// TransformOptions, following the derivative-suppresses-dimensions rule.
func CacheKeyFromOptions(sourcePath string, opts TransformOptions) CacheKeyParts {
	parts := CacheKeyParts{
		SourcePath: sourcePath,
		Derivative: opts.Derivative,
		Format:     opts.Format,
		Quality:    opts.Quality,
		Time:       opts.Time,
		Duration:   opts.Duration,
	}
	if opts.Derivative == "" {
		parts.Width = opts.Width
		parts.Height = opts.Height
	}
	return parts
}

// ChunkKey returns the KV key for chunk index i of a chunked cache entry
// stored under base.
func ChunkKey(base string, index int) string {
	return fmt.Sprintf("%s:chunk=%d", base, index)
}
