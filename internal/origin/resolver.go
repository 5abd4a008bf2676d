// Package origin implements the Origin Resolver (C2, spec.md §4.2): given a
// request path, it finds the first Origin whose matcher matches and returns
// the ordered, eligibility-filtered Source list a caller should trial.
package origin

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
)

// BucketBinder reports whether a named bucket binding is live, i.e. backed
// by a configured object-storage client. r2-type Sources are only eligible
// when their bucketBinding resolves through this (spec.md §4.2: "r2
// requires a live bucket binding").
type BucketBinder interface {
	HasBucket(binding string) bool
}

// Resolver resolves request paths to an Origin and its eligible Sources.
type Resolver struct {
	buckets BucketBinder
}

// New creates a Resolver. buckets reports which bucketBinding names are
// actually wired to a storage client; pass nil to treat every binding as
// eligible (useful in tests that don't exercise r2 sources).
func New(buckets BucketBinder) *Resolver {
	return &Resolver{buckets: buckets}
}

// Resolved is the Resolve output: the winning Origin and its ordered,
// eligible Sources with concrete (substituted) paths.
type Resolved struct {
	Origin  model.Origin
	Sources []ResolvedSource
}

// ResolvedSource pairs a Source with its path-substituted concrete path.
type ResolvedSource struct {
	model.Source
	ConcretePath string
}

// Resolve runs the spec.md §4.2 algorithm: first-match-wins over Origins in
// declaration order, capture-group substitution, eligibility filtering,
// priority-then-declaration-order sort. origins is a config snapshot's
// already-compiled Origin list (internal/config.Snapshot.Origins).
func (r *Resolver) Resolve(origins []model.Origin, path string) (*Resolved, error) {
	for i := range origins {
		o := &origins[i]
		re := o.Regexp()
		if re == nil {
			continue
		}
		m := re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		groups := captureGroups(re, m)

		eligible := make([]ResolvedSource, 0, len(o.Sources))
		for _, src := range o.Sources {
			if !r.eligible(src) {
				continue
			}
			eligible = append(eligible, ResolvedSource{
				Source:       src,
				ConcretePath: substitute(src.Path, groups),
			})
		}
		if len(eligible) == 0 {
			return nil, apperr.ErrNoEligibleSources
		}

		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].Priority != eligible[j].Priority {
				return eligible[i].Priority < eligible[j].Priority
			}
			return eligible[i].DeclOrder() < eligible[j].DeclOrder()
		})

		return &Resolved{Origin: *o, Sources: eligible}, nil
	}
	return nil, apperr.ErrNoMatchingOrigin
}

func (r *Resolver) eligible(s model.Source) bool {
	switch s.Type {
	case model.SourceTypeR2:
		if s.BucketBinding == "" {
			return false
		}
		if r.buckets == nil {
			return true
		}
		return r.buckets.HasBucket(s.BucketBinding)
	case model.SourceTypeRemote, model.SourceTypeFallback:
		return s.URL != ""
	default:
		return false
	}
}

// captureGroups maps ${0}, ${n}, ${name} placeholders to their matched
// values. ${0} is always the full match (spec.md §4.2 edge case: "empty
// capture groups use the full match").
func captureGroups(re *regexp.Regexp, m []string) map[string]string {
	groups := make(map[string]string, len(m)+1)
	groups["0"] = m[0]
	for i := 1; i < len(m); i++ {
		groups[strconv.Itoa(i)] = m[i]
	}
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(m) {
			continue
		}
		groups[name] = m[i]
	}
	return groups
}

var placeholderRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// substitute replaces ${0}/${n}/${name} placeholders in a Source's path
// template with their captured values. An unknown or empty placeholder
// resolves to the full match (groups["0"]).
func substitute(pathTemplate string, groups map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(pathTemplate, func(token string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(token, "${"), "}")
		if v, ok := groups[key]; ok {
			return v
		}
		return groups["0"]
	})
}
