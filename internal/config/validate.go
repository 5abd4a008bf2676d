package config

import (
	"fmt"
	"regexp"

	"github.com/hszk-dev/gostream/internal/domain/model"
)

// ValidationError reports a schema violation with the dotted field path of
// the offending value (SPEC_FULL.md §12: "config validation errors carry a
// field path").
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s", e.Path, e.Message)
}

// Validate enforces the structural invariants from spec.md §4.1:
//   - either video.origins or video.pathPatterns is present
//   - every Origin has a non-empty source list
//   - each Source obeys its type's field invariants
func Validate(doc *Document) error {
	hasOrigins := len(doc.Video.Origins) > 0
	hasPatterns := len(doc.Video.PathPatterns) > 0
	if !hasOrigins && !hasPatterns {
		return &ValidationError{Path: "video", Message: "either origins or pathPatterns must be present"}
	}

	for i := range doc.Video.Origins {
		if err := validateOrigin(i, &doc.Video.Origins[i]); err != nil {
			return err
		}
	}
	for i, p := range doc.Video.PathPatterns {
		if p.Name == "" {
			return &ValidationError{Path: fmt.Sprintf("video.pathPatterns[%d].name", i), Message: "must be non-empty"}
		}
		if _, err := regexp.Compile(p.Matcher); err != nil {
			return &ValidationError{Path: fmt.Sprintf("video.pathPatterns[%d].matcher", i), Message: err.Error()}
		}
	}
	return nil
}

func validateOrigin(i int, o *model.Origin) error {
	path := fmt.Sprintf("video.origins[%d]", i)
	if o.Name == "" {
		return &ValidationError{Path: path + ".name", Message: "must be non-empty"}
	}
	if _, err := regexp.Compile(o.Matcher); err != nil {
		return &ValidationError{Path: path + ".matcher", Message: err.Error()}
	}
	if len(o.Sources) == 0 {
		return &ValidationError{Path: path + ".sources", Message: "must be non-empty"}
	}
	for j := range o.Sources {
		if err := validateSource(fmt.Sprintf("%s.sources[%d]", path, j), &o.Sources[j]); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(path string, s *model.Source) error {
	if !s.Type.Valid() {
		return &ValidationError{Path: path + ".type", Message: fmt.Sprintf("unknown source type %q", s.Type)}
	}
	switch s.Type {
	case model.SourceTypeR2:
		if s.BucketBinding == "" {
			return &ValidationError{Path: path + ".bucketBinding", Message: "required when type=r2"}
		}
	case model.SourceTypeRemote, model.SourceTypeFallback:
		if s.URL == "" {
			return &ValidationError{Path: path + ".url", Message: fmt.Sprintf("required when type=%s", s.Type)}
		}
	}
	if s.Auth != nil && s.Auth.Enabled {
		if err := validateAuth(path+".auth", s.Auth); err != nil {
			return err
		}
	}
	return nil
}

func validateAuth(path string, a *model.Auth) error {
	if !a.Type.Valid() {
		return &ValidationError{Path: path + ".type", Message: fmt.Sprintf("unknown auth type %q", a.Type)}
	}
	switch a.Type {
	case model.AuthTypeAWSS3, model.AuthTypeAWSS3PresignedURL:
		if a.AccessKeyVar == "" || a.SecretKeyVar == "" {
			return &ValidationError{Path: path, Message: "accessKeyVar and secretKeyVar are required for aws-s3 auth"}
		}
	case model.AuthTypeBearer, model.AuthTypeToken:
		if a.TokenVar == "" {
			return &ValidationError{Path: path + ".tokenVar", Message: "required for bearer/token auth"}
		}
	case model.AuthTypeHeader:
		if len(a.Headers) == 0 {
			return &ValidationError{Path: path + ".headers", Message: "required for header auth"}
		}
	case model.AuthTypeQuery:
		if len(a.Params) == 0 {
			return &ValidationError{Path: path + ".params", Message: "required for query auth"}
		}
	}
	return nil
}
