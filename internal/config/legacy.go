package config

import (
	"github.com/hszk-dev/gostream/internal/domain/model"
)

// synthesizeOrigins deterministically converts legacy PathPatterns into an
// Origin list using the global StorageDefaults section, per spec.md §4.1:
// "Legacy path patterns ... are deterministically converted to a
// synthesized Origin list ... The conversion is one-shot, at load time."
//
// Conversion only runs when doc.Video.Origins is empty; if an operator has
// already migrated to origins, pathPatterns (if still present) is ignored
// for routing purposes but still round-trips losslessly through the
// Document.
func synthesizeOrigins(doc *Document) []model.Origin {
	if len(doc.Video.Origins) > 0 {
		return doc.Video.Origins
	}

	storage := doc.Video.Storage
	origins := make([]model.Origin, 0, len(doc.Video.PathPatterns))
	for _, p := range doc.Video.PathPatterns {
		sources := synthesizeSources(storage)
		origins = append(origins, model.Origin{
			Name:             p.Name,
			Matcher:          p.Matcher,
			Sources:          sources,
			TransformOptions: p.TransformationOverrides,
		})
	}
	return origins
}

// synthesizeSources builds the ordered Source list a legacy PathPattern
// gets, from the global storage defaults: r2 first (priority 0), then
// remote (priority 1), then fallback (priority 2) — whichever are
// configured.
func synthesizeSources(storage StorageDefaults) []model.Source {
	var sources []model.Source
	declIdx := 0

	add := func(s model.Source) {
		s.SetDeclOrder(declIdx)
		declIdx++
		sources = append(sources, s)
	}

	if storage.R2BucketBinding != "" {
		add(model.Source{
			Type:          model.SourceTypeR2,
			Priority:      0,
			Path:          "${0}",
			BucketBinding: storage.R2BucketBinding,
		})
	}
	if storage.RemoteURL != "" {
		auth := storage.Auth
		add(model.Source{
			Type:     model.SourceTypeRemote,
			Priority: 1,
			Path:     "${0}",
			URL:      storage.RemoteURL,
			Auth:     authPtrOrNil(auth),
		})
	}
	if storage.FallbackURL != "" {
		add(model.Source{
			Type:     model.SourceTypeFallback,
			Priority: 2,
			Path:     "${0}",
			URL:      storage.FallbackURL,
		})
	}
	return sources
}

func authPtrOrNil(a model.Auth) *model.Auth {
	if a.Type == "" {
		return nil
	}
	cp := a
	return &cp
}
