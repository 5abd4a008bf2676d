package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hszk-dev/gostream/internal/config"
	"github.com/hszk-dev/gostream/internal/domain/repository"
	"github.com/hszk-dev/gostream/internal/kvcache"
)

// AdminHandler exposes the diagnostic and config-management endpoints
// SPEC_FULL.md §12 calls for: cache variant listing (gated behind the
// configuration document's debug flag so it never runs unintentionally in
// production) and the Configuration Store (C1) Update path, which records
// an audit entry and broadcasts a cache invalidation to sibling instances.
// AuditLog and Publisher may be left nil: UpdateConfig then degrades to
// applying the patch without a durable trail or cross-instance broadcast.
type AdminHandler struct {
	Store     *config.Store
	Cache     *kvcache.Cache
	AuditLog  repository.ConfigAuditLog
	Publisher repository.InvalidationBus
	Clock     func() time.Time
}

// NewAdminHandler creates an AdminHandler with cache-listing support.
// Set AuditLog/Publisher/Clock directly on the returned handler to enable
// UpdateConfig's audit trail and invalidation broadcast.
func NewAdminHandler(store *config.Store, cache *kvcache.Cache) *AdminHandler {
	return &AdminHandler{Store: store, Cache: cache}
}

func (h *AdminHandler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// ListCacheVariants handles GET /admin/cache/variants?path=...
func (h *AdminHandler) ListCacheVariants(w http.ResponseWriter, r *http.Request) {
	snap := h.Store.Snapshot()
	if snap == nil || !snap.Doc.Debug.Enabled {
		Error(w, http.StatusNotFound, "not_found", "admin endpoints are disabled")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, "invalid_request", "path query parameter is required")
		return
	}

	variants, err := h.Cache.List(r.Context(), path)
	if err != nil {
		Error(w, http.StatusInternalServerError, "cache_list_failed", err.Error())
		return
	}

	JSON(w, http.StatusOK, variants)
}

// configPatchSections is the set of top-level keys a config.Store.Update
// patch may carry, used only to build the audit log's human-readable
// summary of what changed.
type configPatchSections struct {
	Video   json.RawMessage `json:"video,omitempty"`
	Cache   json.RawMessage `json:"cache,omitempty"`
	Logging json.RawMessage `json:"logging,omitempty"`
	Debug   json.RawMessage `json:"debug,omitempty"`
}

// UpdateConfig handles POST /admin/config/update: a section-wise patch to
// the live configuration document (config.Store.Update), recorded in the
// audit log and broadcast to sibling instances (spec.md §5: "config
// Update must propagate to every running instance, not just one
// consumer"). Gated by the same debug flag as ListCacheVariants.
func (h *AdminHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.Store.Snapshot()
	if snap == nil || !snap.Doc.Debug.Enabled {
		Error(w, http.StatusNotFound, "not_found", "admin endpoints are disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	next, err := h.Store.Update(body)
	if err != nil {
		Error(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	summary := patchSummary(body)
	entry := repository.ConfigAuditEntry{
		CacheVersion: next.CacheVersion(),
		Summary:      summary,
		Actor:        r.Header.Get("X-Actor"),
		AppliedAt:    h.now(),
	}
	if h.AuditLog != nil {
		if err := h.AuditLog.Record(r.Context(), entry); err != nil {
			Error(w, http.StatusInternalServerError, "audit_record_failed", err.Error())
			return
		}
	}
	if h.Publisher != nil {
		msg := repository.InvalidationMessage{
			CacheVersion: next.CacheVersion(),
			Reason:       "config_update:" + summary,
			IssuedAt:     h.now(),
		}
		if err := h.Publisher.PublishInvalidation(r.Context(), msg); err != nil {
			Error(w, http.StatusInternalServerError, "invalidation_publish_failed", err.Error())
			return
		}
	}

	JSON(w, http.StatusOK, entry)
}

// patchSummary lists which top-level sections a raw Update payload touched,
// in stable alphabetical order, e.g. "cache,video".
func patchSummary(body []byte) string {
	var patch configPatchSections
	if err := json.Unmarshal(body, &patch); err != nil {
		return ""
	}
	var sections []string
	if patch.Video != nil {
		sections = append(sections, "video")
	}
	if patch.Cache != nil {
		sections = append(sections, "cache")
	}
	if patch.Logging != nil {
		sections = append(sections, "logging")
	}
	if patch.Debug != nil {
		sections = append(sections, "debug")
	}
	sort.Strings(sections)
	return strings.Join(sections, ",")
}
