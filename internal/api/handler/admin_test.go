package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hszk-dev/gostream/internal/config"
	"github.com/hszk-dev/gostream/internal/domain/repository"
)

type fakeAuditLog struct {
	recorded []repository.ConfigAuditEntry
}

func (f *fakeAuditLog) Record(ctx context.Context, entry repository.ConfigAuditEntry) error {
	f.recorded = append(f.recorded, entry)
	return nil
}

func (f *fakeAuditLog) GetByVersion(ctx context.Context, version int) (*repository.ConfigAuditEntry, error) {
	return nil, repository.ErrAuditEntryNotFound
}

func (f *fakeAuditLog) ListRecent(ctx context.Context, limit int) ([]repository.ConfigAuditEntry, error) {
	return f.recorded, nil
}

type fakePublisher struct {
	published []repository.InvalidationMessage
}

func (f *fakePublisher) PublishInvalidation(ctx context.Context, msg repository.InvalidationMessage) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) ConsumeInvalidations(ctx context.Context, handler func(repository.InvalidationMessage) error) error {
	return nil
}

const adminTestDocDisabled = `{"video":{"pathPatterns":[{"name":"x","matcher":"^/x"}]},"debug":{"enabled":false}}`
const adminTestDocEnabled = `{"video":{"pathPatterns":[{"name":"x","matcher":"^/x"}]},"debug":{"enabled":true}}`

func TestAdminHandler_ListCacheVariants_DisabledByDefault(t *testing.T) {
	store := config.NewStore()
	if _, err := store.Load([]byte(adminTestDocDisabled), 1); err != nil {
		t.Fatalf("load test config: %v", err)
	}
	h := NewAdminHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/cache/variants?path=/videos/test.mp4", nil)
	rec := httptest.NewRecorder()
	h.ListCacheVariants(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when debug is disabled, got %d", rec.Code)
	}
}

func TestAdminHandler_ListCacheVariants_MissingPath(t *testing.T) {
	store := config.NewStore()
	if _, err := store.Load([]byte(adminTestDocEnabled), 1); err != nil {
		t.Fatalf("load test config: %v", err)
	}
	h := NewAdminHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/cache/variants", nil)
	rec := httptest.NewRecorder()
	h.ListCacheVariants(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when path is missing, got %d", rec.Code)
	}
}

func TestAdminHandler_UpdateConfig_RecordsAuditAndPublishes(t *testing.T) {
	store := config.NewStore()
	if _, err := store.Load([]byte(adminTestDocEnabled), 1); err != nil {
		t.Fatalf("load test config: %v", err)
	}
	audit := &fakeAuditLog{}
	pub := &fakePublisher{}
	h := NewAdminHandler(store, nil)
	h.AuditLog = audit
	h.Publisher = pub
	h.Clock = func() time.Time { return time.Unix(1000, 0) }

	body := `{"cache":{"method":"kv","sizeLimitBytes":1048576}}`
	req := httptest.NewRequest(http.MethodPost, "/admin/config/update", strings.NewReader(body))
	req.Header.Set("X-Actor", "operator@example.com")
	rec := httptest.NewRecorder()
	h.UpdateConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(audit.recorded) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.recorded))
	}
	if audit.recorded[0].Summary != "cache" {
		t.Errorf("expected summary %q, got %q", "cache", audit.recorded[0].Summary)
	}
	if audit.recorded[0].Actor != "operator@example.com" {
		t.Errorf("expected actor to be recorded, got %q", audit.recorded[0].Actor)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one invalidation publish, got %d", len(pub.published))
	}
	if pub.published[0].Reason != "config_update:cache" {
		t.Errorf("unexpected invalidation reason %q", pub.published[0].Reason)
	}
}

func TestAdminHandler_UpdateConfig_DisabledByDefault(t *testing.T) {
	store := config.NewStore()
	if _, err := store.Load([]byte(adminTestDocDisabled), 1); err != nil {
		t.Fatalf("load test config: %v", err)
	}
	h := NewAdminHandler(store, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/config/update", strings.NewReader(`{"cache":{}}`))
	rec := httptest.NewRecorder()
	h.UpdateConfig(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when debug is disabled, got %d", rec.Code)
	}
}
