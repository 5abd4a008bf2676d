package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_AllUnconfigured(t *testing.T) {
	h := NewHealthChecker(nil, nil, "", nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when no dependency is wired, got %d", rec.Code)
	}
}
