package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesExpositionFormat(t *testing.T) {
	m := New()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	m.CacheHitsTotal.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "router_http_requests_total") {
		t.Error("expected router_http_requests_total in exposition output")
	}
	if !strings.Contains(body, "router_cache_hits_total") {
		t.Error("expected router_cache_hits_total in exposition output")
	}
}
