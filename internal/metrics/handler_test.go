package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewOpsMux_ServesRecordedMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAbandonedSignupsDeleted(3)
	c.RecordAuth("login", "success")

	w := httptest.NewRecorder()
	NewOpsMux(reg, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{
		"bandstand_abandoned_signups_deleted_total 3",
		`bandstand_auth_operations_total{operation="login",outcome="success"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewOpsMux_Health(t *testing.T) {
	reg := prometheus.NewRegistry()
	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	w := httptest.NewRecorder()
	NewOpsMux(reg, health).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want health handler's %d", w.Code, http.StatusServiceUnavailable)
	}

	w = httptest.NewRecorder()
	NewOpsMux(reg, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status without health handler = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNewOpsMux_RejectsOtherMethodsAndPaths(t *testing.T) {
	mux := NewOpsMux(prometheus.NewRegistry(), nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /metrics status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /api/me status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
