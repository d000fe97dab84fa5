package telemetry

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMux_Healthz(t *testing.T) {
	tests := []struct {
		name     string
		healthy  func() bool
		expected int
	}{
		{"healthy", func() bool { return true }, http.StatusOK},
		{"unhealthy", func() bool { return false }, http.StatusServiceUnavailable},
		{"no health func", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewMux(tt.healthy, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}

func TestNewMux_Metrics(t *testing.T) {
	TasksClaimed.Inc()

	rec := httptest.NewRecorder()
	NewMux(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dmn_worker_tasks_claimed_total") {
		t.Error("metrics output should contain worker counters")
	}
}

func TestRecovery(t *testing.T) {
	h := recovery(slog.Default(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
