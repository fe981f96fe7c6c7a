package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthEndpoint(t *testing.T) {
	running := false
	srv := NewServer("127.0.0.1:0", func() bool { return running }, zerolog.Nop())

	get := func(path string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health while stopped = %d, want 503", rec.Code)
	}

	running = true
	if rec := get("/health"); rec.Code != http.StatusOK {
		t.Errorf("/health while running = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	SessionsStarted.WithLabelValues("4to6").Inc()

	srv := NewServer("127.0.0.1:0", nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `kguard_sessions_started_total{age_group="4to6"}`) {
		t.Error("sessions started counter missing from exposition")
	}
}
