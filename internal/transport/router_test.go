package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/escalate/internal/config"
	"github.com/pitabwire/escalate/internal/escalation"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config:  cfg,
		Service: &fakeService{},
		Readiness: observability.ReadinessChecks{
			Store: observability.CheckFunc(func(context.Context) error { return nil }),
		},
	}
}

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}

	deps := testDeps()
	deps.Readiness.Lock = observability.CheckFunc(func(context.Context) error { return errors.New("redis down") })
	w = httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("lock down status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}

	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	w = httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("disabled metrics status = %d, want 404", w.Code)
	}
}

func TestNewRouter_authenticatedRoutes_areRegistered(t *testing.T) {
	// With auth rejecting all requests, every API route answers 401,
	// confirming it is registered and not 404/405.
	rejectAuth := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("rejected"))
		})
	}
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	routes := []struct{ method, path string }{
		{"POST", "/v1/workflow-instances/wi-1/evaluate"},
		{"POST", "/v1/workflows/wf-1/escalation-rules"},
		{"POST", "/v1/escalations/scan"},
		{"GET", "/v1/escalations/statistics"},
		{"POST", "/v1/escalations/esc-1/resolve"},
	}
	for _, rt := range routes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", rt.method, rt.path, w.Code)
		}
	}

	for _, open := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", open, nil))
		if w.Code == http.StatusUnauthorized {
			t.Errorf("GET %s requires auth", open)
		}
	}
}

func TestNewRouter_correlationAndSecurityHeaders(t *testing.T) {
	r := NewRouter(testDeps())

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-Id"); got != "corr-1" {
		t.Errorf("X-Correlation-Id = %q, want corr-1", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("correlation ID not generated")
	}
}

func TestNewRouter_recoversPanics(t *testing.T) {
	deps := testDeps()
	deps.Service = &panicService{fakeService: &fakeService{}}
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escalations/statistics", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestNewRouter_wrongMethod(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escalations/scan", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

type panicService struct {
	*fakeService
}

func (panicService) GetEscalationStatistics(context.Context, string) (escalation.Statistics, error) {
	panic("boom")
}
