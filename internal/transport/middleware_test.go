package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestID_correlationValidation(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"well formed", "corr-42.retry_1", true},
		{"with colon", "scan:2026-10-19", true},
		{"empty", "", false},
		{"log injection", "corr\n{\"level\":\"error\"}", false},
		{"spaces", "corr 42", false},
		{"too long", strings.Repeat("a", maxCorrelationIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			}))
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set(CorrelationIDHeader, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if tt.keep && seen != tt.header {
				t.Errorf("correlation ID = %q, want %q", seen, tt.header)
			}
			if !tt.keep && (seen == tt.header || len(seen) != 36) {
				t.Errorf("correlation ID = %q, want a generated UUID", seen)
			}
			if got := w.Header().Get(CorrelationIDHeader); got != seen {
				t.Errorf("response header = %q, want %q", got, seen)
			}
		})
	}
}

func TestRequestLogging_routeAndLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	r := chi.NewRouter()
	r.Use(RequestLogging(zap.New(core)))
	r.Get("/v1/escalations/{escalationId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/escalations/scan", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/escalations/esc-9", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/escalations/scan", nil))

	entries := logs.FilterMessage("request").All()
	if len(entries) != 2 {
		t.Fatalf("request log entries = %d, want 2", len(entries))
	}
	first := entries[0].ContextMap()
	if first["route"] != "/v1/escalations/{escalationId}" || first["path"] != "/v1/escalations/esc-9" {
		t.Errorf("first entry = %v", first)
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("2xx level = %v, want info", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["status"] != int64(500) {
		t.Errorf("5xx entry = %v %v", entries[1].Level, entries[1].ContextMap())
	}
}

func TestRecovery_hidesPanicValue(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("escalation chain index 7 out of range")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/escalations/scan", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("out of range")) {
		t.Errorf("panic value leaked: %s", w.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic not logged")
	}
}
