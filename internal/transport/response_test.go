package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/escalate/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewNotFoundError("escalation not found"), 404},
		{model.NewConflictError("already resolved"), 409},
		{model.NewScanInProgressError(), 409},
		{model.NewValidationError(nil), 422},
		{model.NewEscalationError("no target for level %d", 2), 422},
		{model.NewBadRequestError("bad"), 400},
		{model.NewUnauthorizedError("no token"), 401},
		{&model.ErrorEnvelope{Code: "SOMETHING_NEW"}, 500},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("WriteError(%v) status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewValidationError([]model.FieldError{
		{Field: "rule.name", Code: "REQUIRED", Message: "name is required"},
	}))

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", resp.Error.Code)
	}
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "rule.name" {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("create escalation rule: %w", model.NewConflictError("rule exists")))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for wrapped CONFLICT", w.Code)
	}
}

func TestWriteError_nonEnvelopeHidesMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("pq: connection reset by peer"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection reset") {
		t.Errorf("internal error message leaked: %s", w.Body.String())
	}
}

func TestDecodeBody(t *testing.T) {
	var dst struct {
		Method string `json:"method"`
	}

	r := httptest.NewRequest("POST", "/", strings.NewReader(""))
	if err := decodeBody(r, &dst); err != nil {
		t.Errorf("empty body: %v", err)
	}

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"method":"manual"}`))
	if err := decodeBody(r, &dst); err != nil || dst.Method != "manual" {
		t.Errorf("decode = %v, %q", err, dst.Method)
	}

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"method":`))
	if err := decodeBody(r, &dst); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("malformed body error = %v, want BAD_REQUEST", err)
	}
}
