package model

import (
	"context"
	"testing"
)

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{
		Roles: []string{"admin", "escalation-operator"},
	}
	if !rc.HasRole("admin") {
		t.Error("HasRole(admin) = false, want true")
	}
	if rc.HasRole("viewer") {
		t.Error("HasRole(viewer) = true, want false")
	}
}

func TestRequestContext_Actor(t *testing.T) {
	var nilCtx *RequestContext
	if got := nilCtx.Actor(); got != "system" {
		t.Errorf("nil Actor() = %q, want system", got)
	}
	if got := (&RequestContext{}).Actor(); got != "system" {
		t.Errorf("empty Actor() = %q, want system", got)
	}
	if got := (&RequestContext{SubjectID: "u-1"}).Actor(); got != "u-1" {
		t.Errorf("Actor() = %q, want u-1", got)
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "u-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
