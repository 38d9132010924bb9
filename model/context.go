package model

import (
	"context"
	"slices"
)

// RequestContext identifies the caller of an admin API request. It is
// immutable after construction.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// HasRole returns true if the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Actor names the caller for audit logs. Background work has no request
// context and is reported as "system".
func (rc *RequestContext) Actor() string {
	if rc == nil || rc.SubjectID == "" {
		return "system"
	}
	return rc.SubjectID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
