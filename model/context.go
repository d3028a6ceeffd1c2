package model

import (
	"context"
	"time"
)

// RequestContext identifies who is acting on a request. Authentication
// happens upstream; the gateway forwards the actor as headers.
type RequestContext struct {
	ActorID       string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// ActorID returns the acting user recorded on ctx, or "" when the call did
// not come through the API (sweeps, CLI).
func ActorID(ctx context.Context) string {
	if rc := RequestContextFrom(ctx); rc != nil {
		return rc.ActorID
	}
	return ""
}

type contextKey struct{}
type requestTimeKey struct{}

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

// WithRequestTime pins the instant a request is evaluated at. Everything
// downstream treats it as "now".
func WithRequestTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// RequestTime returns the pinned request time and whether one was set.
func RequestTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(requestTimeKey{}).(time.Time)
	return t, ok
}
