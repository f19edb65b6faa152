package model

import (
	"context"
	"time"
)

// EnforcementContext carries the per-request facts ConstraintEnforcer and
// OversightGate need to judge a single call against a validated token's
// capabilities. Unlike the teacher's RequestContext (subject/tenant/roles
// resolved ahead of time), AAP's identity comes entirely from the token
// payload already attached to ctx — EnforcementContext only adds what the
// payload itself cannot know: which action is being attempted, against
// which method/URL/body size, and when.
type EnforcementContext struct {
	Action        string
	Method        string
	ContentLength int64
	TargetURL     string
	JTI           string
	Now           time.Time
}

type payloadContextKey struct{}

// WithTokenPayload attaches a validated TokenPayload to ctx.
func WithTokenPayload(ctx context.Context, payload *TokenPayload) context.Context {
	return context.WithValue(ctx, payloadContextKey{}, payload)
}

// TokenPayloadFrom extracts the validated TokenPayload from ctx, or nil if
// none is present.
func TokenPayloadFrom(ctx context.Context) *TokenPayload {
	payload, _ := ctx.Value(payloadContextKey{}).(*TokenPayload)
	return payload
}

// MustTokenPayload extracts the validated TokenPayload from ctx, panicking
// if absent. Safe to call from handlers that are guaranteed to run behind
// the authorize middleware.
func MustTokenPayload(ctx context.Context) *TokenPayload {
	payload := TokenPayloadFrom(ctx)
	if payload == nil {
		panic("model: TokenPayload not found in context")
	}
	return payload
}
