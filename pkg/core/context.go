package core

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type requesterKey struct{}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id if present.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureRequestID ensures a request id exists in the context.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id, ok := RequestID(ctx); ok {
		return ctx, id
	}
	id := NewRequestID()
	return WithRequestID(ctx, id), id
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}

// WithRequester records who issued the command.
func WithRequester(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, requesterKey{}, who)
}

// Requester returns the requester recorded in ctx, or def.
func Requester(ctx context.Context, def string) string {
	if who, ok := ctx.Value(requesterKey{}).(string); ok && who != "" {
		return who
	}
	return def
}

type routingKey struct{}

// Routing carries the hints that steer provider selection for a command.
type Routing struct {
	Sensitive       bool
	RequiresPrivacy bool
	Capability      string // e.g. "vision"; empty means any provider
}

// WithRouting attaches routing hints to the context.
func WithRouting(ctx context.Context, r Routing) context.Context {
	return context.WithValue(ctx, routingKey{}, r)
}

// WithSensitive marks the command as sensitive so it stays on a local provider.
func WithSensitive(ctx context.Context) context.Context {
	r := RoutingFrom(ctx)
	r.Sensitive = true
	return WithRouting(ctx, r)
}

// WithRequiredCapability asks for a provider that advertises capability.
func WithRequiredCapability(ctx context.Context, capability string) context.Context {
	r := RoutingFrom(ctx)
	r.Capability = capability
	return WithRouting(ctx, r)
}

// RoutingFrom returns the routing hints in ctx. The zero value means none.
func RoutingFrom(ctx context.Context) Routing {
	r, _ := ctx.Value(routingKey{}).(Routing)
	return r
}
