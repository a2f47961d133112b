// Package identity attaches the acting principal to a processing context.
package identity

import "context"

// Principal is the identity on whose behalf work is performed.
type Principal struct {
	Name   string
	System bool
}

// System is the principal used by processing workers. Events at this layer
// are not attributable to a user.
var System = Principal{Name: "system", System: true}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached to ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// IsSystem reports whether ctx carries the system principal.
func IsSystem(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	return ok && p.System
}
