// ABOUTME: Scope context for carrying the caller identity through request handlers
// ABOUTME: Provides WithScope/ScopeFromContext for propagating scopes via context

package auth

import (
	"context"
)

// scopeContextKey is the key type for storing a Scope in context.Context.
type scopeContextKey struct{}

// WithScope returns a new context with the Scope attached.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext retrieves the Scope from the context. The second result
// is false if none was attached, in which case the default scope is returned.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok {
		return DefaultScope(), false
	}
	return scope, true
}
