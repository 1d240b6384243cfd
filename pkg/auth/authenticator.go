// Package auth authenticates requests to hookwatch's HTTP endpoints.
package auth

import (
	"context"
	"net/http"
)

// Identity is the authenticated caller.
type Identity struct {
	// Subject identifies the caller, e.g. "service:eventbridge".
	Subject string
}

// Authenticator authenticates HTTP requests. Implementations must be safe
// for concurrent use.
type Authenticator interface {
	// AuthenticateRequest returns:
	//   - (*Identity, true, nil): authentication succeeded
	//   - (nil, false, nil): no credentials present
	//   - (nil, false, error): credentials present but invalid
	AuthenticateRequest(r *http.Request) (*Identity, bool, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (*Identity, bool, error)

// AuthenticateRequest implements Authenticator.
func (f AuthenticatorFunc) AuthenticateRequest(r *http.Request) (*Identity, bool, error) {
	return f(r)
}

type contextKey int

const identityKey contextKey = iota

// IdentityFromContext returns the Identity attached by Middleware, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// ContextWithIdentity attaches id to ctx.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}
