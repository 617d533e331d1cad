package lifecycle

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// DefaultSessionLocalsKey is where session middleware stores claims on the fiber context
const DefaultSessionLocalsKey = "session"

var claimsCtxKey = &contextKey{"session_claims"}

type contextKey struct {
	name string
}

// WithSessionClaims sets the session claims in the given context
func WithSessionClaims(ctx context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// SessionClaimsFromContext extracts the session claims from the standard context
func SessionClaimsFromContext(ctx context.Context) (*SessionClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	raw, ok := ctx.Value(claimsCtxKey).(*SessionClaims)
	return raw, ok && raw != nil
}

// SessionClaimsFromLocals extracts the session claims from the fiber locals
func SessionClaimsFromLocals(c *fiber.Ctx, key string) (*SessionClaims, bool) {
	if key == "" {
		key = DefaultSessionLocalsKey
	}
	raw, ok := c.Locals(key).(*SessionClaims)
	return raw, ok && raw != nil
}

// requestClaims prefers claims set by middleware, then the standard context.
func requestClaims(c *fiber.Ctx) (*SessionClaims, bool) {
	if claims, ok := SessionClaimsFromLocals(c, ""); ok {
		return claims, true
	}
	return SessionClaimsFromContext(c.UserContext())
}
