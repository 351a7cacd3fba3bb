// Package ctxutil holds the context keys shared by the HTTP server and the
// MCP server. The server mounts the MCP handler and the MCP tools read the
// caller's claims, so neither package can own the keys without an import
// cycle.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/tane/internal/auth"
)

type contextKey int

const (
	keyClaims contextKey = iota
	keyRequestID
)

// WithClaims returns a context carrying the caller's token claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext returns the caller's claims, or nil.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(keyClaims).(*auth.Claims)
	return c
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(keyRequestID).(string)
	return id
}
