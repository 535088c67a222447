// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server mounts the MCP surface, and mcp needs the verified identity
// that server's auth middleware populates. Both packages import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/nagare/internal/auth"
)

type contextKey string

const (
	keyIdentity  contextKey = "identity"
	keyRequestID contextKey = "request_id"
)

// WithIdentity returns a new context carrying the verified caller identity.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, identity)
}

// IdentityFromContext extracts the verified identity, or nil in dev mode.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	if v, ok := ctx.Value(keyIdentity).(*auth.Identity); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
