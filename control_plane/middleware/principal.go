package middleware

import (
	"context"
	"fmt"

	"github.com/itskum47/adpilot/control_plane/store"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated operator.
	PrincipalKey ContextKey = "principal"
)

// Principal is the authenticated operator acting on a request.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// IsAdmin reports whether the principal may act on other users' resources.
func (p Principal) IsAdmin() bool {
	return p.Role == store.RoleAdmin
}

// CanAccess reports whether the principal may act on a resource owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin() || p.UserID == ownerID
}

// ScopeUserID returns "" for admins (no owner filter) and the user id otherwise.
func (p Principal) ScopeUserID() string {
	if p.IsAdmin() {
		return ""
	}
	return p.UserID
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipalFromContext safely retrieves the operator from the context.
func GetPrincipalFromContext(ctx context.Context) (Principal, error) {
	val := ctx.Value(PrincipalKey)
	if val == nil {
		return Principal{}, fmt.Errorf("principal not found in context")
	}
	p, ok := val.(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("principal in context has unexpected type")
	}
	return p, nil
}
