// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/keystone-pm/keystone/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, ident)
//	ident := contextkeys.IdentityFrom(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *identity.Identity
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: All protected API endpoints, the authorization guard
	IdentityKey Key = "identity"

	// OrgScopeKey contains the resolved organization ID (string)
	// Set by: middleware.OrgScopeMiddleware (pkg/middleware/org.go)
	// Required by: Org-scoped endpoints; passed explicitly into the guard
	OrgScopeKey Key = "org_scope"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	LoggerKey Key = "logger"
)

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, ident interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, ident)
}

// IdentityFrom retrieves the raw identity value from the context
func IdentityFrom(ctx context.Context) interface{} {
	return ctx.Value(IdentityKey)
}

// WithOrgScope adds the resolved organization scope to the context
func WithOrgScope(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrgScopeKey, orgID)
}

// OrgScopeFrom retrieves the resolved organization scope from the context.
// The second return is false when no scope was resolved (global admin calls).
func OrgScopeFrom(ctx context.Context) (string, bool) {
	orgID, ok := ctx.Value(OrgScopeKey).(string)
	return orgID, ok
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFrom retrieves the request ID from the context
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
