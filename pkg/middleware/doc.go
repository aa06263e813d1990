// Package middleware provides the HTTP middleware chain.
//
// Order matters: authentication resolves the identity from the bearer
// token, organization scoping resolves the tenant boundary for the
// request, rate limiting and quota enforcement come after both so keys
// and limits can be per-identity and per-plan.
//
// Scope resolution rules: platform admins may address any tenant via the
// X-Org-Id header, or none at all for global operations. Everyone else
// is pinned to their own organization; a mismatched header is rejected
// before any handler runs.
package middleware
