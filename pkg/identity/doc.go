// Package identity manages platform identities, their roles and lifecycle
// status, and session-token authentication. An identity is either scoped to
// exactly one organization or carries a platform-admin role with global
// scope. Sessions are opaque bearer tokens stored by SHA-256 hash.
package identity
