package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/keystone-pm/keystone/pkg/contextkeys"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/identity"
)

// SessionResolver resolves a bearer token hash to the identity that owns
// the session. *identity.Store satisfies it.
type SessionResolver interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*identity.Identity, error)
}

// AuthMiddleware authenticates requests from a bearer session token
type AuthMiddleware struct {
	sessions  SessionResolver
	tokens    *identity.TokenGenerator
	blacklist Blacklist
	logger    *logrus.Logger
}

// NewAuthMiddleware creates the authentication middleware
func NewAuthMiddleware(sessions SessionResolver, tokens *identity.TokenGenerator, blacklist Blacklist, logger *logrus.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	if blacklist == nil {
		blacklist = NewMemoryBlacklist()
	}
	return &AuthMiddleware{
		sessions:  sessions,
		tokens:    tokens,
		blacklist: blacklist,
		logger:    logger,
	}
}

// Handler wraps an HTTP handler with bearer-token authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}
		token := parts[1]

		if err := m.tokens.ValidateFormat(token); err != nil {
			httputil.WriteUnauthorized(w, "invalid token")
			return
		}

		tokenHash := m.tokens.Hash(token)

		revoked, err := m.blacklist.IsRevoked(r.Context(), tokenHash)
		if err != nil {
			// Revocation store failures are logged but do not lock
			// everyone out; the session table is still authoritative.
			m.logger.WithError(err).Warn("token blacklist check failed")
		}
		if revoked {
			httputil.WriteUnauthorized(w, "token has been revoked")
			return
		}

		ident, err := m.sessions.GetByTokenHash(r.Context(), tokenHash)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}
		if !ident.IsActive() {
			httputil.WriteUnauthorized(w, "account is not active")
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromRequest retrieves the authenticated identity set by the
// auth middleware. Returns nil when the request is unauthenticated.
func IdentityFromRequest(r *http.Request) *identity.Identity {
	ident, _ := contextkeys.IdentityFrom(r.Context()).(*identity.Identity)
	return ident
}
