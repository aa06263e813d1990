package middleware

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/orgs"
)

// PlanLimiter resolves an organization's plan limits; the billing
// service satisfies it.
type PlanLimiter interface {
	LimitsFor(ctx context.Context, organizationID string) (billing.PlanLimits, error)
}

// UsageMeter tracks per-period consumption; *orgs.PostgresService
// satisfies it.
type UsageMeter interface {
	GetUsage(ctx context.Context, organizationID string) (*orgs.Usage, error)
	IncrementAPIRequests(ctx context.Context, organizationID string, n int64) error
}

// QuotaMiddleware enforces the monthly API request allowance granted by
// the organization's plan. Requests in global scope are not metered.
type QuotaMiddleware struct {
	plans  PlanLimiter
	usage  UsageMeter
	logger *logrus.Logger
}

// NewQuotaMiddleware creates the quota enforcement middleware
func NewQuotaMiddleware(plans PlanLimiter, usage UsageMeter, logger *logrus.Logger) *QuotaMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &QuotaMiddleware{plans: plans, usage: usage, logger: logger}
}

// Handler wraps an HTTP handler with plan quota enforcement
func (m *QuotaMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := ScopeFromRequest(r)
		if !ok || scope == authz.GlobalScope {
			next.ServeHTTP(w, r)
			return
		}

		limits, err := m.plans.LimitsFor(r.Context(), scope)
		if err != nil {
			// Metering failures never block traffic
			m.logger.WithError(err).Warn("failed to resolve plan limits")
			next.ServeHTTP(w, r)
			return
		}

		usage, err := m.usage.GetUsage(r.Context(), scope)
		if err == nil && usage.APIRequests >= limits.APIRequestsPerMonth {
			httputil.WriteTooManyRequests(w, "monthly API request quota exceeded")
			return
		}

		if err := m.usage.IncrementAPIRequests(r.Context(), scope, 1); err != nil {
			m.logger.WithError(err).Warn("failed to record API usage")
		}

		next.ServeHTTP(w, r)
	})
}
