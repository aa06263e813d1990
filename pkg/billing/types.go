package billing

import "time"

// Plan is a subscription tier
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPremium  Plan = "premium"
)

// IsValid reports whether p is a known plan
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanStandard, PlanPremium:
		return true
	}
	return false
}

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription represents an organization's subscription
type Subscription struct {
	ID                 string             `json:"id"`
	OrganizationID     string             `json:"organization_id"`
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Usable reports whether the subscription grants access
func (s *Subscription) Usable() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}

// PlanLimits defines the hard quotas a plan grants
type PlanLimits struct {
	Plan                Plan  `json:"plan"`
	MaxProperties       int   `json:"max_properties"`
	MaxMembers          int   `json:"max_members"`
	APIRequestsPerMonth int64 `json:"api_requests_per_month"`
	AuditRetentionDays  int   `json:"audit_retention_days"`
	BasePriceCents      int64 `json:"base_price_cents"`
}

// LimitsFor returns the quota set granted by a plan. Unknown plans get
// free-tier limits.
func LimitsFor(plan Plan) PlanLimits {
	switch plan {
	case PlanStandard:
		return PlanLimits{
			Plan:                PlanStandard,
			MaxProperties:       25,
			MaxMembers:          10,
			APIRequestsPerMonth: 100_000,
			AuditRetentionDays:  90,
			BasePriceCents:      2900,
		}
	case PlanPremium:
		return PlanLimits{
			Plan:                PlanPremium,
			MaxProperties:       500,
			MaxMembers:          100,
			APIRequestsPerMonth: 1_000_000,
			AuditRetentionDays:  365,
			BasePriceCents:      9900,
		}
	default:
		return PlanLimits{
			Plan:                PlanFree,
			MaxProperties:       2,
			MaxMembers:          3,
			APIRequestsPerMonth: 10_000,
			AuditRetentionDays:  30,
			BasePriceCents:      0,
		}
	}
}
