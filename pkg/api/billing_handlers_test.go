package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/identity"
)

func TestGetBilling_UnsubscribedDefaultsToFree(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	rr := f.do(t, "GET", "/v1/billing", "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp billingResponse
	decodeBody(t, rr, &resp)
	assert.Nil(t, resp.Subscription)
	assert.Equal(t, billing.PlanFree, resp.Plan)
	assert.Equal(t, billing.LimitsFor(billing.PlanFree), resp.Limits)
}

func TestGetBilling_ActiveSubscription(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)
	_, err := f.billingSvc.CreateSubscription(context.Background(), orgAlpha, billing.PlanPremium, 0)
	require.NoError(t, err)

	rr := f.do(t, "GET", "/v1/billing", "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp billingResponse
	decodeBody(t, rr, &resp)
	require.NotNil(t, resp.Subscription)
	assert.Equal(t, billing.PlanPremium, resp.Plan)
	assert.Equal(t, billing.LimitsFor(billing.PlanPremium), resp.Limits)
}

func TestGetBilling_AgentDenied(t *testing.T) {
	f := newFixture(t)
	f.addActor("agent-token", identity.RoleAgent, orgAlpha)

	rr := f.do(t, "GET", "/v1/billing", "agent-token", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(authz.CodeRoleNotPermitted), errorCode(t, rr))
}

func TestUpdateBilling_CreatesSubscription(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	rr := f.do(t, "PUT", "/v1/billing", "landlord-token", map[string]interface{}{
		"plan":       "standard",
		"trial_days": 14,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var sub billing.Subscription
	decodeBody(t, rr, &sub)
	assert.Equal(t, billing.PlanStandard, sub.Plan)
	assert.Equal(t, billing.SubscriptionTrialing, sub.Status)
	require.NotNil(t, sub.TrialEnd)
}

func TestUpdateBilling_ChangesPlan(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)
	_, err := f.billingSvc.CreateSubscription(context.Background(), orgAlpha, billing.PlanStandard, 0)
	require.NoError(t, err)

	rr := f.do(t, "PUT", "/v1/billing", "landlord-token", map[string]interface{}{
		"plan": "premium",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var sub billing.Subscription
	decodeBody(t, rr, &sub)
	assert.Equal(t, billing.PlanPremium, sub.Plan)
}

func TestUpdateBilling_UnknownPlan(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	rr := f.do(t, "PUT", "/v1/billing", "landlord-token", map[string]interface{}{
		"plan": "platinum",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelBilling(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)
	_, err := f.billingSvc.CreateSubscription(context.Background(), orgAlpha, billing.PlanStandard, 0)
	require.NoError(t, err)

	rr := f.do(t, "POST", "/v1/billing/cancel", "landlord-token", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	sub, err := f.billingSvc.GetSubscription(context.Background(), orgAlpha)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, billing.SubscriptionActive, sub.Status, "cancel at period end keeps access until the period rolls")
}

func TestCancelBilling_Immediately(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)
	_, err := f.billingSvc.CreateSubscription(context.Background(), orgAlpha, billing.PlanStandard, 0)
	require.NoError(t, err)

	rr := f.do(t, "POST", "/v1/billing/cancel?immediately=true", "landlord-token", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	sub, err := f.billingSvc.GetSubscription(context.Background(), orgAlpha)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionCanceled, sub.Status)
}

func TestReactivateBilling(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)
	_, err := f.billingSvc.CreateSubscription(context.Background(), orgAlpha, billing.PlanStandard, 0)
	require.NoError(t, err)
	require.NoError(t, f.billingSvc.CancelSubscription(context.Background(), orgAlpha, false))

	rr := f.do(t, "POST", "/v1/billing/reactivate", "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var sub billing.Subscription
	decodeBody(t, rr, &sub)
	assert.False(t, sub.CancelAtPeriodEnd)
}
