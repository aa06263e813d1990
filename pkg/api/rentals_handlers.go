package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/rentals"
)

type gatedRequestOptions struct {
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

func (s *Server) writeRentalsErr(w http.ResponseWriter, err error) {
	if errors.Is(err, rentals.ErrNotFound) {
		httputil.WriteCodedError(w, http.StatusNotFound, string(authz.CodeNotFound), "entity not found")
		return
	}
	httputil.WriteInternalError(w, err)
}

// gatedMutation is the shared shape of the approval-gated rental
// mutations: load the target to learn its owning organization, run the
// guard, and apply immediately only when the verdict is an outright
// allow. A deferral has already produced a 202 inside authorize.
func (s *Server) gatedMutation(
	w http.ResponseWriter, r *http.Request,
	resource, targetKind string, payload json.RawMessage,
	targetOrgID, targetID string,
	apply func() error,
) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}

	// Payload-carrying mutations have already consumed the body; plain
	// deletes may carry optional gating metadata.
	var opts gatedRequestOptions
	if payload == nil && r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &opts) {
			return
		}
	}

	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       resource,
		TargetOrgID:    targetOrgID,
		TargetKind:     targetKind,
		TargetID:       targetID,
		Payload:        payload,
		Description:    opts.Description,
		Priority:       opts.Priority,
	}) {
		return
	}
	if err := apply(); err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Properties

func (s *Server) listProperties(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.properties.view",
	}) {
		return
	}
	properties, err := s.rentals.ListProperties(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, properties)
}

func (s *Server) createProperty(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var p rentals.Property
	if !httputil.ParseJSONOrError(w, r, &p) {
		return
	}
	if p.Name == "" || p.Address == "" {
		httputil.WriteBadRequest(w, "name and address are required")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.properties.create",
	}) {
		return
	}
	p.OrganizationID = scope
	if err := s.rentals.CreateProperty(r.Context(), &p); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, &p)
}

func (s *Server) getProperty(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	property, err := s.rentals.GetProperty(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.properties.view",
		TargetOrgID: property.OrganizationID, TargetKind: "property", TargetID: property.ID,
	}) {
		return
	}
	httputil.WriteSuccess(w, property)
}

func (s *Server) updateProperty(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	property, err := s.rentals.GetProperty(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	var updates rentals.Property
	if !httputil.ParseJSONOrError(w, r, &updates) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.properties.update",
		TargetOrgID: property.OrganizationID, TargetKind: "property", TargetID: property.ID,
	}) {
		return
	}
	property.Name = updates.Name
	property.Address = updates.Address
	property.Units = updates.Units
	property.ImageURL = updates.ImageURL
	if err := s.rentals.UpdateProperty(r.Context(), property); err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	httputil.WriteSuccess(w, property)
}

// deleteProperty is approval-gated for landlords: a 202 here means the
// property still exists until an approver confirms.
func (s *Server) deleteProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	property, err := s.rentals.GetProperty(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	s.gatedMutation(w, r, rentals.TypePropertyDelete, "property", nil,
		property.OrganizationID, property.ID, func() error {
			return s.rentals.DeleteProperty(r.Context(), property.OrganizationID, property.ID)
		})
}

// Tenants

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.tenants.view",
	}) {
		return
	}
	tenants, err := s.rentals.ListTenants(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, tenants)
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var tenant rentals.Tenant
	if !httputil.ParseJSONOrError(w, r, &tenant) {
		return
	}
	if tenant.Name == "" || tenant.Email == "" || tenant.PropertyID == "" {
		httputil.WriteBadRequest(w, "name, email, and property_id are required")
		return
	}
	property, err := s.rentals.GetProperty(r.Context(), tenant.PropertyID)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.tenants.create",
		TargetOrgID: property.OrganizationID, TargetKind: "property", TargetID: property.ID,
	}) {
		return
	}
	tenant.OrganizationID = scope
	if err := s.rentals.CreateTenant(r.Context(), &tenant); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, &tenant)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	tenant, err := s.rentals.GetTenant(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.tenants.view",
		TargetOrgID: tenant.OrganizationID, TargetKind: "tenant", TargetID: tenant.ID,
	}) {
		return
	}
	httputil.WriteSuccess(w, tenant)
}

func (s *Server) updateTenant(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	tenant, err := s.rentals.GetTenant(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	var updates rentals.Tenant
	if !httputil.ParseJSONOrError(w, r, &updates) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.tenants.update",
		TargetOrgID: tenant.OrganizationID, TargetKind: "tenant", TargetID: tenant.ID,
	}) {
		return
	}
	tenant.Name = updates.Name
	tenant.Email = updates.Email
	tenant.Phone = updates.Phone
	tenant.Unit = updates.Unit
	if updates.Status != "" {
		tenant.Status = updates.Status
	}
	if err := s.rentals.UpdateTenant(r.Context(), tenant); err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

// deleteTenant is the agent-request, landlord-approve path: agents get a
// 202 and a pending request; landlords and platform admins delete
// immediately.
func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	tenant, err := s.rentals.GetTenant(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	s.gatedMutation(w, r, rentals.TypeTenantDelete, "tenant", nil,
		tenant.OrganizationID, tenant.ID, func() error {
			return s.rentals.DeleteTenant(r.Context(), tenant.OrganizationID, tenant.ID)
		})
}

// Leases

func (s *Server) listLeases(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.leases.view",
	}) {
		return
	}
	leases, err := s.rentals.ListLeases(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, leases)
}

func (s *Server) createLease(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var lease rentals.Lease
	if !httputil.ParseJSONOrError(w, r, &lease) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.leases.create",
	}) {
		return
	}
	lease.OrganizationID = scope
	if err := s.rentals.CreateLease(r.Context(), &lease); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteCreated(w, &lease)
}

func (s *Server) getLease(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	lease, err := s.rentals.GetLease(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.leases.view",
		TargetOrgID: lease.OrganizationID, TargetKind: "lease", TargetID: lease.ID,
	}) {
		return
	}
	httputil.WriteSuccess(w, lease)
}

func (s *Server) terminateLease(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	lease, err := s.rentals.GetLease(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	s.gatedMutation(w, r, rentals.TypeLeaseTerminate, "lease", nil,
		lease.OrganizationID, lease.ID, func() error {
			return s.rentals.TerminateLease(r.Context(), lease.OrganizationID, lease.ID)
		})
}

// Payments

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.payments.view",
	}) {
		return
	}
	payments, err := s.rentals.ListPayments(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, payments)
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var payment rentals.Payment
	if !httputil.ParseJSONOrError(w, r, &payment) {
		return
	}
	if payment.LeaseID == "" || payment.Amount <= 0 {
		httputil.WriteBadRequest(w, "lease_id and a positive amount are required")
		return
	}
	lease, err := s.rentals.GetLease(r.Context(), payment.LeaseID)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.payments.create",
		TargetOrgID: lease.OrganizationID, TargetKind: "lease", TargetID: lease.ID,
	}) {
		return
	}
	payment.OrganizationID = scope
	payment.TenantID = lease.TenantID
	if err := s.rentals.CreatePayment(r.Context(), &payment); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, &payment)
}

// updatePayment corrects an existing payment record. The correction is
// approval-gated: the payload rides on the pending request and is
// applied only when approved.
func (s *Server) updatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	payment, err := s.rentals.GetPayment(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	var correction rentals.PaymentCorrection
	if !httputil.ParseJSONOrError(w, r, &correction) {
		return
	}
	if correction.Amount <= 0 {
		httputil.WriteBadRequest(w, "a positive amount is required")
		return
	}
	payload, err := json.Marshal(correction)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	s.gatedMutation(w, r, rentals.TypePaymentUpdate, "payment", payload,
		payment.OrganizationID, payment.ID, func() error {
			return s.rentals.ApplyPaymentCorrection(r.Context(), payment.OrganizationID, payment.ID, correction)
		})
}

func (s *Server) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	payment, err := s.rentals.GetPayment(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	s.gatedMutation(w, r, rentals.TypePaymentDelete, "payment", nil,
		payment.OrganizationID, payment.ID, func() error {
			return s.rentals.DeletePayment(r.Context(), payment.OrganizationID, payment.ID)
		})
}

// Expenses

func (s *Server) listExpenses(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.expenses.view",
	}) {
		return
	}
	expenses, err := s.rentals.ListExpenses(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, expenses)
}

func (s *Server) createExpense(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var expense rentals.Expense
	if !httputil.ParseJSONOrError(w, r, &expense) {
		return
	}
	if expense.PropertyID == "" || expense.Category == "" || expense.Amount <= 0 {
		httputil.WriteBadRequest(w, "property_id, category, and a positive amount are required")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.expenses.create",
	}) {
		return
	}
	expense.OrganizationID = scope
	if err := s.rentals.CreateExpense(r.Context(), &expense); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, &expense)
}

func (s *Server) deleteExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	expense, err := s.rentals.GetExpense(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	s.gatedMutation(w, r, rentals.TypeExpenseDelete, "expense", nil,
		expense.OrganizationID, expense.ID, func() error {
			return s.rentals.DeleteExpense(r.Context(), expense.OrganizationID, expense.ID)
		})
}

// Maintenance

func (s *Server) listMaintenance(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.maintenance.view",
	}) {
		return
	}
	requests, err := s.rentals.ListMaintenanceRequests(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, requests)
}

func (s *Server) createMaintenance(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var req rentals.MaintenanceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PropertyID == "" || req.Description == "" {
		httputil.WriteBadRequest(w, "property_id and description are required")
		return
	}
	property, err := s.rentals.GetProperty(r.Context(), req.PropertyID)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.maintenance.create",
		TargetOrgID: property.OrganizationID, TargetKind: "property", TargetID: property.ID,
	}) {
		return
	}
	req.OrganizationID = scope
	req.ReportedBy = ident.ID
	if err := s.rentals.CreateMaintenanceRequest(r.Context(), &req); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, &req)
}

func (s *Server) updateMaintenance(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	req, err := s.rentals.GetMaintenanceRequest(r.Context(), id)
	if err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	var updates rentals.MaintenanceRequest
	if !httputil.ParseJSONOrError(w, r, &updates) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "rentals.maintenance.update",
		TargetOrgID: req.OrganizationID, TargetKind: "maintenance_request", TargetID: req.ID,
	}) {
		return
	}
	if updates.Status != "" {
		req.Status = updates.Status
	}
	if updates.Priority != "" {
		req.Priority = updates.Priority
	}
	req.AssignedTo = updates.AssignedTo
	req.Notes = updates.Notes
	if err := s.rentals.UpdateMaintenanceRequest(r.Context(), req); err != nil {
		s.writeRentalsErr(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}
