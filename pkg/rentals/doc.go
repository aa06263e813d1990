// Package rentals is the managed domain: properties, renters, leases,
// payments, expenses, and maintenance requests, all scoped to one
// organization. The store exposes plain CRUD for guarded handlers and an
// Executor that runs approval-gated mutations inside the approval
// engine's transaction.
//
// "Tenant" here means a renter entity in the domain model, not an
// organization in the multi-tenancy sense.
package rentals
