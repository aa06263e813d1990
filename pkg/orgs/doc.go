// Package orgs manages organizations, the tenancy boundary of the
// platform. Every tenant-scoped entity carries an organization ID that
// the authorization guard checks before any policy lookup.
//
// Organizations are owned by a landlord identity, linked to a billing
// subscription, and populated through invitations. Suspension is a status
// flip, never a delete, so audit references stay resolvable.
package orgs
