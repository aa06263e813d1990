// Package authz is the access-control core: a static role/permission
// policy, an organization scope resolver, and the authorization guard that
// every tenant-scoped operation passes through.
//
// The guard's contract is strict. Cross-tenant access is checked before
// policy, so no role table entry can leak data across organizations
// (platform admin roles excepted). Gated actions never execute inline;
// they are parked as pending approval requests and run later by the
// approval engine. And every verdict is recorded to the audit trail before
// it is honored: if the audit write fails, an allow is downgraded to an
// error rather than served unaudited.
package authz
