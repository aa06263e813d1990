// Package api exposes the HTTP surface of the service.
//
// Every state-changing route runs through the authorization guard after
// scope resolution. Guard verdicts map onto HTTP uniformly: allows fall
// through to the handler body, denies become 4xx responses carrying a
// machine-readable code, and deferred actions return 202 Accepted with
// the pending approval request ID. A 202 is not success; the mutation
// has not happened and will not happen until an eligible approver acts.
package api
