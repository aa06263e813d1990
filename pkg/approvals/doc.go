// Package approvals implements the four-eyes workflow for gated
// mutations. A gated action is parked as a pending request carrying the
// original payload and the approver roles captured at creation time; an
// eligible second identity later approves or rejects it, exactly once.
//
// The pending -> approved transition and the deferred mutation run in one
// database transaction: if the mutation fails, the request stays pending
// and the approval is not spent. Concurrent decisions on the same request
// are serialized by a conditional update on the status column, so exactly
// one wins and the loser observes AlreadyDecided.
package approvals
