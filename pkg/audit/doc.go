// Package audit records authorization and approval decisions to an
// append-only trail. Every guard verdict and every approval decision
// produces exactly one entry, and the write must be durable before the
// triggering request is acknowledged: callers treat a failed audit write
// as a failure of the operation itself, not as a loggable inconvenience.
//
// Entries are never updated or deleted by request handling; retention is
// an operational concern handled by the janitor's purge job.
package audit
