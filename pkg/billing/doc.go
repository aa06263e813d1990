// Package billing manages subscription plans for organizations.
//
// Each organization carries at most one subscription. Plans map to hard
// limits (properties, seats, API requests) that the quota middleware
// enforces. Period rollover and cancellation sweeps run from the janitor.
package billing
