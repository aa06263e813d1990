// Package notify fans out domain events to interested channels.
//
// Events are emitted on approval lifecycle transitions and invitation
// activity. Notifiers are best-effort: a failed delivery is logged and
// never blocks the operation that produced the event.
package notify
