package audit

import (
	"context"
	"database/sql"
	"time"
)

// Decision represents the outcome recorded for an audited action
type Decision string

const (
	// DecisionAllowed records an action that was permitted and executed
	DecisionAllowed Decision = "allowed"
	// DecisionDenied records an action that was refused
	DecisionDenied Decision = "denied"
	// DecisionQueued records an action deferred behind a pending approval
	DecisionQueued Decision = "queued"
)

// Entry represents a single record in the audit trail
type Entry struct {
	ID             int64                  `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	ActorID        string                 `json:"actor_id"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Action         string                 `json:"action"`
	TargetKind     string                 `json:"target_kind,omitempty"`
	TargetID       string                 `json:"target_id,omitempty"`
	Decision       Decision               `json:"decision"`
	RequestID      string                 `json:"request_id,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// Recorder is the interface for durable audit recording. Record must not
// return nil unless the entry has been persisted.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Close() error
}

// TxRecorder is a Recorder that can also write inside a caller's
// transaction, so the entry becomes durable if and only if the
// transaction commits.
type TxRecorder interface {
	Recorder
	RecordTx(ctx context.Context, tx *sql.Tx, entry *Entry) error
}

// SearchFilter narrows a trail query. Zero values mean "any".
type SearchFilter struct {
	ActorID        string
	OrganizationID string
	Action         string
	Decision       Decision
	TargetKind     string
	TargetID       string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// Stats summarizes trail activity over a window
type Stats struct {
	Total      int64              `json:"total"`
	ByDecision map[Decision]int64 `json:"by_decision"`
	ByAction   map[string]int64   `json:"by_action"`
}

// ExportFormat selects the serialization used by Export
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"
)
