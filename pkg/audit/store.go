package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keystone-pm/keystone/pkg/storage"
)

// Store implements Recorder on top of PostgreSQL and adds trail queries
// (search, stats, export, retention purge).
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store and ensures the audit_entries table exists
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_entries table: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		actor_id TEXT NOT NULL,
		organization_id TEXT,
		action VARCHAR(200) NOT NULL,
		target_kind VARCHAR(50),
		target_id TEXT,
		decision VARCHAR(20) NOT NULL,
		request_id VARCHAR(100),
		ip_address VARCHAR(45),
		details JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_actor_id ON audit_entries(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_organization_id ON audit_entries(organization_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_decision ON audit_entries(decision);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_target ON audit_entries(target_kind, target_id);
	`
	_, err := s.db.Exec(query)
	return err
}

const insertEntryQuery = `
	INSERT INTO audit_entries (
		timestamp, actor_id, organization_id, action,
		target_kind, target_id, decision, request_id, ip_address, details
	) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), $10)
	RETURNING id
`

func prepareEntry(entry *Entry) ([]byte, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		return nil, nil
	}
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit details: %w", err)
	}
	return detailsJSON, nil
}

// Record persists an entry. It returns only after the row is committed, so
// a nil return means the entry is durable. Transient storage failures are
// retried; anything else surfaces to the caller for fail-closed handling.
func (s *Store) Record(ctx context.Context, entry *Entry) error {
	detailsJSON, err := prepareEntry(entry)
	if err != nil {
		return err
	}

	return storage.WithRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, insertEntryQuery,
			entry.Timestamp, entry.ActorID, entry.OrganizationID, entry.Action,
			entry.TargetKind, entry.TargetID, entry.Decision,
			entry.RequestID, entry.IPAddress, detailsJSON,
		).Scan(&entry.ID)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
		return nil
	})
}

// RecordTx writes an entry inside the caller's transaction; the entry
// commits or rolls back with it. No retry: a failed insert dooms the
// transaction anyway.
func (s *Store) RecordTx(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	detailsJSON, err := prepareEntry(entry)
	if err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx, insertEntryQuery,
		entry.Timestamp, entry.ActorID, entry.OrganizationID, entry.Action,
		entry.TargetKind, entry.TargetID, entry.Decision,
		entry.RequestID, entry.IPAddress, detailsJSON,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Close is a no-op; the store does not own the database handle
func (s *Store) Close() error { return nil }

// Search returns entries matching the filter, newest first
func (s *Store) Search(ctx context.Context, filter SearchFilter) ([]*Entry, error) {
	var conditions []string
	var args []interface{}
	argN := 0

	addCond := func(cond string, val interface{}) {
		argN++
		conditions = append(conditions, fmt.Sprintf(cond, argN))
		args = append(args, val)
	}

	if filter.ActorID != "" {
		addCond("actor_id = $%d", filter.ActorID)
	}
	if filter.OrganizationID != "" {
		addCond("organization_id = $%d", filter.OrganizationID)
	}
	if filter.Action != "" {
		addCond("action = $%d", filter.Action)
	}
	if filter.Decision != "" {
		addCond("decision = $%d", filter.Decision)
	}
	if filter.TargetKind != "" {
		addCond("target_kind = $%d", filter.TargetKind)
	}
	if filter.TargetID != "" {
		addCond("target_id = $%d", filter.TargetID)
	}
	if filter.Since != nil {
		addCond("timestamp >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		addCond("timestamp <= $%d", *filter.Until)
	}

	query := `
		SELECT id, timestamp, actor_id, COALESCE(organization_id, ''), action,
		       COALESCE(target_kind, ''), COALESCE(target_id, ''), decision,
		       COALESCE(request_id, ''), COALESCE(ip_address, ''), details
		FROM audit_entries
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	argN++
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	if filter.Offset > 0 {
		argN++
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get retrieves a single entry by ID
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	query := `
		SELECT id, timestamp, actor_id, COALESCE(organization_id, ''), action,
		       COALESCE(target_kind, ''), COALESCE(target_id, ''), decision,
		       COALESCE(request_id, ''), COALESCE(ip_address, ''), details
		FROM audit_entries WHERE id = $1
	`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit entry %d not found", id)
	}
	return entry, err
}

func scanEntry(row interface{ Scan(...interface{}) error }) (*Entry, error) {
	entry := &Entry{}
	var detailsJSON []byte
	err := row.Scan(
		&entry.ID, &entry.Timestamp, &entry.ActorID, &entry.OrganizationID,
		&entry.Action, &entry.TargetKind, &entry.TargetID, &entry.Decision,
		&entry.RequestID, &entry.IPAddress, &detailsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	return entry, nil
}

// GetStats aggregates trail activity for an organization over a window.
// Empty organizationID aggregates across all tenants.
func (s *Store) GetStats(ctx context.Context, organizationID string, since, until *time.Time) (*Stats, error) {
	var conditions []string
	var args []interface{}
	argN := 0

	if organizationID != "" {
		argN++
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", argN))
		args = append(args, organizationID)
	}
	if since != nil {
		argN++
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argN))
		args = append(args, *since)
	}
	if until != nil {
		argN++
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", argN))
		args = append(args, *until)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	stats := &Stats{
		ByDecision: make(map[Decision]int64),
		ByAction:   make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT decision, COUNT(*) FROM audit_entries`+where+` GROUP BY decision`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit decisions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var decision Decision
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("failed to scan decision count: %w", err)
		}
		stats.ByDecision[decision] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actionRows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM audit_entries`+where+` GROUP BY action ORDER BY COUNT(*) DESC LIMIT 20`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit actions: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var action string
		var count int64
		if err := actionRows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		stats.ByAction[action] = count
	}
	return stats, actionRows.Err()
}

// Export serializes entries matching the filter in the requested format
func (s *Store) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	entries, err := s.Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return exportJSON(entries)
	case FormatNDJSON:
		return exportNDJSON(entries)
	case FormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// Purge deletes entries older than the cutoff. Retention is an operator
// policy applied by the janitor, never by request handling.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	return result.RowsAffected()
}
