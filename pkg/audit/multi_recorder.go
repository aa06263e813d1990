package audit

import (
	"context"
	"fmt"
)

// MultiRecorder fans out each entry to several recorders. Writes are
// synchronous and fail-closed: if any sink fails, Record returns an error
// so the caller does not acknowledge an unaudited action. Use the durable
// store as the first sink and best-effort sinks after it.
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder creates a recorder that writes to all given sinks
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Record writes the entry to every sink in order, stopping at the first
// failure.
func (m *MultiRecorder) Record(ctx context.Context, entry *Entry) error {
	for i, r := range m.recorders {
		if err := r.Record(ctx, entry); err != nil {
			return fmt.Errorf("audit sink %d failed: %w", i, err)
		}
	}
	return nil
}

// Close closes all sinks, returning the first error encountered
func (m *MultiRecorder) Close() error {
	var firstErr error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
