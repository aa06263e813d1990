package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecorder_RecordAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	rec, err := NewFileRecorder(FileRecorderConfig{Path: path})
	require.NoError(t, err)
	defer rec.Close()

	for i := 0; i < 3; i++ {
		err := rec.Record(context.Background(), &Entry{
			ActorID:        fmt.Sprintf("actor-%d", i),
			OrganizationID: "org-1",
			Action:         "rentals.leases.create",
			Decision:       DecisionAllowed,
		})
		require.NoError(t, err)
	}

	entries, err := rec.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "actor-0", entries[0].ActorID)
	assert.Equal(t, DecisionAllowed, entries[2].Decision)
}

func TestFileRecorder_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	rec, err := NewFileRecorder(FileRecorderConfig{Path: path, MaxSize: 200, MaxBackups: 2})
	require.NoError(t, err)
	defer rec.Close()

	for i := 0; i < 10; i++ {
		err := rec.Record(context.Background(), &Entry{
			ActorID:  "actor-1",
			Action:   "rentals.payments.create",
			Decision: DecisionAllowed,
			Details:  map[string]interface{}{"seq": i},
		})
		require.NoError(t, err)
	}

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, rotated, "expected at least one rotated file")
	assert.LessOrEqual(t, len(rotated), 2, "rotation should respect MaxBackups")
}

func TestFileRecorder_RequiresPath(t *testing.T) {
	_, err := NewFileRecorder(FileRecorderConfig{})
	assert.Error(t, err)
}
