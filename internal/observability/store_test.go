package observability

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.NewSQLitePool(filepath.Join(t.TempDir(), "observability.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func TestRecordTaskError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTaskError(ctx, "t1", "node selection failed", nil))

	records, err := s.ListTaskErrors(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "orchestrator", records[0].Source)
	assert.Equal(t, "node selection failed", records[0].Message)
}

func TestRecordAgentErrors_Caps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := make([]AgentErrorEntry, 15)
	for i := range entries {
		entries[i] = AgentErrorEntry{Level: "error", Message: "boom"}
	}
	entries[0].Message = strings.Repeat("x", MaxEntryBytes+100)

	stored, err := s.RecordAgentErrors(ctx, "n1", entries)
	require.NoError(t, err)
	assert.Equal(t, MaxBatchEntries, stored)

	records, err := s.ListNodeErrors(ctx, "n1", 20)
	require.NoError(t, err)
	require.Len(t, records, MaxBatchEntries)
	for _, r := range records {
		assert.LessOrEqual(t, len(r.Message), MaxEntryBytes)
	}
}
