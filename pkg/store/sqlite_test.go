package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/audit"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAuditRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := audit.Record{
		ID:          "rec-1",
		Kind:        audit.KindRefusal,
		Action:      "probe",
		Cycle:       4,
		Debt:        2.5,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Detail:      map[string]any{"reason": "epistemic_debt_action_blocked"},
		ContentHash: "sha256:abc",
	}
	require.NoError(t, s.Append(rec))

	got, err := s.Records(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	r := got[0]
	assert.Equal(t, rec.ID, r.ID)
	assert.Equal(t, rec.Kind, r.Kind)
	assert.Equal(t, rec.Cycle, r.Cycle)
	assert.Equal(t, rec.Debt, r.Debt)
	assert.Equal(t, "epistemic_debt_action_blocked", r.Detail["reason"])
	assert.True(t, r.Timestamp.Equal(rec.Timestamp), "timestamp mismatch: %v vs %v", r.Timestamp, rec.Timestamp)
}

func TestSQLiteCheckpointLatestWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LoadLatest(ctx, "s1")
	require.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, s.SaveCheckpoint(ctx, "s1", []byte(`{"v":1}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "s1", []byte(`{"v":2}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "other", []byte(`{"v":9}`)))

	doc, err := s.LoadLatest(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc))
}
