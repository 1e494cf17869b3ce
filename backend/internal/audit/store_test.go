package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trace-landscape/backend/internal/adapter"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ListByScopeInOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 2, 18, 14, 30, 0, 0, time.UTC)

	records := []adapter.CallRecord{
		{ID: "c", Scope: "a1", Prompt: "claims", Timestamp: base.Add(2 * time.Second)},
		{ID: "a", Scope: "a1", Prompt: "mirror", Timestamp: base},
		{ID: "b", Scope: "a1", Prompt: "landmarks", Timestamp: base.Add(time.Second)},
		{ID: "x", Scope: "a2", Prompt: "mirror", Timestamp: base},
	}
	for _, r := range records {
		require.NoError(t, s.RecordCall(ctx, r))
	}

	got, err := s.List(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"mirror", "landmarks", "claims"}, []string{got[0].Prompt, got[1].Prompt, got[2].Prompt})

	limited, err := s.List(ctx, "a1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// A scope that prefixes another must not leak into it
	require.NoError(t, s.RecordCall(ctx, adapter.CallRecord{ID: "y", Scope: "a", Timestamp: base}))
	got, err = s.List(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_UnscopedRecords(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.RecordCall(ctx, adapter.CallRecord{ID: "1", Prompt: "ingest", Timestamp: time.Now()}))

	got, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ingest", got[0].Prompt)
}

func TestStore_Summarize(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordCall(ctx, adapter.CallRecord{ID: "1", Scope: "a1", TotalTokens: 100, Cost: 0.25, Timestamp: now}))
	require.NoError(t, s.RecordCall(ctx, adapter.CallRecord{ID: "2", Scope: "a1", TotalTokens: 50, Cost: 0.5, Error: "timeout", Timestamp: now.Add(time.Millisecond)}))

	sum, err := s.Summarize(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Calls)
	assert.Equal(t, 1, sum.Failures)
	assert.Equal(t, 150, sum.TotalTokens)
	assert.InDelta(t, 0.75, sum.Cost, 1e-9)
}

func TestStore_ImplementsRecorder(t *testing.T) {
	var _ adapter.Recorder = openTestStore(t)
}
