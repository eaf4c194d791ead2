package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
)

func newSummaryStore(t *testing.T) *SummaryStore {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "leon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewSummaryStore(pool)
	require.NoError(t, err)
	return store
}

func TestSummaryStore_SaveAndLoad(t *testing.T) {
	store := newSummaryStore(t)
	ctx := context.Background()

	sum := &Summary{
		ThreadID:         "th-1",
		SummaryText:      "explored the repo, found the bug in parser.go",
		CompactUpToIndex: 12,
		IsSplitTurn:      true,
		SplitTurnPrefix:  340,
	}
	require.NoError(t, store.Save(ctx, sum))
	assert.NotEmpty(t, sum.SummaryID)
	assert.False(t, sum.CreatedAt.IsZero())

	got, err := store.ActiveForThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, sum.SummaryID, got.SummaryID)
	assert.Equal(t, sum.SummaryText, got.SummaryText)
	assert.Equal(t, 12, got.CompactUpToIndex)
	assert.True(t, got.IsSplitTurn)
	assert.Equal(t, 340, got.SplitTurnPrefix)
	assert.True(t, got.IsActive)
}

func TestSummaryStore_SaveDeactivatesPrior(t *testing.T) {
	store := newSummaryStore(t)
	ctx := context.Background()

	first := &Summary{ThreadID: "th-1", SummaryText: "first", CompactUpToIndex: 3}
	require.NoError(t, store.Save(ctx, first))
	second := &Summary{ThreadID: "th-1", SummaryText: "second", CompactUpToIndex: 8}
	require.NoError(t, store.Save(ctx, second))

	active, err := store.ActiveForThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, second.SummaryID, active.SummaryID)

	all, err := store.ListByThread(ctx, "th-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	activeCount := 0
	for _, s := range all {
		if s.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestSummaryStore_PerThreadIsolation(t *testing.T) {
	store := newSummaryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Summary{ThreadID: "th-1", SummaryText: "one", CompactUpToIndex: 1}))
	require.NoError(t, store.Save(ctx, &Summary{ThreadID: "th-2", SummaryText: "two", CompactUpToIndex: 2}))

	got, err := store.ActiveForThread(ctx, "th-2")
	require.NoError(t, err)
	assert.Equal(t, "two", got.SummaryText)
}

func TestSummaryStore_ActiveNotFound(t *testing.T) {
	store := newSummaryStore(t)

	_, err := store.ActiveForThread(context.Background(), "th-none")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSummaryStore_Deactivate(t *testing.T) {
	store := newSummaryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Summary{ThreadID: "th-1", SummaryText: "stale", CompactUpToIndex: 4}))
	require.NoError(t, store.Deactivate(ctx, "th-1"))

	_, err := store.ActiveForThread(ctx, "th-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// Deactivating again is harmless.
	require.NoError(t, store.Deactivate(ctx, "th-1"))
}

func TestSummaryStore_Validation(t *testing.T) {
	store := newSummaryStore(t)
	ctx := context.Background()

	err := store.Save(ctx, &Summary{SummaryText: "text"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = store.Save(ctx, &Summary{ThreadID: "th-1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSummaryStore_DeleteThread(t *testing.T) {
	store := newSummaryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Summary{ThreadID: "th-1", SummaryText: "gone soon", CompactUpToIndex: 2}))
	require.NoError(t, store.DeleteThread(ctx, "th-1"))

	all, err := store.ListByThread(ctx, "th-1", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
