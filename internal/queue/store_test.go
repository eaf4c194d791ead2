package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "leon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func TestStore_FIFOOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		_, err := store.Enqueue(ctx, "th-1", v1.MessageKindUser, content, v1.RoutingFollowup)
		require.NoError(t, err)
	}

	depth, err := store.Depth(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	// Heads come back in arrival order even when created_at collides.
	for _, want := range []string{"first", "second", "third"} {
		head, err := store.Head(ctx, "th-1")
		require.NoError(t, err)
		assert.Equal(t, want, head.Content)
		require.NoError(t, store.Delete(ctx, head.ID))
	}

	_, err = store.Head(ctx, "th-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStore_ThreadsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "th-a", v1.MessageKindUser, "for a", v1.RoutingFollowup)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "th-b", v1.MessageKindUser, "for b", v1.RoutingCollect)
	require.NoError(t, err)

	head, err := store.Head(ctx, "th-b")
	require.NoError(t, err)
	assert.Equal(t, "for b", head.Content)
	assert.Equal(t, v1.RoutingCollect, head.Routing)

	require.NoError(t, store.DeleteThread(ctx, "th-a"))
	depthA, err := store.Depth(ctx, "th-a")
	require.NoError(t, err)
	assert.Equal(t, 0, depthA)
	depthB, err := store.Depth(ctx, "th-b")
	require.NoError(t, err)
	assert.Equal(t, 1, depthB)
}

func TestStore_ListPreservesKindAndRouting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "th-1", v1.MessageKindUser, "queued reply", v1.RoutingCollect)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "th-1", v1.MessageKindTaskNotification, "task done", v1.RoutingFollowup)
	require.NoError(t, err)

	msgs, err := store.List(ctx, "th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, v1.MessageKindUser, msgs[0].Kind)
	assert.Equal(t, v1.MessageKindTaskNotification, msgs[1].Kind)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestStore_EnqueueValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "", v1.MessageKindUser, "hi", v1.RoutingFollowup)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = store.Enqueue(ctx, "th-1", v1.MessageKindUser, "", v1.RoutingFollowup)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
