package resolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/db"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestPool(t *testing.T) *db.Pool {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "leon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func defaultPolicy() SessionPolicy {
	return SessionPolicy{IdleTTLSeconds: 900, MaxWallSeconds: 3600, MaxCostUSD: 5}
}

func TestSessionStore_CreateActive(t *testing.T) {
	store, err := NewSessionStore(newTestPool(t))
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := store.CreateActive(ctx, "thread-1", "/work", defaultPolicy())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, SessionActive, sess.Status)
	assert.Equal(t, "/work", sess.DefaultCwd)

	t.Run("policy round trips", func(t *testing.T) {
		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, defaultPolicy(), loaded.Policy)
		assert.Nil(t, loaded.EndedAt)
	})

	t.Run("second active session conflicts", func(t *testing.T) {
		_, err := store.CreateActive(ctx, "thread-1", "/work", defaultPolicy())
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})

	t.Run("thread id required", func(t *testing.T) {
		_, err := store.CreateActive(ctx, "", "/work", defaultPolicy())
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})
}

func TestSessionStore_EndAllowsNewSession(t *testing.T) {
	store, err := NewSessionStore(newTestPool(t))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.CreateActive(ctx, "thread-1", "/work", defaultPolicy())
	require.NoError(t, err)
	require.NoError(t, store.End(ctx, first.ID))

	ended, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	second, err := store.CreateActive(ctx, "thread-1", "/other", defaultPolicy())
	require.NoError(t, err)

	active, err := store.ActiveForThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	t.Run("ending twice is a no-op", func(t *testing.T) {
		require.NoError(t, store.End(ctx, first.ID))
	})

	t.Run("history keeps both", func(t *testing.T) {
		sessions, err := store.ListByThread(ctx, "thread-1")
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, first.ID, sessions[0].ID)
		assert.Equal(t, second.ID, sessions[1].ID)
	})
}

func TestSessionStore_ActiveForThreadMissing(t *testing.T) {
	store, err := NewSessionStore(newTestPool(t))
	require.NoError(t, err)

	_, err = store.ActiveForThread(context.Background(), "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSessionStore_DeleteByThread(t *testing.T) {
	store, err := NewSessionStore(newTestPool(t))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.CreateActive(ctx, "thread-1", "/work", defaultPolicy())
	require.NoError(t, err)
	require.NoError(t, store.End(ctx, first.ID))
	second, err := store.CreateActive(ctx, "thread-1", "/work", defaultPolicy())
	require.NoError(t, err)
	_, err = store.CreateActive(ctx, "thread-2", "/work", defaultPolicy())
	require.NoError(t, err)

	ids, err := store.DeleteByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	sessions, err := store.ListByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = store.ActiveForThread(ctx, "thread-2")
	assert.NoError(t, err)

	t.Run("deleting an empty thread returns nothing", func(t *testing.T) {
		ids, err := store.DeleteByThread(ctx, "thread-1")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
