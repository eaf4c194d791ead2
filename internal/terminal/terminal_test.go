package terminal

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

func newStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "leon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func TestStore_GetOrCreate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	term, err := store.GetOrCreate(ctx, "sess-1", "/work")
	require.NoError(t, err)
	assert.NotEmpty(t, term.ID)
	assert.Equal(t, "sess-1", term.SessionID)
	assert.Equal(t, "/work", term.Cwd)
	assert.Equal(t, int64(0), term.Version)
	assert.Empty(t, term.EnvDelta)
	assert.Empty(t, term.ShellHistory)

	t.Run("second call returns the same terminal", func(t *testing.T) {
		again, err := store.GetOrCreate(ctx, "sess-1", "/elsewhere")
		require.NoError(t, err)
		assert.Equal(t, term.ID, again.ID)
		assert.Equal(t, "/work", again.Cwd)
	})

	t.Run("missing session id rejected", func(t *testing.T) {
		_, err := store.GetOrCreate(ctx, "", "/work")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})
}

func TestStore_SaveBumpsVersion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	term, err := store.GetOrCreate(ctx, "sess-1", "/work")
	require.NoError(t, err)

	term.Cwd = "/work/project"
	term.EnvDelta["FOO"] = "bar"
	term.ShellHistory = append(term.ShellHistory, "ls")
	term.Hydration = "tail of output"
	require.NoError(t, store.Save(ctx, term))
	assert.Equal(t, int64(1), term.Version)

	loaded, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "/work/project", loaded.Cwd)
	assert.Equal(t, map[string]string{"FOO": "bar"}, loaded.EnvDelta)
	assert.Equal(t, []string{"ls"}, loaded.ShellHistory)
	assert.Equal(t, "tail of output", loaded.Hydration)
	assert.Equal(t, int64(1), loaded.Version)

	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)
}

func TestStore_SaveConflictOnStaleVersion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "/work")
	require.NoError(t, err)

	first, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	second, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, first))

	err = store.Save(ctx, second)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestStore_DeleteBySessions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "/work")
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, "sess-2", "/work")
	require.NoError(t, err)

	require.NoError(t, store.DeleteBySessions(ctx, []string{"sess-1"}))

	_, err = store.GetBySession(ctx, "sess-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = store.GetBySession(ctx, "sess-2")
	assert.NoError(t, err)
}

func TestStore_GetMissing(t *testing.T) {
	store := newStore(t)

	_, err := store.GetBySession(context.Background(), "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
