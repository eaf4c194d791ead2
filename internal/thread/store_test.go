package thread

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

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, v1.CreateThreadRequest{
		Sandbox: "docker",
		Cwd:     "/work/repo",
		Agent:   "default",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "docker", got.Sandbox)
	assert.Equal(t, "/work/repo", got.Cwd)
	assert.Equal(t, "default", got.Agent)

	// Lookup is the resolver-facing alias of Get.
	viaLookup, err := store.Lookup(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ID, viaLookup.ID)
}

func TestStore_CreateRequiresSandbox(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(context.Background(), v1.CreateThreadRequest{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestStore_OptionalFieldsStayEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, v1.CreateThreadRequest{Sandbox: "local"})
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Cwd)
	assert.Empty(t, got.Agent)
}

func TestStore_GetUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStore_DeleteAndTouch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, v1.CreateThreadRequest{Sandbox: "local"})
	require.NoError(t, err)
	require.NoError(t, store.Touch(ctx, created.ID))

	require.NoError(t, store.Delete(ctx, created.ID))
	err = store.Delete(ctx, created.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	err = store.Touch(ctx, created.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
