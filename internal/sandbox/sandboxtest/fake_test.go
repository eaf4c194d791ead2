package sandboxtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/sandbox"
)

func TestFake_Lifecycle(t *testing.T) {
	f := New("fake")
	ctx := context.Background()

	id, err := f.Create(ctx, sandbox.InstanceConfig{SessionID: "sess-1", ThreadID: "th-1"})
	require.NoError(t, err)
	assert.Equal(t, "fake-inst-1", id)

	state, err := f.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateActive, state)

	require.NoError(t, f.Pause(ctx, id))
	assert.Equal(t, sandbox.StatePaused, f.StateOf(id))

	err = f.Pause(ctx, id)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	require.NoError(t, f.Resume(ctx, id))
	assert.Equal(t, sandbox.StateActive, f.StateOf(id))

	require.NoError(t, f.Destroy(ctx, id))
	assert.True(t, f.Destroyed(id))
	state, err = f.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateDestroyed, state)

	// Destroy is idempotent.
	require.NoError(t, f.Destroy(ctx, id))
}

func TestFake_ProvisioningPolls(t *testing.T) {
	f := New("fake")
	f.SetProvisionPolls(2)
	ctx := context.Background()

	id, err := f.Create(ctx, sandbox.InstanceConfig{})
	require.NoError(t, err)

	state, err := f.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateProvisioning, state)

	state, err = f.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateActive, state)
}

func TestFake_FailNext(t *testing.T) {
	f := New("fake")
	f.FailNext("create", 2)
	ctx := context.Background()

	_, err := f.Create(ctx, sandbox.InstanceConfig{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientUpstream, apperr.KindOf(err))

	_, err = f.Create(ctx, sandbox.InstanceConfig{})
	require.Error(t, err)

	id, err := f.Create(ctx, sandbox.InstanceConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Equal(t, 3, f.CallCount("create"))
}

func TestFake_Exec(t *testing.T) {
	f := New("fake")
	ctx := context.Background()
	id, err := f.Create(ctx, sandbox.InstanceConfig{})
	require.NoError(t, err)

	t.Run("default echo", func(t *testing.T) {
		res, err := f.Exec(ctx, id, sandbox.ExecRequest{Command: "ls"})
		require.NoError(t, err)
		assert.Equal(t, "ran: ls", res.Output)
		assert.Zero(t, res.ExitCode)
	})

	t.Run("scripted", func(t *testing.T) {
		f.ExecFunc = func(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Output: "scripted", ExitCode: 7}, nil
		}
		res, err := f.Exec(ctx, id, sandbox.ExecRequest{Command: "ls"})
		require.NoError(t, err)
		assert.Equal(t, "scripted", res.Output)
		assert.Equal(t, 7, res.ExitCode)
		f.ExecFunc = nil
	})

	t.Run("rejected while paused", func(t *testing.T) {
		require.NoError(t, f.Pause(ctx, id))
		_, err := f.Exec(ctx, id, sandbox.ExecRequest{Command: "ls"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})
}

func TestFake_SeedAndList(t *testing.T) {
	f := New("fake")
	ctx := context.Background()

	f.Seed("ghost-1", sandbox.StateActive)
	id, err := f.Create(ctx, sandbox.InstanceConfig{ThreadID: "th-1"})
	require.NoError(t, err)

	list, err := f.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "th-1", list[0].Labels["thread_id"])
	assert.Equal(t, "ghost-1", list[1].ID)

	require.NoError(t, f.Destroy(ctx, "ghost-1"))
	list, err = f.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
