package terminal

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/sandbox"
	"github.com/getleon/leon/internal/sandbox/sandboxtest"
	"github.com/getleon/leon/internal/terminal/hooks"
)

type runtimeFixture struct {
	rt    *Runtime
	store *Store
	fake  *sandboxtest.Fake
	inst  string
}

func newRuntimeFixture(t *testing.T, chain *hooks.Chain) *runtimeFixture {
	t.Helper()
	ctx := context.Background()

	store := newStore(t)
	fake := sandboxtest.New("fake")
	inst, err := fake.Create(ctx, sandbox.InstanceConfig{SessionID: "sess-1"})
	require.NoError(t, err)

	term, err := store.GetOrCreate(ctx, "sess-1", "/work")
	require.NoError(t, err)

	rt := NewRuntime(fake, inst, term, store, chain, "thread-1", testLogger(t))
	return &runtimeFixture{rt: rt, store: store, fake: fake, inst: inst}
}

func TestRuntime_RunCommand(t *testing.T) {
	f := newRuntimeFixture(t, hooks.NewChain())
	ctx := context.Background()

	out, code, err := f.rt.RunCommand(ctx, "ls")
	require.NoError(t, err)
	assert.Equal(t, "ran: ls", out)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, f.fake.CallCount("exec"))
	assert.Equal(t, []string{"ls"}, f.rt.Snapshot().ShellHistory)
}

func TestRuntime_ForwardsCwdAndEnv(t *testing.T) {
	f := newRuntimeFixture(t, hooks.NewChain())
	ctx := context.Background()

	var got sandbox.ExecRequest
	f.fake.ExecFunc = func(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		got = req
		return &sandbox.ExecResult{Output: "", ExitCode: 0}, nil
	}

	f.rt.Setenv("FOO", "bar")
	_, _, err := f.rt.RunCommand(ctx, "env")
	require.NoError(t, err)

	assert.Equal(t, "/work", got.Dir)
	assert.Contains(t, got.Env, "FOO=bar")
}

func TestRuntime_ChdirBuiltin(t *testing.T) {
	f := newRuntimeFixture(t, hooks.NewChain())
	ctx := context.Background()

	f.fake.ExecFunc = func(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		if strings.HasPrefix(req.Command, "cd -- ") {
			return &sandbox.ExecResult{Output: "/work/sub\n", ExitCode: 0}, nil
		}
		return &sandbox.ExecResult{Output: "ran in " + req.Dir, ExitCode: 0}, nil
	}

	out, code, err := f.rt.RunCommand(ctx, "cd sub")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, code)
	assert.Equal(t, "/work/sub", f.rt.Snapshot().Cwd)

	t.Run("later commands run in the new directory", func(t *testing.T) {
		out, _, err := f.rt.RunCommand(ctx, "ls")
		require.NoError(t, err)
		assert.Equal(t, "ran in /work/sub", out)
	})

	t.Run("failed cd leaves cwd alone", func(t *testing.T) {
		f.fake.ExecFunc = func(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Output: "cd: no such directory", ExitCode: 1}, nil
		}
		out, code, err := f.rt.RunCommand(ctx, "cd missing")
		require.NoError(t, err)
		assert.Equal(t, 1, code)
		assert.Contains(t, out, "no such directory")
		assert.Equal(t, "/work/sub", f.rt.Snapshot().Cwd)
	})

	t.Run("cd with control operators goes to the shell", func(t *testing.T) {
		f.fake.ExecFunc = nil
		out, _, err := f.rt.RunCommand(ctx, "cd sub && ls")
		require.NoError(t, err)
		assert.Equal(t, "ran: cd sub && ls", out)
	})
}

func TestRuntime_ExportBuiltin(t *testing.T) {
	f := newRuntimeFixture(t, hooks.NewChain())
	ctx := context.Background()

	out, code, err := f.rt.RunCommand(ctx, "export FOO=bar")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, code)
	assert.Equal(t, "bar", f.rt.Snapshot().EnvDelta["FOO"])
	assert.Equal(t, 0, f.fake.CallCount("exec"))

	t.Run("quoted values are unwrapped", func(t *testing.T) {
		_, _, err := f.rt.RunCommand(ctx, `export GREETING="hello world"`)
		require.NoError(t, err)
		assert.Equal(t, "hello world", f.rt.Snapshot().EnvDelta["GREETING"])
	})

	t.Run("expansions go to the shell", func(t *testing.T) {
		_, _, err := f.rt.RunCommand(ctx, "export PATH=$PATH:/extra")
		require.NoError(t, err)
		assert.Equal(t, 1, f.fake.CallCount("exec"))
		assert.NotContains(t, f.rt.Snapshot().EnvDelta, "PATH")
	})
}

func TestRuntime_HooksBlockCommand(t *testing.T) {
	rule, err := hooks.NewRuleHandler(hooks.PolicyRule{
		Name:    "deny-rm-root",
		Action:  "block",
		Pattern: `rm\s+-rf\s+/$`,
		Reason:  "refusing to delete the filesystem root",
	})
	require.NoError(t, err)

	f := newRuntimeFixture(t, hooks.NewChain(rule))
	ctx := context.Background()

	out, code, err := f.rt.RunCommand(ctx, "rm -rf /")
	require.NoError(t, err)
	assert.Contains(t, out, "command blocked")
	assert.Contains(t, out, "filesystem root")
	assert.Equal(t, 126, code)
	assert.Equal(t, 0, f.fake.CallCount("exec"))
	assert.Empty(t, f.rt.Snapshot().ShellHistory)

	t.Run("other commands pass", func(t *testing.T) {
		out, code, err := f.rt.RunCommand(ctx, "rm -rf ./build")
		require.NoError(t, err)
		assert.Equal(t, "ran: rm -rf ./build", out)
		assert.Equal(t, 0, code)
	})
}

func TestRuntime_DetachPersists(t *testing.T) {
	f := newRuntimeFixture(t, hooks.NewChain())
	ctx := context.Background()

	_, _, err := f.rt.RunCommand(ctx, "make test")
	require.NoError(t, err)
	require.NoError(t, f.rt.Detach(ctx))

	loaded, err := f.store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, []string{"make test"}, loaded.ShellHistory)

	t.Run("detach is idempotent", func(t *testing.T) {
		require.NoError(t, f.rt.Detach(ctx))
	})

	t.Run("commands after detach are rejected", func(t *testing.T) {
		_, _, err := f.rt.RunCommand(ctx, "ls")
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})
}

type hydratingFake struct {
	*sandboxtest.Fake
	blob string
}

func (h *hydratingFake) HydrationState(_ context.Context, _ string) (string, error) {
	return h.blob, nil
}

func TestRuntime_DetachCapturesHydration(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	fake := &hydratingFake{Fake: sandboxtest.New("fake"), blob: "recent shell output"}
	inst, err := fake.Create(ctx, sandbox.InstanceConfig{SessionID: "sess-1"})
	require.NoError(t, err)

	term, err := store.GetOrCreate(ctx, "sess-1", "/work")
	require.NoError(t, err)
	rt := NewRuntime(fake, inst, term, store, hooks.NewChain(), "thread-1", testLogger(t))

	require.NoError(t, rt.Detach(ctx))

	loaded, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "recent shell output", loaded.Hydration)
}
