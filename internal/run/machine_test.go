package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/common/apperr"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

type transition struct {
	from, to v1.ThreadLifecycleState
}

func TestMachine_StartsIdle(t *testing.T) {
	m := NewMachine(nil)
	assert.Equal(t, v1.ThreadStateIdle, m.State())
	assert.Equal(t, v1.RuntimeFlags{}, m.Flags())
}

func TestMachine_RunCyclePath(t *testing.T) {
	var seen []transition
	m := NewMachine(func(from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags) {
		seen = append(seen, transition{from, to})
	})

	require.NoError(t, m.Transition(v1.ThreadStateRunning))
	require.NoError(t, m.Transition(v1.ThreadStateToolExec))
	require.NoError(t, m.Transition(v1.ThreadStateRunning))
	require.NoError(t, m.Transition(v1.ThreadStateIdle))

	assert.Equal(t, []transition{
		{v1.ThreadStateIdle, v1.ThreadStateRunning},
		{v1.ThreadStateRunning, v1.ThreadStateToolExec},
		{v1.ThreadStateToolExec, v1.ThreadStateRunning},
		{v1.ThreadStateRunning, v1.ThreadStateIdle},
	}, seen)
}

func TestMachine_IllegalTransitionRejected(t *testing.T) {
	m := NewMachine(nil)

	err := m.Transition(v1.ThreadStateCancelling)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, v1.ThreadStateIdle, m.State())

	// CANCELLING only unwinds to IDLE.
	require.NoError(t, m.Transition(v1.ThreadStateRunning))
	require.NoError(t, m.Transition(v1.ThreadStateCancelling))
	err = m.Transition(v1.ThreadStateRunning)
	require.Error(t, err)
	assert.Equal(t, v1.ThreadStateCancelling, m.State())
	require.NoError(t, m.Transition(v1.ThreadStateIdle))
}

func TestMachine_SelfTransitionIsNoop(t *testing.T) {
	fired := 0
	m := NewMachine(func(from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags) {
		fired++
	})

	require.NoError(t, m.Transition(v1.ThreadStateIdle))
	assert.Zero(t, fired)
	assert.Equal(t, v1.ThreadStateIdle, m.State())
}

func TestMachine_ErrorReachableFromEverywhere(t *testing.T) {
	for _, from := range []v1.ThreadLifecycleState{
		v1.ThreadStateIdle,
		v1.ThreadStateRunning,
		v1.ThreadStateToolExec,
		v1.ThreadStateCancelling,
		v1.ThreadStateSuspended,
	} {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(nil)
			m.state = from
			require.NoError(t, m.Transition(v1.ThreadStateError))

			// Recovery unwinds through RECOVERING back to IDLE.
			require.NoError(t, m.Transition(v1.ThreadStateRecovering))
			require.NoError(t, m.Transition(v1.ThreadStateIdle))
		})
	}
}

func TestMachine_ShutdownIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Transition(v1.ThreadStateRunning))
	require.NoError(t, m.Transition(v1.ThreadStateShutdown))

	for _, to := range []v1.ThreadLifecycleState{
		v1.ThreadStateIdle,
		v1.ThreadStateRunning,
		v1.ThreadStateError,
	} {
		err := m.Transition(to)
		require.Error(t, err, "shutdown -> %s must fail", to)
	}
	assert.Equal(t, v1.ThreadStateShutdown, m.State())
}

func TestMachine_OnEnterHookFiresPerEntry(t *testing.T) {
	m := NewMachine(nil)
	entries := 0
	m.OnEnter(v1.ThreadStateIdle, func() { entries++ })

	// Registration alone does not fire the hook.
	assert.Zero(t, entries)

	require.NoError(t, m.Transition(v1.ThreadStateRunning))
	require.NoError(t, m.Transition(v1.ThreadStateIdle))
	require.NoError(t, m.Transition(v1.ThreadStateRunning))
	require.NoError(t, m.Transition(v1.ThreadStateIdle))

	assert.Equal(t, 2, entries)
}

func TestMachine_UpdateFlagsNotifiesWithoutStateChange(t *testing.T) {
	var last transition
	var lastFlags v1.RuntimeFlags
	m := NewMachine(func(from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags) {
		last = transition{from, to}
		lastFlags = flags
	})

	m.UpdateFlags(func(f *v1.RuntimeFlags) { f.InterruptRequested = true })

	assert.Equal(t, transition{v1.ThreadStateIdle, v1.ThreadStateIdle}, last)
	assert.True(t, lastFlags.InterruptRequested)
	assert.True(t, m.Flags().InterruptRequested)

	state, flags := m.Snapshot()
	assert.Equal(t, v1.ThreadStateIdle, state)
	assert.True(t, flags.InterruptRequested)
}

func TestMachine_CallbackMayReenter(t *testing.T) {
	// The producer's error path transitions ERROR -> RECOVERING from
	// inside observer callbacks, so re-entry must not deadlock.
	var m *Machine
	m = NewMachine(func(from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags) {
		if to == v1.ThreadStateError {
			require.NoError(t, m.Transition(v1.ThreadStateRecovering))
		}
	})

	require.NoError(t, m.Transition(v1.ThreadStateError))
	assert.Equal(t, v1.ThreadStateRecovering, m.State())
}
