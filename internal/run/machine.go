package run

import (
	"sync"

	"github.com/getleon/leon/internal/common/apperr"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// legalTransitions is the per-thread lifecycle. ERROR and SHUTDOWN are
// reachable from every state, so they are handled in canTransition
// rather than listed per state.
var legalTransitions = map[v1.ThreadLifecycleState][]v1.ThreadLifecycleState{
	v1.ThreadStateIdle:       {v1.ThreadStateRunning, v1.ThreadStateSuspended},
	v1.ThreadStateRunning:    {v1.ThreadStateToolExec, v1.ThreadStateIdle, v1.ThreadStateCancelling, v1.ThreadStateSuspended},
	v1.ThreadStateToolExec:   {v1.ThreadStateRunning, v1.ThreadStateIdle, v1.ThreadStateCancelling, v1.ThreadStateSuspended},
	v1.ThreadStateCancelling: {v1.ThreadStateIdle},
	v1.ThreadStateError:      {v1.ThreadStateRecovering},
	v1.ThreadStateRecovering: {v1.ThreadStateIdle, v1.ThreadStateRunning, v1.ThreadStateError},
	v1.ThreadStateSuspended:  {v1.ThreadStateIdle, v1.ThreadStateRunning},
	v1.ThreadStateShutdown:   {},
}

// TransitionFunc observes state or flag changes. It runs after the
// lock is released, so it may call back into the machine.
type TransitionFunc func(from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags)

// Machine tracks one thread's lifecycle state and runtime flags.
// All methods are safe for concurrent use.
type Machine struct {
	mu           sync.Mutex
	state        v1.ThreadLifecycleState
	flags        v1.RuntimeFlags
	onTransition TransitionFunc
	onEnter      map[v1.ThreadLifecycleState][]func()
}

// NewMachine creates a machine in the IDLE state.
func NewMachine(onTransition TransitionFunc) *Machine {
	return &Machine{
		state:        v1.ThreadStateIdle,
		onTransition: onTransition,
		onEnter:      make(map[v1.ThreadLifecycleState][]func()),
	}
}

// OnEnter registers a hook invoked after every entry into state. The
// queue router uses this to drain pending messages on IDLE entry.
func (m *Machine) OnEnter(state v1.ThreadLifecycleState, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[state] = append(m.onEnter[state], fn)
}

// State returns the current lifecycle state.
func (m *Machine) State() v1.ThreadLifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state and flags together.
func (m *Machine) Snapshot() (v1.ThreadLifecycleState, v1.RuntimeFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.flags
}

func canTransition(from, to v1.ThreadLifecycleState) bool {
	if from == to {
		return true
	}
	if from == v1.ThreadStateShutdown {
		return false
	}
	if to == v1.ThreadStateError || to == v1.ThreadStateShutdown {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to a new state, firing the transition
// callback and any on-enter hooks. A self-transition is a no-op.
func (m *Machine) Transition(to v1.ThreadLifecycleState) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		m.mu.Unlock()
		return apperr.Conflictf("illegal transition %s -> %s", from, to)
	}
	m.state = to
	flags := m.flags
	hooks := append([]func(){}, m.onEnter[to]...)
	cb := m.onTransition
	m.mu.Unlock()

	if cb != nil {
		cb(from, to, flags)
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// UpdateFlags applies a mutation to the runtime flags and notifies the
// transition callback with an unchanged state.
func (m *Machine) UpdateFlags(fn func(*v1.RuntimeFlags)) {
	m.mu.Lock()
	fn(&m.flags)
	state := m.state
	flags := m.flags
	cb := m.onTransition
	m.mu.Unlock()

	if cb != nil {
		cb(state, state, flags)
	}
}

// Flags returns a copy of the current runtime flags.
func (m *Machine) Flags() v1.RuntimeFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}
