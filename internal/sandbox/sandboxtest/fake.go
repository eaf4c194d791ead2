// Package sandboxtest provides an in-memory sandbox.Provider for
// exercising the reconciler and resolver without real compute. State
// transitions, injected failures and provisioning delays are all
// scriptable, and every call is recorded for assertions.
package sandboxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/sandbox"
)

type entry struct {
	state     sandbox.State
	labels    map[string]string
	createdAt time.Time
	polls     int
}

// Fake is a scriptable in-memory provider.
type Fake struct {
	// ExecFunc overrides command execution when set. The default echoes
	// the command back with exit code 0.
	ExecFunc func(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error)

	name string

	mu             sync.Mutex
	seq            int
	instances      map[string]*entry
	destroyed      map[string]bool
	calls          []string
	failNext       map[string]int
	provisionPolls int
}

// New creates a fake provider registered under name.
func New(name string) *Fake {
	return &Fake{
		name:      name,
		instances: make(map[string]*entry),
		destroyed: make(map[string]bool),
		failNext:  make(map[string]int),
	}
}

// Name returns the provider name.
func (f *Fake) Name() string { return f.name }

// FailNext makes the next times calls of op fail with a transient
// error. Ops: create, status, pause, resume, destroy, exec, list.
func (f *Fake) FailNext(op string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = times
}

// SetProvisionPolls makes created instances stay provisioning for n
// Status calls before turning active.
func (f *Fake) SetProvisionPolls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionPolls = n
}

// Seed installs an instance in the given state without a Create call,
// for orphan-scan tests.
func (f *Fake) Seed(instanceID string, state sandbox.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instanceID] = &entry{state: state, createdAt: time.Now().UTC()}
}

// StateOf returns the instance's current state, destroyed when unknown.
func (f *Fake) StateOf(instanceID string) sandbox.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.instances[instanceID]; ok {
		return e.state
	}
	return sandbox.StateDestroyed
}

// Calls returns the recorded call log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many recorded calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == prefix || (len(c) > len(prefix) && c[:len(prefix)+1] == prefix+" ") {
			n++
		}
	}
	return n
}

// failing consumes one injected failure for op. Callers hold f.mu.
func (f *Fake) failing(op string) bool {
	if f.failNext[op] > 0 {
		f.failNext[op]--
		return true
	}
	return false
}

// Create registers a new instance. With provisioning polls configured
// the instance starts provisioning, otherwise active.
func (f *Fake) Create(ctx context.Context, cfg sandbox.InstanceConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	if f.failing("create") {
		return "", apperr.Transientf("%s: injected create failure", f.name)
	}

	f.seq++
	id := fmt.Sprintf("%s-inst-%d", f.name, f.seq)

	state := sandbox.StateActive
	if f.provisionPolls > 0 {
		state = sandbox.StateProvisioning
	}
	labels := map[string]string{}
	if cfg.SessionID != "" {
		labels["session_id"] = cfg.SessionID
	}
	if cfg.ThreadID != "" {
		labels["thread_id"] = cfg.ThreadID
	}
	f.instances[id] = &entry{
		state:     state,
		labels:    labels,
		createdAt: time.Now().UTC(),
		polls:     f.provisionPolls,
	}
	return id, nil
}

// Status reports the instance state, advancing provisioning instances
// toward active one poll at a time.
func (f *Fake) Status(ctx context.Context, instanceID string) (sandbox.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "status "+instanceID)
	if f.failing("status") {
		return sandbox.StateUnknown, apperr.Transientf("%s: injected status failure", f.name)
	}

	e, ok := f.instances[instanceID]
	if !ok {
		return sandbox.StateDestroyed, nil
	}
	if e.state == sandbox.StateProvisioning {
		e.polls--
		if e.polls <= 0 {
			e.state = sandbox.StateActive
		}
	}
	return e.state, nil
}

// Pause moves an active instance to paused.
func (f *Fake) Pause(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pause "+instanceID)
	if f.failing("pause") {
		return apperr.Transientf("%s: injected pause failure", f.name)
	}

	e, ok := f.instances[instanceID]
	if !ok {
		return apperr.NotFoundf("instance %s not found", instanceID)
	}
	if e.state != sandbox.StateActive {
		return apperr.Conflictf("instance %s is %s, not active", instanceID, e.state)
	}
	e.state = sandbox.StatePaused
	return nil
}

// Resume moves a paused instance back to active.
func (f *Fake) Resume(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume "+instanceID)
	if f.failing("resume") {
		return apperr.Transientf("%s: injected resume failure", f.name)
	}

	e, ok := f.instances[instanceID]
	if !ok {
		return apperr.NotFoundf("instance %s not found", instanceID)
	}
	if e.state != sandbox.StatePaused {
		return apperr.Conflictf("instance %s is %s, not paused", instanceID, e.state)
	}
	e.state = sandbox.StateActive
	return nil
}

// Destroy removes the instance. Destroying a missing instance succeeds.
func (f *Fake) Destroy(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "destroy "+instanceID)
	if f.failing("destroy") {
		return apperr.Transientf("%s: injected destroy failure", f.name)
	}

	delete(f.instances, instanceID)
	f.destroyed[instanceID] = true
	return nil
}

// Destroyed reports whether Destroy was completed for the instance.
func (f *Fake) Destroyed(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[instanceID]
}

// Exec runs the scripted ExecFunc, or echoes the command.
func (f *Fake) Exec(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "exec "+instanceID)
	if f.failing("exec") {
		f.mu.Unlock()
		return nil, apperr.Transientf("%s: injected exec failure", f.name)
	}
	e, ok := f.instances[instanceID]
	if !ok {
		f.mu.Unlock()
		return nil, apperr.NotFoundf("instance %s not found", instanceID)
	}
	if e.state != sandbox.StateActive {
		state := e.state
		f.mu.Unlock()
		return nil, apperr.Conflictf("instance %s is %s, not active", instanceID, state)
	}
	fn := f.ExecFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, instanceID, req)
	}
	return &sandbox.ExecResult{Output: "ran: " + req.Command, ExitCode: 0}, nil
}

// ListInstances returns the live instances sorted by ID.
func (f *Fake) ListInstances(ctx context.Context) ([]sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	if f.failing("list") {
		return nil, apperr.Transientf("%s: injected list failure", f.name)
	}

	ids := make([]string, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]sandbox.Instance, 0, len(ids))
	for _, id := range ids {
		e := f.instances[id]
		out = append(out, sandbox.Instance{
			Provider:  f.name,
			ID:        id,
			State:     e.state,
			Labels:    e.labels,
			CreatedAt: e.createdAt,
		})
	}
	return out, nil
}
