// Package sandbox defines the provider abstraction over the compute that
// backs a thread's terminal. A provider manages instances (containers or
// local shell processes), reports their observed state, and executes
// commands inside them. The reconciler drives instances toward a lease's
// desired state through this interface.
package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getleon/leon/internal/common/apperr"
)

// State is the observed lifecycle state of an instance.
type State string

const (
	StateUnknown      State = "unknown"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateDestroyed    State = "destroyed"
	StateError        State = "error"
)

// InstanceConfig describes the instance to create. Providers ignore
// fields that do not apply to their backend.
type InstanceConfig struct {
	SessionID string
	ThreadID  string
	Image     string
	WorkDir   string
	Env       []string
	Labels    map[string]string
}

// Instance is a provider-managed compute resource.
type Instance struct {
	Provider  string            `json:"provider"`
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	State     State             `json:"state"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// ExecRequest is one command to run inside an instance.
type ExecRequest struct {
	Command string
	Dir     string
	Env     []string
}

// ExecResult is the combined output and exit code of an executed command.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Provider manages sandbox instances for one backend.
//
// Status and Destroy treat a missing instance as destroyed; Destroy is
// idempotent. Failures that a retry may resolve are returned as
// TransientUpstream errors so the reconciler can back off and retry.
type Provider interface {
	Name() string
	Create(ctx context.Context, cfg InstanceConfig) (string, error)
	Status(ctx context.Context, instanceID string) (State, error)
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Destroy(ctx context.Context, instanceID string) error
	Exec(ctx context.Context, instanceID string, req ExecRequest) (*ExecResult, error)
	ListInstances(ctx context.Context) ([]Instance, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previous one with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.NotFoundf("sandbox provider %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered providers ordered by name.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, r.providers[name])
	}
	return out
}
