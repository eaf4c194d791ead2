package v1

import (
	"encoding/json"
	"time"
)

// LeaseDesiredState is the state the resolver wants an instance in
type LeaseDesiredState string

const (
	LeaseDesiredActive    LeaseDesiredState = "active"
	LeaseDesiredPaused    LeaseDesiredState = "paused"
	LeaseDesiredDestroyed LeaseDesiredState = "destroyed"
)

// LeaseObservedState is the last state reported by the provider
type LeaseObservedState string

const (
	LeaseObservedUnknown      LeaseObservedState = "unknown"
	LeaseObservedProvisioning LeaseObservedState = "provisioning"
	LeaseObservedActive       LeaseObservedState = "active"
	LeaseObservedPaused       LeaseObservedState = "paused"
	LeaseObservedDestroyed    LeaseObservedState = "destroyed"
	LeaseObservedError        LeaseObservedState = "error"
)

// Lease binds a chat session to a provider instance
type Lease struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Provider   string             `json:"provider"`
	InstanceID *string            `json:"instance_id,omitempty"`
	Desired    LeaseDesiredState  `json:"desired"`
	Observed   LeaseObservedState `json:"observed"`
	LastError  *string            `json:"last_error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Converged reports whether the lease needs no further reconciliation.
// Error counts as settled until something resets the observed state.
func (l *Lease) Converged() bool {
	return string(l.Observed) == string(l.Desired) || l.Observed == LeaseObservedError
}

// LeaseEvent records one reconciliation step taken against a lease
type LeaseEvent struct {
	ID        int64           `json:"id"`
	LeaseID   string          `json:"lease_id"`
	Provider  string          `json:"provider"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrphanInstance is a provider instance with no matching lease
type OrphanInstance struct {
	Provider   string            `json:"provider"`
	InstanceID string            `json:"instance_id"`
	Name       string            `json:"name,omitempty"`
	State      string            `json:"state,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	SeenAt     time.Time         `json:"seen_at"`
}

// OrphanScanReport is the result of one sweep across all providers
type OrphanScanReport struct {
	Orphans        []OrphanInstance  `json:"orphans"`
	ProviderErrors map[string]string `json:"provider_errors,omitempty"`
	ScannedAt      time.Time         `json:"scanned_at"`
}

// AdoptOrphanRequest binds an orphan instance to a thread via a new
// session and lease
type AdoptOrphanRequest struct {
	ThreadID   string `json:"thread_id" binding:"required"`
	Provider   string `json:"provider" binding:"required"`
	InstanceID string `json:"instance_id" binding:"required"`
}

// DestroyOrphanRequest asks the provider to destroy an orphan instance
type DestroyOrphanRequest struct {
	Provider   string `json:"provider" binding:"required"`
	InstanceID string `json:"instance_id" binding:"required"`
}
