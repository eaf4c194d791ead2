// Package checkpoint persists per-step snapshots of a thread's
// conversation. The latest checkpoint is the authoritative recovery
// point after restarts and summary corruption.
package checkpoint

import (
	"context"
	"time"

	"github.com/getleon/leon/internal/agent"
)

// Checkpoint is one persisted conversation snapshot. ParentID links to
// the previous checkpoint of the same thread, forming a chain.
type Checkpoint struct {
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	ParentID     *string         `json:"parent_id,omitempty"`
	Messages     []agent.Message `json:"messages"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store persists and retrieves checkpoints.
type Store interface {
	// Put inserts a checkpoint. CheckpointID and CreatedAt are
	// assigned if empty.
	Put(ctx context.Context, cp *Checkpoint) error

	// Get returns one checkpoint by ID.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// Latest returns the newest checkpoint for a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns checkpoints newest-first, up to limit.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// DeleteThread removes all checkpoints of a thread.
	DeleteThread(ctx context.Context, threadID string) error
}
