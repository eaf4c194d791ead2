package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
)

// SQLiteStore persists checkpoints in the shared Leon database.
type SQLiteStore struct {
	pool *db.Pool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(pool *db.Pool) (*SQLiteStore, error) {
	s := &SQLiteStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		parent_id TEXT,
		messages TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created ON checkpoints(thread_id, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Put inserts a checkpoint, assigning CheckpointID and CreatedAt if unset.
func (s *SQLiteStore) Put(ctx context.Context, cp *Checkpoint) error {
	if cp.ThreadID == "" {
		return apperr.Validationf("thread_id is required")
	}
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	messagesJSON, err := json.Marshal(cp.Messages)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint messages: %w", err)
	}

	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, messages, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, cp.ThreadID, cp.CheckpointID, cp.ParentID, string(messagesJSON), cp.CreatedAt)
	return err
}

// Get returns one checkpoint by ID.
func (s *SQLiteStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_id, messages, created_at
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?
	`, threadID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("checkpoint %s not found", checkpointID)
	}
	return cp, err
}

// Latest returns the newest checkpoint for a thread.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_id, messages, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1
	`, threadID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("no checkpoints for thread %s", threadID)
	}
	return cp, err
}

// List returns checkpoints newest-first, up to limit.
func (s *SQLiteStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_id, messages, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return checkpoints, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return err
}

func scanCheckpoint(scanner interface{ Scan(dest ...any) error }) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var messagesJSON string
	if err := scanner.Scan(
		&cp.ThreadID,
		&cp.CheckpointID,
		&cp.ParentID,
		&messagesJSON,
		&cp.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &cp.Messages); err != nil {
		return nil, apperr.Corruptionf("checkpoint %s messages are not valid JSON: %v", cp.CheckpointID, err)
	}
	if cp.Messages == nil {
		cp.Messages = []agent.Message{}
	}
	return cp, nil
}
