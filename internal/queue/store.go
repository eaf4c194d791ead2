package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// Store persists queued messages. The autoincrement seq column fixes
// arrival order, so the FIFO survives restarts and same-millisecond
// enqueues.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		routing TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queued_messages_thread ON queued_messages(thread_id, seq);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Enqueue appends a message to the tail of the thread's queue.
func (s *Store) Enqueue(ctx context.Context, threadID string, kind v1.MessageKind, content string, routing v1.RoutingMode) (*v1.QueuedMessage, error) {
	if threadID == "" {
		return nil, apperr.Validationf("thread_id is required")
	}
	if content == "" {
		return nil, apperr.Validationf("content is required")
	}
	msg := &v1.QueuedMessage{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Kind:      kind,
		Content:   content,
		Routing:   routing,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO queued_messages (id, thread_id, kind, content, routing, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ThreadID, string(msg.Kind), msg.Content, string(msg.Routing), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	return msg, nil
}

// Head returns the oldest queued message without removing it, or
// a not-found error when the queue is empty.
func (s *Store) Head(ctx context.Context, threadID string) (*v1.QueuedMessage, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, thread_id, kind, content, routing, created_at
		FROM queued_messages WHERE thread_id = ?
		ORDER BY seq ASC LIMIT 1
	`, threadID)
	msg, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("queue for thread %s is empty", threadID)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete removes one message by id. The router deletes the head only
// after the message is promoted, so a failed promotion leaves the
// queue intact.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		DELETE FROM queued_messages WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// List returns the thread's queued messages in FIFO order.
func (s *Store) List(ctx context.Context, threadID string) ([]*v1.QueuedMessage, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, thread_id, kind, content, routing, created_at
		FROM queued_messages WHERE thread_id = ?
		ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var msgs []*v1.QueuedMessage
	for rows.Next() {
		msg, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Depth returns the number of messages queued for a thread.
func (s *Store) Depth(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.pool.Reader().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_messages WHERE thread_id = ?
	`, threadID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteThread removes all queued messages of a thread.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM queued_messages WHERE thread_id = ?`, threadID)
	return err
}

func scanQueued(scanner interface{ Scan(dest ...any) error }) (*v1.QueuedMessage, error) {
	var msg v1.QueuedMessage
	if err := scanner.Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.Kind,
		&msg.Content,
		&msg.Routing,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
