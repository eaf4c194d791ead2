// Package thread owns thread records and the delete cascade that keeps
// every per-thread table and the sandbox plane consistent with them.
package thread

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

// Store persists thread rows.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize thread schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		sandbox TEXT NOT NULL,
		cwd TEXT,
		agent TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create inserts a new thread bound to a sandbox provider.
func (s *Store) Create(ctx context.Context, req v1.CreateThreadRequest) (*v1.Thread, error) {
	if req.Sandbox == "" {
		return nil, apperr.Validationf("sandbox is required")
	}
	now := time.Now().UTC()
	thread := &v1.Thread{
		ID:        uuid.New().String(),
		Sandbox:   req.Sandbox,
		Cwd:       req.Cwd,
		Agent:     req.Agent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO threads (id, sandbox, cwd, agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, thread.ID, thread.Sandbox, nullable(thread.Cwd), nullable(thread.Agent), thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// Get returns one thread by id.
func (s *Store) Get(ctx context.Context, threadID string) (*v1.Thread, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, sandbox, cwd, agent, created_at, updated_at
		FROM threads WHERE id = ?
	`, threadID)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("thread %s not found", threadID)
	}
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// Lookup satisfies resolver.ThreadSource.
func (s *Store) Lookup(ctx context.Context, threadID string) (*v1.Thread, error) {
	return s.Get(ctx, threadID)
}

// List returns all threads, newest first.
func (s *Store) List(ctx context.Context) ([]*v1.Thread, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, sandbox, cwd, agent, created_at, updated_at
		FROM threads ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var threads []*v1.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return threads, nil
}

// Touch bumps updated_at, marking activity on the thread.
func (s *Store) Touch(ctx context.Context, threadID string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE threads SET updated_at = ? WHERE id = ?
	`, time.Now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFoundf("thread %s not found", threadID)
	}
	return nil
}

// Delete removes the thread row. The service runs the full cascade
// before calling this.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFoundf("thread %s not found", threadID)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanThread(scanner interface{ Scan(dest ...any) error }) (*v1.Thread, error) {
	var thread v1.Thread
	var cwd, agent sql.NullString
	if err := scanner.Scan(
		&thread.ID,
		&thread.Sandbox,
		&cwd,
		&agent,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	); err != nil {
		return nil, err
	}
	thread.Cwd = cwd.String
	thread.Agent = agent.String
	return &thread, nil
}
