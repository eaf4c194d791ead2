// Package resolver maps threads to live sandbox instances through the
// session, terminal and lease layers, and keeps leases converged via
// the reconciler.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// SessionPolicy bounds how long and how expensively a session may hold
// physical compute.
type SessionPolicy struct {
	IdleTTLSeconds int     `json:"idle_ttl_seconds"`
	MaxWallSeconds int     `json:"max_wall_seconds"`
	MaxCostUSD     float64 `json:"max_cost_usd"`
}

// Session is one chat session of a thread. A thread has at most one
// active session at a time, enforced by a partial unique index.
type Session struct {
	ID         string        `json:"id"`
	ThreadID   string        `json:"thread_id"`
	Status     string        `json:"status"`
	DefaultCwd string        `json:"default_cwd"`
	Policy     SessionPolicy `json:"policy"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// SessionStore persists chat sessions.
type SessionStore struct {
	pool *db.Pool
}

// NewSessionStore creates the store and its schema.
func NewSessionStore(pool *db.Pool) (*SessionStore, error) {
	s := &SessionStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SessionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'ended')),
		default_cwd TEXT NOT NULL,
		idle_ttl_seconds INTEGER NOT NULL DEFAULT 0,
		max_wall_seconds INTEGER NOT NULL DEFAULT 0,
		max_cost_usd REAL NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON chat_sessions(thread_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_thread ON chat_sessions(thread_id, started_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// CreateActive opens a new active session for the thread. Returns a
// conflict when the thread already has one.
func (s *SessionStore) CreateActive(ctx context.Context, threadID, defaultCwd string, policy SessionPolicy) (*Session, error) {
	if threadID == "" {
		return nil, apperr.Validationf("thread_id is required")
	}
	sess := &Session{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Status:     SessionActive,
		DefaultCwd: defaultCwd,
		Policy:     policy,
		StartedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO chat_sessions (id, thread_id, status, default_cwd, idle_ttl_seconds, max_wall_seconds, max_cost_usd, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ThreadID, sess.Status, sess.DefaultCwd,
		policy.IdleTTLSeconds, policy.MaxWallSeconds, policy.MaxCostUSD, sess.StartedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperr.Conflictf("thread %s already has an active session", threadID)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Get returns one session by id.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, thread_id, status, default_cwd, idle_ttl_seconds, max_wall_seconds, max_cost_usd, started_at, ended_at
		FROM chat_sessions WHERE id = ?
	`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ActiveForThread returns the thread's active session.
func (s *SessionStore) ActiveForThread(ctx context.Context, threadID string) (*Session, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, thread_id, status, default_cwd, idle_ttl_seconds, max_wall_seconds, max_cost_usd, started_at, ended_at
		FROM chat_sessions WHERE thread_id = ? AND status = 'active'
	`, threadID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("thread %s has no active session", threadID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListByThread returns all of a thread's sessions, oldest first.
func (s *SessionStore) ListByThread(ctx context.Context, threadID string) ([]*Session, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, thread_id, status, default_cwd, idle_ttl_seconds, max_wall_seconds, max_cost_usd, started_at, ended_at
		FROM chat_sessions WHERE thread_id = ?
		ORDER BY started_at ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// End closes a session. Ending an already-ended session is a no-op.
func (s *SessionStore) End(ctx context.Context, sessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE chat_sessions SET status = 'ended', ended_at = ?
		WHERE id = ? AND status = 'active'
	`, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// DeleteByThread removes all sessions of a thread and returns the ids
// of the removed rows so dependent tables can be cleaned up.
func (s *SessionStore) DeleteByThread(ctx context.Context, threadID string) ([]string, error) {
	sessions, err := s.ListByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM chat_sessions WHERE thread_id = ?`, threadID); err != nil {
		return nil, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return ids, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&sess.ID,
		&sess.ThreadID,
		&sess.Status,
		&sess.DefaultCwd,
		&sess.Policy.IdleTTLSeconds,
		&sess.Policy.MaxWallSeconds,
		&sess.Policy.MaxCostUSD,
		&sess.StartedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}
