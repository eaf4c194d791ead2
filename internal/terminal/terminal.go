// Package terminal persists the abstract terminal attached to a chat
// session and replays it onto whatever provider instance currently
// backs the session.
package terminal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
)

// AbstractTerminal is the durable state of a session's shell. It
// outlives provider instances: cwd, accumulated env and history are
// replayed onto the next instance when the lease moves.
type AbstractTerminal struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	Cwd          string            `json:"cwd"`
	EnvDelta     map[string]string `json:"env_delta"`
	Version      int64             `json:"version"`
	ShellHistory []string          `json:"shell_history"`
	Hydration    string            `json:"hydration,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store persists abstract terminals, one per session.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize terminal schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS terminals (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		cwd TEXT NOT NULL,
		env_delta TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 0,
		shell_history TEXT NOT NULL DEFAULT '[]',
		hydration TEXT,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// GetOrCreate returns the session's terminal, creating a fresh one at
// version 0 on first use.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, cwd string) (*AbstractTerminal, error) {
	if sessionID == "" {
		return nil, apperr.Validationf("session_id is required")
	}
	term, err := s.GetBySession(ctx, sessionID)
	if err == nil {
		return term, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	term = &AbstractTerminal{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Cwd:       cwd,
		EnvDelta:  map[string]string{},
		Version:   0,
		UpdatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO terminals (id, session_id, cwd, env_delta, version, shell_history, hydration, updated_at)
		VALUES (?, ?, ?, '{}', 0, '[]', NULL, ?)
	`, term.ID, term.SessionID, term.Cwd, term.UpdatedAt)
	if err != nil {
		// A concurrent create for the same session wins the unique
		// index; fall back to reading that row.
		if isUniqueViolation(err) {
			return s.GetBySession(ctx, sessionID)
		}
		return nil, fmt.Errorf("failed to create terminal: %w", err)
	}
	return term, nil
}

// GetBySession returns the terminal attached to a session.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*AbstractTerminal, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, session_id, cwd, env_delta, version, shell_history, hydration, updated_at
		FROM terminals WHERE session_id = ?
	`, sessionID)
	term, err := scanTerminal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("terminal for session %s not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return term, nil
}

// Save writes the terminal back and bumps its version. The write is
// guarded on the version the caller loaded, so two runtimes detaching
// stale copies of the same terminal cannot silently overwrite each
// other.
func (s *Store) Save(ctx context.Context, term *AbstractTerminal) error {
	envJSON, err := json.Marshal(term.EnvDelta)
	if err != nil {
		return fmt.Errorf("failed to encode env delta: %w", err)
	}
	historyJSON, err := json.Marshal(term.ShellHistory)
	if err != nil {
		return fmt.Errorf("failed to encode shell history: %w", err)
	}
	var hydration any
	if term.Hydration != "" {
		hydration = term.Hydration
	}
	now := time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE terminals
		SET cwd = ?, env_delta = ?, version = version + 1, shell_history = ?, hydration = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, term.Cwd, string(envJSON), string(historyJSON), hydration, now, term.ID, term.Version)
	if err != nil {
		return fmt.Errorf("failed to save terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Conflictf("terminal %s was modified concurrently", term.ID)
	}
	term.Version++
	term.UpdatedAt = now
	return nil
}

// DeleteBySessions removes the terminals of the given sessions.
func (s *Store) DeleteBySessions(ctx context.Context, sessionIDs []string) error {
	for _, id := range sessionIDs {
		if _, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM terminals WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete terminal for session %s: %w", id, err)
		}
	}
	return nil
}

func scanTerminal(scanner interface{ Scan(dest ...any) error }) (*AbstractTerminal, error) {
	var term AbstractTerminal
	var envJSON, historyJSON string
	var hydration sql.NullString
	if err := scanner.Scan(
		&term.ID,
		&term.SessionID,
		&term.Cwd,
		&envJSON,
		&term.Version,
		&historyJSON,
		&hydration,
		&term.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(envJSON), &term.EnvDelta); err != nil {
		return nil, apperr.Corruptionf("terminal %s has malformed env delta: %v", term.ID, err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &term.ShellHistory); err != nil {
		return nil, apperr.Corruptionf("terminal %s has malformed shell history: %v", term.ID, err)
	}
	if term.EnvDelta == nil {
		term.EnvDelta = map[string]string{}
	}
	if hydration.Valid {
		term.Hydration = hydration.String
	}
	return &term, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
