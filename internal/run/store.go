package run

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
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// Store persists run records. A partial unique index on running rows
// enforces at most one active run per thread at the database level.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize run schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		state TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active ON runs(thread_id) WHERE state = 'running';
	CREATE INDEX IF NOT EXISTS idx_runs_thread_created ON runs(thread_id, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create inserts a new run in the running state. Returns
// apperr.ErrAlreadyRunning when the thread already has one.
func (s *Store) Create(ctx context.Context, threadID string) (*v1.Run, error) {
	if threadID == "" {
		return nil, apperr.Validationf("thread_id is required")
	}
	run := &v1.Run{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		State:     v1.RunStateRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, state, created_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.ThreadID, string(run.State), run.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperr.ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// Finish moves a run to a terminal state. errMsg is stored for error
// terminals and ignored otherwise.
func (s *Store) Finish(ctx context.Context, runID string, state v1.RunState, errMsg string) error {
	if !state.IsTerminal() {
		return apperr.Validationf("%s is not a terminal run state", state)
	}
	var errVal any
	if state == v1.RunStateError && errMsg != "" {
		errVal = errMsg
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE runs SET state = ?, error = ?, finished_at = ?
		WHERE id = ? AND state = 'running'
	`, string(state), errVal, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Idempotent when the run already reached a terminal state, so
		// a cancel racing a natural finish settles on one outcome.
		if _, err := s.Get(ctx, runID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, runID string) (*v1.Run, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, thread_id, state, error, created_at, finished_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ActiveForThread returns the thread's running run, or ErrNoActiveRun.
func (s *Store) ActiveForThread(ctx context.Context, threadID string) (*v1.Run, error) {
	row := s.pool.Reader().QueryRowContext(ctx, `
		SELECT id, thread_id, state, error, created_at, finished_at
		FROM runs WHERE thread_id = ? AND state = 'running'
	`, threadID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNoActiveRun
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListByThread returns the thread's runs, newest first.
func (s *Store) ListByThread(ctx context.Context, threadID string, limit int) ([]*v1.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, thread_id, state, error, created_at, finished_at
		FROM runs WHERE thread_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// FinishStale finalizes runs left in the running state by a previous
// process. Called once at startup before any new run can begin.
// Returns the ids of the runs it closed.
func (s *Store) FinishStale(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.pool.Writer().QueryContext(ctx, `
		SELECT id FROM runs WHERE state = 'running'
	`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE runs SET state = 'error', error = ?, finished_at = ?
		WHERE state = 'running'
	`, reason, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to finish stale runs: %w", err)
	}
	return ids, nil
}

// DeleteThread removes all runs of a thread.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM runs WHERE thread_id = ?`, threadID)
	return err
}

// DeleteFinishedBefore removes the thread's finished runs other than
// keepRunID older than cutoff. Pairs with EventLog.PruneBefore.
func (s *Store) DeleteFinishedBefore(ctx context.Context, threadID, keepRunID string, cutoff time.Time) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		DELETE FROM runs
		WHERE thread_id = ? AND id != ? AND state != 'running' AND created_at < ?
	`, threadID, keepRunID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*v1.Run, error) {
	var run v1.Run
	var errMsg sql.NullString
	var finishedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.ThreadID,
		&run.State,
		&errMsg,
		&run.CreatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
