package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// Summary is one persisted compaction result. At most one row per
// thread is active; the active row is what PrepareContext re-applies
// after a restart.
type Summary struct {
	SummaryID        string    `db:"summary_id"`
	ThreadID         string    `db:"thread_id"`
	SummaryText      string    `db:"summary_text"`
	CompactUpToIndex int       `db:"compact_up_to_index"`
	CompactedAt      time.Time `db:"compacted_at"`
	IsSplitTurn      bool      `db:"is_split_turn"`
	SplitTurnPrefix  int       `db:"split_turn_prefix"`
	IsActive         bool      `db:"is_active"`
	CreatedAt        time.Time `db:"created_at"`
}

// SummaryStore persists summaries in the shared Leon database.
type SummaryStore struct {
	pool *db.Pool
}

// NewSummaryStore creates the store and its schema.
func NewSummaryStore(pool *db.Pool) (*SummaryStore, error) {
	s := &SummaryStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize summary schema: %w", err)
	}
	return s, nil
}

func (s *SummaryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS summaries (
		summary_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		compact_up_to_index INTEGER NOT NULL,
		compacted_at DATETIME NOT NULL,
		is_split_turn INTEGER NOT NULL DEFAULT 0,
		split_turn_prefix INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_summaries_one_active
		ON summaries(thread_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_summaries_thread_created
		ON summaries(thread_id, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// retryable reports whether the sqlite error is worth another attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry runs fn up to retryAttempts times with jittered exponential
// backoff between attempts. Only lock contention is retried.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			base := retryBaseDelay * (1 << (attempt - 1))
			jitter := time.Duration(rand.Int63n(int64(base))) - base/2
			select {
			case <-time.After(base + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// Save deactivates any prior active summary and inserts sum as the new
// active one, in a single transaction.
func (s *SummaryStore) Save(ctx context.Context, sum *Summary) error {
	if sum.ThreadID == "" {
		return apperr.Validationf("thread_id is required")
	}
	if sum.SummaryText == "" {
		return apperr.Validationf("summary_text is required")
	}
	if sum.SummaryID == "" {
		sum.SummaryID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sum.CompactedAt.IsZero() {
		sum.CompactedAt = now
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = now
	}
	sum.IsActive = true

	return withRetry(ctx, func() error {
		tx, err := s.pool.Writer().BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `
			UPDATE summaries SET is_active = 0
			WHERE thread_id = ? AND is_active = 1
		`, sum.ThreadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (summary_id, thread_id, summary_text, compact_up_to_index,
				compacted_at, is_split_turn, split_turn_prefix, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		`, sum.SummaryID, sum.ThreadID, sum.SummaryText, sum.CompactUpToIndex,
			sum.CompactedAt, sum.IsSplitTurn, sum.SplitTurnPrefix, sum.CreatedAt); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ActiveForThread returns the thread's active summary.
func (s *SummaryStore) ActiveForThread(ctx context.Context, threadID string) (*Summary, error) {
	var sum *Summary
	err := withRetry(ctx, func() error {
		row := s.pool.Reader().QueryRowContext(ctx, `
			SELECT summary_id, thread_id, summary_text, compact_up_to_index,
				compacted_at, is_split_turn, split_turn_prefix, is_active, created_at
			FROM summaries
			WHERE thread_id = ? AND is_active = 1
		`, threadID)
		var err error
		sum, err = scanSummary(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("no active summary for thread %s", threadID)
	}
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// Deactivate clears the active flag on the thread's summary, forcing
// the next PrepareContext to rebuild from checkpoints.
func (s *SummaryStore) Deactivate(ctx context.Context, threadID string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Writer().ExecContext(ctx, `
			UPDATE summaries SET is_active = 0
			WHERE thread_id = ? AND is_active = 1
		`, threadID)
		return err
	})
}

// ListByThread returns summaries newest-first, up to limit.
func (s *SummaryStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT summary_id, thread_id, summary_text, compact_up_to_index,
			compacted_at, is_split_turn, split_turn_prefix, is_active, created_at
		FROM summaries
		WHERE thread_id = ?
		ORDER BY created_at DESC, summary_id DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var summaries []*Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// DeleteThread removes all summaries of a thread.
func (s *SummaryStore) DeleteThread(ctx context.Context, threadID string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM summaries WHERE thread_id = ?`, threadID)
		return err
	})
}

func scanSummary(scanner interface{ Scan(dest ...any) error }) (*Summary, error) {
	sum := &Summary{}
	if err := scanner.Scan(
		&sum.SummaryID,
		&sum.ThreadID,
		&sum.SummaryText,
		&sum.CompactUpToIndex,
		&sum.CompactedAt,
		&sum.IsSplitTurn,
		&sum.SplitTurnPrefix,
		&sum.IsActive,
		&sum.CreatedAt,
	); err != nil {
		return nil, err
	}
	return sum, nil
}
