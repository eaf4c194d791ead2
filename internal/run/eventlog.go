package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// EventLog is the durable, append-only record of every run event. The
// producer appends here before publishing to the ring, so the log is
// the source of truth for replay and resume.
type EventLog struct {
	pool *db.Pool
}

// NewEventLog creates the log and its schema.
func NewEventLog(pool *db.Pool) (*EventLog, error) {
	l := &EventLog{pool: pool}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}
	return l, nil
}

func (l *EventLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT NOT NULL,
		message_id TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(thread_id, run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_run_events_thread_run_seq ON run_events(thread_id, run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_run_events_thread_created ON run_events(thread_id, created_at);
	`
	_, err := l.pool.Writer().Exec(schema)
	return err
}

// Append persists one stamped event. A failure here is fatal to the
// run: the caller must emit an error terminal and stop.
func (l *EventLog) Append(ctx context.Context, evt v1.RunEvent) error {
	if evt.Seq <= 0 {
		return apperr.Validationf("event has no sequence number")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	data := evt.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := l.pool.Writer().ExecContext(ctx, `
		INSERT INTO run_events (thread_id, run_id, seq, event_type, data, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.ThreadID, evt.RunID, evt.Seq, string(evt.EventType), string(data), nullIfEmpty(evt.MessageID), evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

// ListAfter returns events of one run with seq > afterSeq, in order.
func (l *EventLog) ListAfter(ctx context.Context, threadID, runID string, afterSeq int64, limit int) ([]v1.RunEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := l.pool.Reader().QueryContext(ctx, `
		SELECT thread_id, run_id, seq, event_type, data, message_id, created_at
		FROM run_events
		WHERE thread_id = ? AND run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, threadID, runID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []v1.RunEvent
	for rows.Next() {
		evt, err := scanRunEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListRecent returns the newest events of a thread across runs, up to
// limit, oldest-first. Backs the operator's recent-events view.
func (l *EventLog) ListRecent(ctx context.Context, threadID string, limit int) ([]v1.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Reader().QueryContext(ctx, `
		SELECT thread_id, run_id, seq, event_type, data, message_id, created_at
		FROM run_events
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []v1.RunEvent
	for rows.Next() {
		evt, err := scanRunEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LatestRunID returns the run_id of the thread's newest event.
func (l *EventLog) LatestRunID(ctx context.Context, threadID string) (string, error) {
	var runID string
	err := l.pool.Reader().QueryRowContext(ctx, `
		SELECT run_id FROM run_events
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, threadID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFoundf("no events for thread %s", threadID)
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}

// MaxSeq returns the highest persisted seq of a run, 0 if none.
func (l *EventLog) MaxSeq(ctx context.Context, threadID, runID string) (int64, error) {
	var seq sql.NullInt64
	err := l.pool.Reader().QueryRowContext(ctx, `
		SELECT MAX(seq) FROM run_events WHERE thread_id = ? AND run_id = ?
	`, threadID, runID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// DeleteRun removes one run's events.
func (l *EventLog) DeleteRun(ctx context.Context, threadID, runID string) error {
	_, err := l.pool.Writer().ExecContext(ctx, `
		DELETE FROM run_events WHERE thread_id = ? AND run_id = ?
	`, threadID, runID)
	return err
}

// DeleteThread removes all events of a thread.
func (l *EventLog) DeleteThread(ctx context.Context, threadID string) error {
	_, err := l.pool.Writer().ExecContext(ctx, `DELETE FROM run_events WHERE thread_id = ?`, threadID)
	return err
}

// PruneBefore deletes events of the thread's finished runs other than
// keepRunID that are older than cutoff. The latest run's events always
// survive so observers can replay it after restarts.
func (l *EventLog) PruneBefore(ctx context.Context, threadID, keepRunID string, cutoff time.Time) (int64, error) {
	res, err := l.pool.Writer().ExecContext(ctx, `
		DELETE FROM run_events
		WHERE thread_id = ? AND run_id != ? AND created_at < ?
	`, threadID, keepRunID, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanRunEvent(scanner interface{ Scan(dest ...any) error }) (v1.RunEvent, error) {
	var evt v1.RunEvent
	var data string
	var messageID sql.NullString
	if err := scanner.Scan(
		&evt.ThreadID,
		&evt.RunID,
		&evt.Seq,
		&evt.EventType,
		&data,
		&messageID,
		&evt.CreatedAt,
	); err != nil {
		return v1.RunEvent{}, err
	}
	evt.Data = json.RawMessage(data)
	evt.MessageID = messageID.String
	return evt, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
