package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/db"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// InstanceRef identifies one provider instance held by a lease.
type InstanceRef struct {
	LeaseID    string
	SessionID  string
	Provider   string
	InstanceID string
}

// LeaseStore persists sandbox leases and their reconciliation events.
type LeaseStore struct {
	pool *db.Pool
}

// NewLeaseStore creates the store and its schema.
func NewLeaseStore(pool *db.Pool) (*LeaseStore, error) {
	s := &LeaseStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
	}
	return s, nil
}

func (s *LeaseStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandbox_leases (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		instance_id TEXT,
		desired_state TEXT NOT NULL CHECK (desired_state IN ('active', 'paused', 'destroyed')),
		observed_state TEXT NOT NULL CHECK (observed_state IN ('unknown', 'provisioning', 'active', 'paused', 'destroyed', 'error')),
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leases_session ON sandbox_leases(session_id);
	CREATE INDEX IF NOT EXISTS idx_leases_instance ON sandbox_leases(provider, instance_id);

	CREATE TABLE IF NOT EXISTS lease_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lease_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lease_events_lease ON lease_events(lease_id, id);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// CreateForSession opens a lease wanting an active instance from the
// named provider. The reconciler takes it from there.
func (s *LeaseStore) CreateForSession(ctx context.Context, sessionID, provider string) (*v1.Lease, error) {
	if sessionID == "" {
		return nil, apperr.Validationf("session_id is required")
	}
	if provider == "" {
		return nil, apperr.Validationf("provider is required")
	}
	now := time.Now().UTC()
	lease := &v1.Lease{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Provider:  provider,
		Desired:   v1.LeaseDesiredActive,
		Observed:  v1.LeaseObservedUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sandbox_leases (id, session_id, provider, instance_id, desired_state, observed_state, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?)
	`, lease.ID, lease.SessionID, lease.Provider, string(lease.Desired), string(lease.Observed), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}
	return lease, nil
}

// Get returns one lease by id.
func (s *LeaseStore) Get(ctx context.Context, leaseID string) (*v1.Lease, error) {
	row := s.pool.Reader().QueryRowContext(ctx, leaseSelect+` WHERE id = ?`, leaseID)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("lease %s not found", leaseID)
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// GetBySession returns the most recent lease of a session.
func (s *LeaseStore) GetBySession(ctx context.Context, sessionID string) (*v1.Lease, error) {
	row := s.pool.Reader().QueryRowContext(ctx, leaseSelect+`
		WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, sessionID)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("session %s has no lease", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// SetDesired moves the lease's goal state.
func (s *LeaseStore) SetDesired(ctx context.Context, leaseID string, desired v1.LeaseDesiredState) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sandbox_leases SET desired_state = ?, updated_at = ? WHERE id = ?
	`, string(desired), time.Now().UTC(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to set desired state: %w", err)
	}
	return requireRow(res, leaseID)
}

// BindInstance records the instance a create call produced, together
// with the state the provider reported for it.
func (s *LeaseStore) BindInstance(ctx context.Context, leaseID, instanceID string, observed v1.LeaseObservedState) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sandbox_leases SET instance_id = ?, observed_state = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, instanceID, string(observed), time.Now().UTC(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to bind instance: %w", err)
	}
	return requireRow(res, leaseID)
}

// SetObserved updates the observed state and clears any stale error.
func (s *LeaseStore) SetObserved(ctx context.Context, leaseID string, observed v1.LeaseObservedState) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sandbox_leases SET observed_state = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, string(observed), time.Now().UTC(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to set observed state: %w", err)
	}
	return requireRow(res, leaseID)
}

// SetError parks the lease in the error state with its failure message.
// The reconciler leaves error leases alone until something resets them.
func (s *LeaseStore) SetError(ctx context.Context, leaseID, lastError string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sandbox_leases SET observed_state = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(v1.LeaseObservedError), lastError, time.Now().UTC(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to set lease error: %w", err)
	}
	return requireRow(res, leaseID)
}

// ResetForRetry clears an error lease back to unknown so the
// reconciler picks it up again.
func (s *LeaseStore) ResetForRetry(ctx context.Context, leaseID string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sandbox_leases SET observed_state = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, string(v1.LeaseObservedUnknown), time.Now().UTC(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to reset lease: %w", err)
	}
	return requireRow(res, leaseID)
}

// ListUnconverged returns the leases the reconciler still has work on.
// Error leases are settled until explicitly reset.
func (s *LeaseStore) ListUnconverged(ctx context.Context) ([]*v1.Lease, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, leaseSelect+`
		WHERE observed_state != desired_state AND observed_state != 'error'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// List returns leases for the operator view, most recently updated
// first.
func (s *LeaseStore) List(ctx context.Context, limit int) ([]*v1.Lease, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Reader().QueryContext(ctx, leaseSelect+`
		ORDER BY updated_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// ListDiverged returns leases whose observed state disagrees with the
// desired state, including parked errors.
func (s *LeaseStore) ListDiverged(ctx context.Context) ([]*v1.Lease, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, leaseSelect+`
		WHERE observed_state != desired_state
		ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	return collectLeases(rows)
}

// InstanceRefs returns every (provider, instance) pair any lease points
// at. The orphan scan joins provider listings against this set.
func (s *LeaseStore) InstanceRefs(ctx context.Context) ([]InstanceRef, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, session_id, provider, instance_id
		FROM sandbox_leases WHERE instance_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var refs []InstanceRef
	for rows.Next() {
		var ref InstanceRef
		if err := rows.Scan(&ref.LeaseID, &ref.SessionID, &ref.Provider, &ref.InstanceID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// LeasesForSessions returns the leases belonging to the given sessions.
func (s *LeaseStore) LeasesForSessions(ctx context.Context, sessionIDs []string) ([]*v1.Lease, error) {
	var leases []*v1.Lease
	for _, sessionID := range sessionIDs {
		rows, err := s.pool.Reader().QueryContext(ctx, leaseSelect+` WHERE session_id = ?`, sessionID)
		if err != nil {
			return nil, err
		}
		chunk, err := collectLeases(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, chunk...)
	}
	return leases, nil
}

// DeleteBySessions removes the leases of the given sessions along with
// their events.
func (s *LeaseStore) DeleteBySessions(ctx context.Context, sessionIDs []string) error {
	leases, err := s.LeasesForSessions(ctx, sessionIDs)
	if err != nil {
		return err
	}
	for _, lease := range leases {
		if _, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM lease_events WHERE lease_id = ?`, lease.ID); err != nil {
			return fmt.Errorf("failed to delete lease events: %w", err)
		}
		if _, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM sandbox_leases WHERE id = ?`, lease.ID); err != nil {
			return fmt.Errorf("failed to delete lease: %w", err)
		}
	}
	return nil
}

// RecordEvent appends one reconciliation event for a lease. The payload
// is stored as JSON.
func (s *LeaseStore) RecordEvent(ctx context.Context, leaseID, provider, eventType string, payload any) error {
	var payloadJSON any
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode lease event payload: %w", err)
		}
		payloadJSON = string(raw)
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO lease_events (lease_id, provider, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, leaseID, provider, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record lease event: %w", err)
	}
	return nil
}

// EventsForLease returns a lease's events, oldest first.
func (s *LeaseStore) EventsForLease(ctx context.Context, leaseID string, limit int) ([]*v1.LeaseEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, lease_id, provider, event_type, payload, created_at
		FROM lease_events WHERE lease_id = ?
		ORDER BY id ASC LIMIT ?
	`, leaseID, limit)
	if err != nil {
		return nil, err
	}
	return collectLeaseEvents(rows)
}

// RecentEvents returns the newest events across all leases.
func (s *LeaseStore) RecentEvents(ctx context.Context, limit int) ([]*v1.LeaseEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, lease_id, provider, event_type, payload, created_at
		FROM lease_events
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectLeaseEvents(rows)
}

const leaseSelect = `
	SELECT id, session_id, provider, instance_id, desired_state, observed_state, last_error, created_at, updated_at
	FROM sandbox_leases`

func collectLeases(rows *sql.Rows) ([]*v1.Lease, error) {
	defer func() {
		_ = rows.Close()
	}()
	var leases []*v1.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return leases, nil
}

func collectLeaseEvents(rows *sql.Rows) ([]*v1.LeaseEvent, error) {
	defer func() {
		_ = rows.Close()
	}()
	var events []*v1.LeaseEvent
	for rows.Next() {
		var ev v1.LeaseEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.LeaseID, &ev.Provider, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanLease(scanner interface{ Scan(dest ...any) error }) (*v1.Lease, error) {
	var lease v1.Lease
	var instanceID, lastError sql.NullString
	if err := scanner.Scan(
		&lease.ID,
		&lease.SessionID,
		&lease.Provider,
		&instanceID,
		&lease.Desired,
		&lease.Observed,
		&lastError,
		&lease.CreatedAt,
		&lease.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if instanceID.Valid {
		lease.InstanceID = &instanceID.String
	}
	if lastError.Valid {
		lease.LastError = &lastError.String
	}
	return &lease, nil
}

func requireRow(res sql.Result, leaseID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFoundf("lease %s not found", leaseID)
	}
	return nil
}
