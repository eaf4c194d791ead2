package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/sandbox"
	"github.com/getleon/leon/internal/terminal"
	"github.com/getleon/leon/internal/terminal/hooks"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// Lease event type for operator adoptions.
const EventInstanceAdopted = "instance_adopted"

// detachTimeout bounds how long a released handle may spend persisting
// terminal state.
const detachTimeout = 10 * time.Second

// ThreadSource supplies the thread row a resolution starts from.
type ThreadSource interface {
	Lookup(ctx context.Context, threadID string) (*v1.Thread, error)
}

// Config holds resolver configuration
type Config struct {
	ConvergeTimeout time.Duration // How long Resolve waits for a lease to converge
	DefaultPolicy   SessionPolicy // Policy stamped onto sessions created on first use
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ConvergeTimeout: 30 * time.Second,
		DefaultPolicy: SessionPolicy{
			IdleTTLSeconds: 1800,
			MaxWallSeconds: 0,
			MaxCostUSD:     0,
		},
	}
}

// Handle is a resolved thread: its active session, the lease backing
// it and a live terminal attached to the leased instance.
type Handle struct {
	ThreadID string
	Session  *Session
	Lease    *v1.Lease
	Terminal *terminal.Runtime
}

// Exec runs one command in the thread's sandbox.
func (h *Handle) Exec(ctx context.Context, command string) (string, int, error) {
	return h.Terminal.RunCommand(ctx, command)
}

// Release detaches the terminal, persisting its state.
func (h *Handle) Release(ctx context.Context) error {
	return h.Terminal.Detach(ctx)
}

// Resolver walks thread → session → terminal → lease → instance and
// hands out execution handles. Rows missing along the way are created
// with defaults; unconverged leases are pushed through the reconciler.
type Resolver struct {
	threads    ThreadSource
	sessions   *SessionStore
	terminals  *terminal.Store
	leases     *LeaseStore
	providers  *sandbox.Registry
	reconciler *Reconciler
	chain      *hooks.Chain
	config     Config
	logger     *logger.Logger
}

// NewResolver wires the resolution chain.
func NewResolver(
	threads ThreadSource,
	sessions *SessionStore,
	terminals *terminal.Store,
	leases *LeaseStore,
	providers *sandbox.Registry,
	reconciler *Reconciler,
	chain *hooks.Chain,
	log *logger.Logger,
	config Config,
) *Resolver {
	if config.ConvergeTimeout <= 0 {
		config.ConvergeTimeout = DefaultConfig().ConvergeTimeout
	}
	return &Resolver{
		threads:    threads,
		sessions:   sessions,
		terminals:  terminals,
		leases:     leases,
		providers:  providers,
		reconciler: reconciler,
		chain:      chain,
		config:     config,
		logger:     log.WithFields(zap.String("component", "resolver")),
	}
}

// Resolve maps a thread to a live instance, creating the session,
// terminal and lease layers on first use and waiting for the lease to
// converge on an active instance.
func (r *Resolver) Resolve(ctx context.Context, threadID string) (*Handle, error) {
	thread, err := r.threads.Lookup(ctx, threadID)
	if err != nil {
		return nil, err
	}
	provider, err := r.providers.Get(thread.Sandbox)
	if err != nil {
		return nil, err
	}

	sess, err := r.ensureSession(ctx, thread)
	if err != nil {
		return nil, err
	}
	lease, err := r.ensureLease(ctx, sess, thread.Sandbox)
	if err != nil {
		return nil, err
	}

	if lease.Observed != v1.LeaseObservedActive || lease.InstanceID == nil {
		if err := r.reconciler.AwaitObserved(ctx, lease.ID, v1.LeaseObservedActive, r.config.ConvergeTimeout); err != nil {
			return nil, err
		}
		if lease, err = r.leases.Get(ctx, lease.ID); err != nil {
			return nil, err
		}
		if lease.InstanceID == nil {
			return nil, apperr.ErrSandboxUnavailable
		}
	}

	term, err := r.terminals.GetOrCreate(ctx, sess.ID, sess.DefaultCwd)
	if err != nil {
		return nil, err
	}
	runtime := terminal.NewRuntime(provider, *lease.InstanceID, term, r.terminals, r.chain, threadID, r.logger)

	r.logger.Debug("thread resolved",
		zap.String("thread_id", threadID),
		zap.String("session_id", sess.ID),
		zap.String("lease_id", lease.ID),
		zap.String("instance_id", *lease.InstanceID))

	return &Handle{
		ThreadID: threadID,
		Session:  sess,
		Lease:    lease,
		Terminal: runtime,
	}, nil
}

// RunnerFor adapts Resolve for the run supervisor: it returns the
// thread's command runner plus a release that persists terminal state.
func (r *Resolver) RunnerFor(ctx context.Context, threadID string) (agent.CommandRunner, func(), error) {
	handle, err := r.Resolve(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := handle.Release(ctx); err != nil {
			r.logger.Warn("failed to release terminal",
				zap.String("thread_id", threadID),
				zap.Error(err))
		}
	}
	return handle.Terminal, release, nil
}

// ensureSession returns the thread's active session, opening the
// default one on first use.
func (r *Resolver) ensureSession(ctx context.Context, thread *v1.Thread) (*Session, error) {
	sess, err := r.sessions.ActiveForThread(ctx, thread.ID)
	if err == nil {
		return sess, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	sess, err = r.sessions.CreateActive(ctx, thread.ID, thread.Cwd, r.config.DefaultPolicy)
	if err != nil {
		// Lost the race against a concurrent resolve; use the winner's
		// session.
		if apperr.KindOf(err) == apperr.KindConflict {
			return r.sessions.ActiveForThread(ctx, thread.ID)
		}
		return nil, err
	}
	r.logger.Info("session opened",
		zap.String("thread_id", thread.ID),
		zap.String("session_id", sess.ID))
	return sess, nil
}

// ensureLease returns the session's lease, acquiring one from the
// thread's provider on first use and steering stale leases back toward
// active.
func (r *Resolver) ensureLease(ctx context.Context, sess *Session, providerName string) (*v1.Lease, error) {
	lease, err := r.leases.GetBySession(ctx, sess.ID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		lease, err = r.leases.CreateForSession(ctx, sess.ID, providerName)
		if err != nil {
			return nil, err
		}
		r.logger.Info("lease acquired",
			zap.String("session_id", sess.ID),
			zap.String("lease_id", lease.ID),
			zap.String("provider", providerName))
		return lease, nil
	}
	if err != nil {
		return nil, err
	}

	if lease.Desired != v1.LeaseDesiredActive {
		if err := r.leases.SetDesired(ctx, lease.ID, v1.LeaseDesiredActive); err != nil {
			return nil, err
		}
		lease.Desired = v1.LeaseDesiredActive
	}
	if lease.Observed == v1.LeaseObservedError {
		// A parked failure gets one more chance whenever something
		// actually needs the sandbox.
		if err := r.leases.ResetForRetry(ctx, lease.ID); err != nil {
			return nil, err
		}
		lease.Observed = v1.LeaseObservedUnknown
		lease.LastError = nil
	}
	return lease, nil
}

// PauseThread asks the reconciler to pause the thread's instance.
func (r *Resolver) PauseThread(ctx context.Context, threadID string) (*v1.Lease, error) {
	return r.setThreadDesired(ctx, threadID, v1.LeaseDesiredPaused)
}

// ResumeThread asks the reconciler to wake the thread's instance.
func (r *Resolver) ResumeThread(ctx context.Context, threadID string) (*v1.Lease, error) {
	return r.setThreadDesired(ctx, threadID, v1.LeaseDesiredActive)
}

func (r *Resolver) setThreadDesired(ctx context.Context, threadID string, desired v1.LeaseDesiredState) (*v1.Lease, error) {
	sess, err := r.sessions.ActiveForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	lease, err := r.leases.GetBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if err := r.leases.SetDesired(ctx, lease.ID, desired); err != nil {
		return nil, err
	}
	r.reconciler.Kick()
	return r.leases.Get(ctx, lease.ID)
}

// LeaseForThread returns the lease backing the thread's active
// session, for runtime snapshots.
func (r *Resolver) LeaseForThread(ctx context.Context, threadID string) (*v1.Lease, error) {
	sess, err := r.sessions.ActiveForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return r.leases.GetBySession(ctx, sess.ID)
}

// CleanupThread destroys every instance the thread's sessions ever
// leased, then removes the terminal, session and lease rows. The
// thread service calls the two stages separately so the row drops can
// be interleaved with the rest of the delete cascade.
func (r *Resolver) CleanupThread(ctx context.Context, threadID string) error {
	if err := r.DestroyInstances(ctx, threadID); err != nil {
		return err
	}
	return r.DropRows(ctx, threadID)
}

// DestroyInstances tears down every instance leased to the thread's
// sessions. The instances to destroy are computed from the database,
// not from any in-memory registry, so drift cannot leak compute. Rows
// are untouched, so a failed destroy can be retried.
func (r *Resolver) DestroyInstances(ctx context.Context, threadID string) error {
	sessions, err := r.sessions.ListByThread(ctx, threadID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	sessionIDs := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		sessionIDs = append(sessionIDs, sess.ID)
	}

	leases, err := r.leases.LeasesForSessions(ctx, sessionIDs)
	if err != nil {
		return err
	}

	var destroyErr error
	for _, lease := range leases {
		if lease.InstanceID == nil {
			continue
		}
		provider, err := r.providers.Get(lease.Provider)
		if err != nil {
			r.logger.Warn("provider gone, skipping instance destroy",
				zap.String("lease_id", lease.ID),
				zap.String("provider", lease.Provider))
			continue
		}
		if err := provider.Destroy(ctx, *lease.InstanceID); err != nil {
			r.logger.Error("failed to destroy instance during cleanup",
				zap.String("lease_id", lease.ID),
				zap.String("instance_id", *lease.InstanceID),
				zap.Error(err))
			if destroyErr == nil {
				destroyErr = err
			}
		}
	}
	return destroyErr
}

// DropRows removes the thread's terminal, session and lease rows, in
// that order. Call only after DestroyInstances reported success.
func (r *Resolver) DropRows(ctx context.Context, threadID string) error {
	sessions, err := r.sessions.ListByThread(ctx, threadID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	sessionIDs := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		sessionIDs = append(sessionIDs, sess.ID)
	}

	if err := r.terminals.DeleteBySessions(ctx, sessionIDs); err != nil {
		return err
	}
	if _, err := r.sessions.DeleteByThread(ctx, threadID); err != nil {
		return err
	}
	if err := r.leases.DeleteBySessions(ctx, sessionIDs); err != nil {
		return err
	}

	r.logger.Info("thread resources cleaned up",
		zap.String("thread_id", threadID),
		zap.Int("sessions", len(sessionIDs)))
	return nil
}

// Orphans sweeps all providers for unleased instances.
func (r *Resolver) Orphans(ctx context.Context) (*v1.OrphanScanReport, error) {
	return r.reconciler.ScanOrphans(ctx)
}

// Adopt binds an orphan instance to a thread by opening a session and
// lease around it. The thread must not already have an active session.
func (r *Resolver) Adopt(ctx context.Context, threadID, providerName, instanceID string) (*v1.Lease, error) {
	thread, err := r.threads.Lookup(ctx, threadID)
	if err != nil {
		return nil, err
	}
	provider, err := r.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	state, err := provider.Status(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if state == sandbox.StateDestroyed {
		return nil, apperr.NotFoundf("instance %s not found on provider %s", instanceID, providerName)
	}

	if _, err := r.sessions.ActiveForThread(ctx, threadID); err == nil {
		return nil, apperr.Conflictf("thread %s already has an active session", threadID)
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	refs, err := r.leases.InstanceRefs(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Provider == providerName && ref.InstanceID == instanceID {
			return nil, apperr.Conflictf("instance %s is already leased", instanceID)
		}
	}

	sess, err := r.sessions.CreateActive(ctx, threadID, thread.Cwd, r.config.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	lease, err := r.leases.CreateForSession(ctx, sess.ID, providerName)
	if err != nil {
		return nil, err
	}
	observed := translateState(state)
	if err := r.leases.BindInstance(ctx, lease.ID, instanceID, observed); err != nil {
		return nil, err
	}
	if err := r.leases.RecordEvent(ctx, lease.ID, providerName, EventInstanceAdopted, map[string]any{
		"instance_id": instanceID,
		"thread_id":   threadID,
	}); err != nil {
		r.logger.Warn("failed to record adoption event", zap.Error(err))
	}

	// Converge if the orphan was found paused or mid-provisioning.
	r.reconciler.Kick()

	r.logger.Info("orphan adopted",
		zap.String("thread_id", threadID),
		zap.String("provider", providerName),
		zap.String("instance_id", instanceID),
		zap.String("observed", string(observed)))
	return r.leases.Get(ctx, lease.ID)
}

// DestroyOrphan destroys an unleased instance at the provider. No
// local rows are touched since none exist for it.
func (r *Resolver) DestroyOrphan(ctx context.Context, providerName, instanceID string) error {
	provider, err := r.providers.Get(providerName)
	if err != nil {
		return err
	}
	refs, err := r.leases.InstanceRefs(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Provider == providerName && ref.InstanceID == instanceID {
			return apperr.Conflictf("instance %s is leased by %s, delete the thread instead", instanceID, ref.LeaseID)
		}
	}
	if err := provider.Destroy(ctx, instanceID); err != nil {
		return err
	}
	r.logger.Info("orphan destroyed",
		zap.String("provider", providerName),
		zap.String("instance_id", instanceID))
	return nil
}

// Leases lists leases for the operator view.
func (r *Resolver) Leases(ctx context.Context, limit int) ([]*v1.Lease, error) {
	return r.leases.List(ctx, limit)
}

// DivergedLeases lists leases whose observed state disagrees with the
// desired state.
func (r *Resolver) DivergedLeases(ctx context.Context) ([]*v1.Lease, error) {
	return r.leases.ListDiverged(ctx)
}

// LeaseEvents returns one lease's reconciliation history.
func (r *Resolver) LeaseEvents(ctx context.Context, leaseID string, limit int) ([]*v1.LeaseEvent, error) {
	return r.leases.EventsForLease(ctx, leaseID, limit)
}

// RecentLeaseEvents returns the newest reconciliation events across
// all leases.
func (r *Resolver) RecentLeaseEvents(ctx context.Context, limit int) ([]*v1.LeaseEvent, error) {
	return r.leases.RecentEvents(ctx, limit)
}
