package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events"
	"github.com/getleon/leon/internal/events/bus"
	"github.com/getleon/leon/internal/sandbox"
	"github.com/getleon/leon/internal/tracing"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// Common errors
var (
	ErrReconcilerAlreadyRunning = errors.New("reconciler is already running")
	ErrReconcilerNotRunning     = errors.New("reconciler is not running")
)

// Lease event types recorded per reconciliation step.
const (
	EventInstanceCreated   = "instance_created"
	EventInstancePaused    = "instance_paused"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceDestroyed = "instance_destroyed"
	EventStateChanged      = "state_changed"
	EventReconcileFailed   = "reconcile_failed"
)

// maxRetryDelay caps the exponential backoff between retries.
const maxRetryDelay = 30 * time.Second

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	Interval       time.Duration // How often to sweep unconverged leases
	OrphanInterval time.Duration // How often to scan providers for orphans, 0 disables
	RetryLimit     int           // Max retries per lease on transient provider failures
	RetryBaseDelay time.Duration // Base delay for jittered exponential backoff
	AwaitPoll      time.Duration // Poll interval inside AwaitObserved
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:       500 * time.Millisecond,
		OrphanInterval: 5 * time.Minute,
		RetryLimit:     3,
		RetryBaseDelay: 250 * time.Millisecond,
		AwaitPoll:      25 * time.Millisecond,
	}
}

type retryState struct {
	count  int
	nextAt time.Time
}

// Reconciler drives every lease's observed state toward its desired
// state, one provider call per lease per tick. It is the only
// component that performs instance lifecycle operations.
type Reconciler struct {
	sessions  *SessionStore
	leases    *LeaseStore
	providers *sandbox.Registry
	eventBus  bus.EventBus
	logger    *logger.Logger
	config    ReconcilerConfig

	retryMu sync.Mutex
	retries map[string]*retryState

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	kickCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReconciler creates a reconciler over the given stores and
// provider registry.
func NewReconciler(
	sessions *SessionStore,
	leases *LeaseStore,
	providers *sandbox.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
	config ReconcilerConfig,
) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultReconcilerConfig().Interval
	}
	if config.RetryLimit <= 0 {
		config.RetryLimit = DefaultReconcilerConfig().RetryLimit
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultReconcilerConfig().RetryBaseDelay
	}
	if config.AwaitPoll <= 0 {
		config.AwaitPoll = DefaultReconcilerConfig().AwaitPoll
	}
	return &Reconciler{
		sessions:  sessions,
		leases:    leases,
		providers: providers,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "reconciler")),
		config:    config,
		retries:   make(map[string]*retryState),
		kickCh:    make(chan struct{}, 1),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrReconcilerAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reconciler starting",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("orphan_interval", r.config.OrphanInterval),
		zap.Int("retry_limit", r.config.RetryLimit))

	r.wg.Add(1)
	go r.processLoop(ctx)

	return nil
}

// Stop stops the reconciler
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrReconcilerNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reconciler stopped")
	return nil
}

// IsRunning returns true if the reconciler is active
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Kick schedules an immediate sweep without waiting for the next tick.
// Safe to call from any goroutine, never blocks.
func (r *Reconciler) Kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// AwaitObserved blocks until the lease reaches the wanted observed
// state, the lease parks in error, or the timeout passes. A timeout
// surfaces as ErrSandboxUnavailable.
func (r *Reconciler) AwaitObserved(ctx context.Context, leaseID string, want v1.LeaseObservedState, timeout time.Duration) error {
	r.Kick()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(r.config.AwaitPoll)
	defer poll.Stop()

	for {
		lease, err := r.leases.Get(ctx, leaseID)
		if err != nil {
			return err
		}
		if lease.Observed == want {
			return nil
		}
		if lease.Observed == v1.LeaseObservedError {
			msg := "lease is in error state"
			if lease.LastError != nil {
				msg = *lease.LastError
			}
			return apperr.Wrap(apperr.KindTransientUpstream, "reconciler.await", errors.New(msg))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return apperr.ErrSandboxUnavailable
		case <-poll.C:
		}
	}
}

// processLoop is the main reconciliation loop
func (r *Reconciler) processLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	var orphanCh <-chan time.Time
	if r.config.OrphanInterval > 0 {
		orphanTicker := time.NewTicker(r.config.OrphanInterval)
		defer orphanTicker.Stop()
		orphanCh = orphanTicker.C
	}

	r.logger.Info("reconciler loop started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("reconciler stopping due to stop signal")
			return
		case <-ticker.C:
			r.reconcileAll(ctx)
		case <-r.kickCh:
			r.reconcileAll(ctx)
		case <-orphanCh:
			r.runOrphanScan(ctx)
		}
	}
}

// reconcileAll advances every unconverged lease by one step.
func (r *Reconciler) reconcileAll(ctx context.Context) {
	ctx, span := tracing.Tracer("leon-reconciler").Start(ctx, "reconciler.sweep")
	defer span.End()

	leases, err := r.leases.ListUnconverged(ctx)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("failed to list unconverged leases", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("unconverged", len(leases)))

	now := time.Now()
	for _, lease := range leases {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		if !r.retryDue(lease.ID, now) {
			continue
		}
		r.step(ctx, lease)
	}
}

// step performs one transition for a lease according to its desired
// and observed states.
func (r *Reconciler) step(ctx context.Context, lease *v1.Lease) {
	switch lease.Desired {
	case v1.LeaseDesiredDestroyed:
		r.destroyInstance(ctx, lease)
	case v1.LeaseDesiredActive, v1.LeaseDesiredPaused:
		if string(lease.Observed) == string(lease.Desired) {
			return
		}
		switch lease.Observed {
		case v1.LeaseObservedUnknown, v1.LeaseObservedDestroyed:
			r.createInstance(ctx, lease)
		case v1.LeaseObservedProvisioning:
			r.pollInstance(ctx, lease)
		case v1.LeaseObservedPaused:
			r.resumeInstance(ctx, lease)
		case v1.LeaseObservedActive:
			r.pauseInstance(ctx, lease)
		}
	}
}

func (r *Reconciler) createInstance(ctx context.Context, lease *v1.Lease) {
	provider, err := r.providers.Get(lease.Provider)
	if err != nil {
		r.failPermanent(ctx, lease, "create", err)
		return
	}
	sess, err := r.sessions.Get(ctx, lease.SessionID)
	if err != nil {
		r.failPermanent(ctx, lease, "create", err)
		return
	}

	instanceID, err := provider.Create(ctx, sandbox.InstanceConfig{
		SessionID: lease.SessionID,
		ThreadID:  sess.ThreadID,
		WorkDir:   sess.DefaultCwd,
	})
	if err != nil {
		r.fail(ctx, lease, "create", err)
		return
	}

	from := lease.Observed
	if err := r.leases.BindInstance(ctx, lease.ID, instanceID, v1.LeaseObservedProvisioning); err != nil {
		r.logger.Error("failed to bind instance", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.clearRetry(lease.ID)
	r.record(ctx, lease, EventInstanceCreated, map[string]any{"instance_id": instanceID})
	r.publishTransition(ctx, lease, from, v1.LeaseObservedProvisioning, instanceID)
	r.logger.Info("instance created",
		zap.String("lease_id", lease.ID),
		zap.String("provider", lease.Provider),
		zap.String("instance_id", instanceID))
}

func (r *Reconciler) pollInstance(ctx context.Context, lease *v1.Lease) {
	provider, instanceID, ok := r.boundInstance(ctx, lease, "poll")
	if !ok {
		return
	}

	state, err := provider.Status(ctx, instanceID)
	if err != nil {
		r.fail(ctx, lease, "poll", err)
		return
	}
	observed := translateState(state)
	if observed == lease.Observed {
		return
	}
	if observed == v1.LeaseObservedError {
		r.failPermanent(ctx, lease, "poll", fmt.Errorf("instance %s reported error state", instanceID))
		return
	}

	if err := r.leases.SetObserved(ctx, lease.ID, observed); err != nil {
		r.logger.Error("failed to update observed state", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.clearRetry(lease.ID)
	r.record(ctx, lease, EventStateChanged, map[string]any{
		"instance_id": instanceID,
		"from":        lease.Observed,
		"to":          observed,
	})
	r.publishTransition(ctx, lease, lease.Observed, observed, instanceID)
}

func (r *Reconciler) pauseInstance(ctx context.Context, lease *v1.Lease) {
	provider, instanceID, ok := r.boundInstance(ctx, lease, "pause")
	if !ok {
		return
	}

	if err := provider.Pause(ctx, instanceID); err != nil {
		r.fail(ctx, lease, "pause", err)
		return
	}
	if err := r.leases.SetObserved(ctx, lease.ID, v1.LeaseObservedPaused); err != nil {
		r.logger.Error("failed to update observed state", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.clearRetry(lease.ID)
	r.record(ctx, lease, EventInstancePaused, map[string]any{"instance_id": instanceID})
	r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedPaused, instanceID)
	r.logger.Info("instance paused",
		zap.String("lease_id", lease.ID),
		zap.String("instance_id", instanceID))
}

func (r *Reconciler) resumeInstance(ctx context.Context, lease *v1.Lease) {
	provider, instanceID, ok := r.boundInstance(ctx, lease, "resume")
	if !ok {
		return
	}

	if err := provider.Resume(ctx, instanceID); err != nil {
		r.fail(ctx, lease, "resume", err)
		return
	}
	if err := r.leases.SetObserved(ctx, lease.ID, v1.LeaseObservedActive); err != nil {
		r.logger.Error("failed to update observed state", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.clearRetry(lease.ID)
	r.record(ctx, lease, EventInstanceResumed, map[string]any{"instance_id": instanceID})
	r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedActive, instanceID)
	r.logger.Info("instance resumed",
		zap.String("lease_id", lease.ID),
		zap.String("instance_id", instanceID))
}

func (r *Reconciler) destroyInstance(ctx context.Context, lease *v1.Lease) {
	if lease.InstanceID == nil {
		if err := r.leases.SetObserved(ctx, lease.ID, v1.LeaseObservedDestroyed); err != nil {
			r.logger.Error("failed to update observed state", zap.String("lease_id", lease.ID), zap.Error(err))
			return
		}
		r.clearRetry(lease.ID)
		r.record(ctx, lease, EventInstanceDestroyed, nil)
		r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedDestroyed, "")
		return
	}

	provider, err := r.providers.Get(lease.Provider)
	if err != nil {
		r.failPermanent(ctx, lease, "destroy", err)
		return
	}
	instanceID := *lease.InstanceID

	if err := provider.Destroy(ctx, instanceID); err != nil {
		r.fail(ctx, lease, "destroy", err)
		return
	}
	if err := r.leases.SetObserved(ctx, lease.ID, v1.LeaseObservedDestroyed); err != nil {
		r.logger.Error("failed to update observed state", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.clearRetry(lease.ID)
	r.record(ctx, lease, EventInstanceDestroyed, map[string]any{"instance_id": instanceID})
	r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedDestroyed, instanceID)
	r.logger.Info("instance destroyed",
		zap.String("lease_id", lease.ID),
		zap.String("instance_id", instanceID))
}

// boundInstance resolves the provider and instance a lease points at.
// A lease without an instance in a state that needs one is drifted;
// reset it to unknown so the create path picks it up.
func (r *Reconciler) boundInstance(ctx context.Context, lease *v1.Lease, op string) (sandbox.Provider, string, bool) {
	provider, err := r.providers.Get(lease.Provider)
	if err != nil {
		r.failPermanent(ctx, lease, op, err)
		return nil, "", false
	}
	if lease.InstanceID == nil {
		if err := r.leases.SetObserved(ctx, lease.ID, v1.LeaseObservedUnknown); err != nil {
			r.logger.Error("failed to reset drifted lease", zap.String("lease_id", lease.ID), zap.Error(err))
		}
		return nil, "", false
	}
	return provider, *lease.InstanceID, true
}

// fail handles one failed provider call. Transient failures get
// bounded, jittered retries; a missing instance resets the lease so it
// gets recreated; conflicts trigger a fresh status read; anything else
// parks the lease in error.
func (r *Reconciler) fail(ctx context.Context, lease *v1.Lease, op string, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindTransientUpstream:
		r.scheduleRetry(ctx, lease, op, err)
	case apperr.KindNotFound:
		r.logger.Warn("instance vanished, rescheduling create",
			zap.String("lease_id", lease.ID),
			zap.String("op", op),
			zap.Error(err))
		if serr := r.leases.SetObserved(ctx, lease.ID, v1.LeaseObservedDestroyed); serr != nil {
			r.logger.Error("failed to mark lease destroyed", zap.String("lease_id", lease.ID), zap.Error(serr))
			return
		}
		r.record(ctx, lease, EventStateChanged, map[string]any{
			"from":   lease.Observed,
			"to":     v1.LeaseObservedDestroyed,
			"detail": err.Error(),
		})
		r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedDestroyed, "")
	case apperr.KindConflict:
		// The provider disagrees about the instance's state; trust it
		// and re-read instead of fighting.
		r.refreshObserved(ctx, lease)
	default:
		r.failPermanent(ctx, lease, op, err)
	}
}

// refreshObserved re-reads the instance state from the provider and
// stores it verbatim.
func (r *Reconciler) refreshObserved(ctx context.Context, lease *v1.Lease) {
	provider, instanceID, ok := r.boundInstance(ctx, lease, "refresh")
	if !ok {
		return
	}
	state, err := provider.Status(ctx, instanceID)
	if err != nil {
		r.fail(ctx, lease, "refresh", err)
		return
	}
	observed := translateState(state)
	if observed == lease.Observed {
		return
	}
	if err := r.leases.SetObserved(ctx, lease.ID, observed); err != nil {
		r.logger.Error("failed to refresh observed state", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.record(ctx, lease, EventStateChanged, map[string]any{
		"instance_id": instanceID,
		"from":        lease.Observed,
		"to":          observed,
	})
	r.publishTransition(ctx, lease, lease.Observed, observed, instanceID)
}

// scheduleRetry books the next attempt with jittered exponential
// backoff, parking the lease in error once the limit is exhausted.
func (r *Reconciler) scheduleRetry(ctx context.Context, lease *v1.Lease, op string, cause error) {
	r.retryMu.Lock()
	rs := r.retries[lease.ID]
	if rs == nil {
		rs = &retryState{}
		r.retries[lease.ID] = rs
	}
	rs.count++
	count := rs.count
	exhausted := count > r.config.RetryLimit
	if exhausted {
		delete(r.retries, lease.ID)
	} else {
		rs.nextAt = time.Now().Add(r.backoff(count))
	}
	r.retryMu.Unlock()

	if !exhausted {
		r.logger.Warn("provider call failed, will retry",
			zap.String("lease_id", lease.ID),
			zap.String("op", op),
			zap.Int("attempt", count),
			zap.Error(cause))
		return
	}

	r.logger.Error("retry limit exceeded for lease",
		zap.String("lease_id", lease.ID),
		zap.String("op", op),
		zap.Int("retry_limit", r.config.RetryLimit),
		zap.Error(cause))
	if err := r.leases.SetError(ctx, lease.ID, cause.Error()); err != nil {
		r.logger.Error("failed to park lease in error", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.record(ctx, lease, EventReconcileFailed, map[string]any{
		"op":       op,
		"error":    cause.Error(),
		"attempts": count,
	})
	r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedError, "")
}

// failPermanent parks the lease in error without burning retries.
func (r *Reconciler) failPermanent(ctx context.Context, lease *v1.Lease, op string, cause error) {
	r.clearRetry(lease.ID)
	r.logger.Error("reconciliation failed for lease",
		zap.String("lease_id", lease.ID),
		zap.String("op", op),
		zap.Error(cause))
	if err := r.leases.SetError(ctx, lease.ID, cause.Error()); err != nil {
		r.logger.Error("failed to park lease in error", zap.String("lease_id", lease.ID), zap.Error(err))
		return
	}
	r.record(ctx, lease, EventReconcileFailed, map[string]any{
		"op":    op,
		"error": cause.Error(),
	})
	r.publishTransition(ctx, lease, lease.Observed, v1.LeaseObservedError, "")
}

func (r *Reconciler) retryDue(leaseID string, now time.Time) bool {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	rs := r.retries[leaseID]
	return rs == nil || !now.Before(rs.nextAt)
}

func (r *Reconciler) clearRetry(leaseID string) {
	r.retryMu.Lock()
	delete(r.retries, leaseID)
	r.retryMu.Unlock()
}

func (r *Reconciler) backoff(attempt int) time.Duration {
	base := r.config.RetryBaseDelay * (1 << (attempt - 1))
	if base > maxRetryDelay {
		base = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) - base/2
	return base + jitter
}

// record appends a lease event; event-log failures are logged, never
// block reconciliation.
func (r *Reconciler) record(ctx context.Context, lease *v1.Lease, eventType string, payload map[string]any) {
	if err := r.leases.RecordEvent(ctx, lease.ID, lease.Provider, eventType, payload); err != nil {
		r.logger.Warn("failed to record lease event",
			zap.String("lease_id", lease.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// publishTransition announces a lease state change on the event bus.
func (r *Reconciler) publishTransition(ctx context.Context, lease *v1.Lease, from, to v1.LeaseObservedState, instanceID string) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"lease_id":   lease.ID,
		"session_id": lease.SessionID,
		"provider":   lease.Provider,
		"from":       string(from),
		"to":         string(to),
	}
	if instanceID != "" {
		data["instance_id"] = instanceID
	}
	event := bus.NewEvent(events.LeaseStateChanged, "reconciler", data)
	if err := r.eventBus.Publish(ctx, events.BuildLeaseStateSubject(lease.ID), event); err != nil {
		r.logger.Warn("failed to publish lease transition",
			zap.String("lease_id", lease.ID),
			zap.Error(err))
	}
}

// ScanOrphans lists every provider's instances and returns the ones no
// lease points at. Provider outages are reported per provider, not
// fatal to the sweep.
func (r *Reconciler) ScanOrphans(ctx context.Context) (*v1.OrphanScanReport, error) {
	refs, err := r.leases.InstanceRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load lease instance refs: %w", err)
	}
	leased := make(map[string]bool, len(refs))
	for _, ref := range refs {
		leased[ref.Provider+"/"+ref.InstanceID] = true
	}

	report := &v1.OrphanScanReport{ScannedAt: time.Now().UTC()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range r.providers.All() {
		provider := provider
		g.Go(func() error {
			instances, err := provider.ListInstances(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if report.ProviderErrors == nil {
					report.ProviderErrors = make(map[string]string)
				}
				report.ProviderErrors[provider.Name()] = err.Error()
				return nil
			}
			for _, inst := range instances {
				if leased[provider.Name()+"/"+inst.ID] {
					continue
				}
				report.Orphans = append(report.Orphans, v1.OrphanInstance{
					Provider:   provider.Name(),
					InstanceID: inst.ID,
					Name:       inst.Name,
					State:      string(inst.State),
					Labels:     inst.Labels,
					SeenAt:     report.ScannedAt,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

// runOrphanScan is the periodic sweep: it logs findings and announces
// each orphan on the bus for the operator surface.
func (r *Reconciler) runOrphanScan(ctx context.Context) {
	report, err := r.ScanOrphans(ctx)
	if err != nil {
		r.logger.Error("orphan scan failed", zap.Error(err))
		return
	}
	for name, msg := range report.ProviderErrors {
		r.logger.Warn("provider unavailable during orphan scan",
			zap.String("provider", name),
			zap.String("error", msg))
	}
	if len(report.Orphans) == 0 {
		return
	}
	r.logger.Warn("orphan instances found", zap.Int("count", len(report.Orphans)))
	if r.eventBus == nil {
		return
	}
	for _, orphan := range report.Orphans {
		event := bus.NewEvent(events.LeaseOrphanFound, "reconciler", map[string]interface{}{
			"provider":    orphan.Provider,
			"instance_id": orphan.InstanceID,
			"name":        orphan.Name,
			"state":       orphan.State,
		})
		if err := r.eventBus.Publish(ctx, events.LeaseOrphanFound, event); err != nil {
			r.logger.Warn("failed to publish orphan event", zap.Error(err))
		}
	}
}

// translateState maps a provider-reported state onto the lease's
// observed vocabulary. The two share spellings.
func translateState(state sandbox.State) v1.LeaseObservedState {
	switch state {
	case sandbox.StateProvisioning:
		return v1.LeaseObservedProvisioning
	case sandbox.StateActive:
		return v1.LeaseObservedActive
	case sandbox.StatePaused:
		return v1.LeaseObservedPaused
	case sandbox.StateDestroyed:
		return v1.LeaseObservedDestroyed
	case sandbox.StateError:
		return v1.LeaseObservedError
	default:
		return v1.LeaseObservedUnknown
	}
}
