package run

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events"
	"github.com/getleon/leon/internal/events/bus"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// ErrStreamEnd is returned by Observer.Next when the run stream has
// delivered its terminal event and the log is exhausted.
var ErrStreamEnd = errors.New("run event stream ended")

const (
	defaultCancelGrace = 5 * time.Second
	defaultRetention   = 24 * time.Hour
	observeBatchSize   = 200
)

// ModelProvider yields the model used for a thread's runs.
type ModelProvider interface {
	ModelFor(ctx context.Context, threadID string) (agent.Model, error)
}

// RunnerResolver resolves the sandboxed command runner for a thread.
// The release func persists terminal state back and must be called
// when the run finishes.
type RunnerResolver interface {
	RunnerFor(ctx context.Context, threadID string) (agent.CommandRunner, func(), error)
}

// ContextPreparer shapes the message history before each model call.
type ContextPreparer interface {
	PrepareContext(ctx context.Context, threadID string, msgs []agent.Message) ([]agent.Message, error)
}

// UsageReporter is optionally implemented by a ContextPreparer that
// tracks token pressure and spend per thread.
type UsageReporter interface {
	ContextUsage(threadID string) *v1.ContextUsage
	TokenUsage(threadID string) *v1.TokenTotals
}

// UsageRecorder is optionally implemented by a ContextPreparer that
// accumulates the tokens a finished run consumed.
type UsageRecorder interface {
	RecordUsage(threadID, model string, usage agent.Usage)
}

// Options tune the supervisor. Zero values fall back to defaults.
type Options struct {
	RingCapacity   int
	CancelGrace    time.Duration
	Retention      time.Duration
	MaxIterations  int
	MaxToolWorkers int
	SystemPrompt   string
}

func (o Options) withDefaults() Options {
	if o.RingCapacity <= 0 {
		o.RingCapacity = DefaultRingCapacity
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = defaultCancelGrace
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	return o
}

// runOptions are per-run settings carried for the duration of a single
// run, as opposed to Options which configure the supervisor.
type runOptions struct {
	steerDisabled bool
	trajectory    bool
}

// RunOption customizes a single run.
type RunOption func(*runOptions)

// WithSteerDisabled rejects steer notes for this run; the queue router
// falls back to followup queueing instead.
func WithSteerDisabled() RunOption {
	return func(o *runOptions) { o.steerDisabled = true }
}

// WithTrajectory records the full message transcript on the done event
// so the run can be replayed or graded offline.
func WithTrajectory() RunOption {
	return func(o *runOptions) { o.trajectory = true }
}

// Supervisor drives at most one run per thread and fans the resulting
// event stream out to observers. It owns the process-wide registry of
// per-thread event buffers.
type Supervisor struct {
	store       *Store
	log         *EventLog
	checkpoints checkpoint.Store
	models      ModelProvider
	runners     RunnerResolver
	prepare     ContextPreparer
	eventBus    bus.EventBus
	logger      *logger.Logger
	opts        Options

	mu       sync.Mutex
	threads  map[string]*threadRuntime
	notifier TaskSink
	drainFn  func(threadID string)
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	producers  sync.WaitGroup
}

// threadRuntime is one thread's live entry in the registry. The buffer
// and cancel fields are set for the duration of a run and cleared on
// finalize.
type threadRuntime struct {
	threadID string
	machine  *Machine
	steer    *agent.SteerInbox

	mu          sync.Mutex
	buffer      *Buffer
	runID       string
	runOpts     runOptions
	cancel      context.CancelFunc
	done        chan struct{}
	currentTool string
	lastSeq     int64

	// emitMu serializes every emitter for the thread so the seq peeked
	// before the log append is the one the buffer assigns.
	emitMu   sync.Mutex
	terminal bool
}

// NewSupervisor wires the supervisor. Model, runner, preparer and
// notifier collaborators may be nil; runs then proceed without the
// corresponding capability.
func NewSupervisor(store *Store, eventLog *EventLog, checkpoints checkpoint.Store, models ModelProvider, eventBus bus.EventBus, log *logger.Logger, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:       store,
		log:         eventLog,
		checkpoints: checkpoints,
		models:      models,
		eventBus:    eventBus,
		logger:      log,
		opts:        opts.withDefaults(),
		threads:     make(map[string]*threadRuntime),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// SetRunnerResolver injects the sandbox resolution chain. Separate
// from the constructor because the resolver is wired after storage.
func (s *Supervisor) SetRunnerResolver(r RunnerResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = r
}

// SetContextPreparer injects the memory manager.
func (s *Supervisor) SetContextPreparer(p ContextPreparer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepare = p
}

// TaskSink receives sub-agent completion notices tagged with the
// owning thread. The queue router implements this to park the notice
// until the thread's next IDLE drain.
type TaskSink interface {
	NotifyTaskDone(ctx context.Context, threadID, description, result string)
}

// SetTaskNotifier injects the queue router's task-notification sink.
func (s *Supervisor) SetTaskNotifier(n TaskSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// SetDrainHook registers the queue router's on-enter-IDLE drain. The
// hook runs on every IDLE entry for any thread.
func (s *Supervisor) SetDrainHook(fn func(threadID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainFn = fn
}

// RecoverStale finalizes runs left in the running state by a previous
// process. Call once at startup before serving requests.
func (s *Supervisor) RecoverStale(ctx context.Context) error {
	ids, err := s.store.FinishStale(ctx, "interrupted: server restart")
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		s.logger.Warn("finalized stale runs from previous process",
			zap.Int("count", len(ids)),
			zap.Strings("run_ids", ids))
	}
	return nil
}

// thread returns the registry entry for threadID, creating it on first
// use with the transition observer and drain hook attached.
func (s *Supervisor) thread(threadID string) *threadRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.threads[threadID]; ok {
		return ts
	}
	ts := &threadRuntime{
		threadID: threadID,
		steer:    agent.NewSteerInbox(),
	}
	ts.machine = NewMachine(func(from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags) {
		s.onTransition(ts, from, to, flags)
	})
	ts.machine.OnEnter(v1.ThreadStateIdle, func() {
		s.mu.Lock()
		drain := s.drainFn
		s.mu.Unlock()
		if drain != nil {
			drain(threadID)
		}
	})
	s.threads[threadID] = ts
	return ts
}

// lookup returns the registry entry without creating one.
func (s *Supervisor) lookup(threadID string) *threadRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[threadID]
}

// onTransition turns state changes into status events on the live run
// stream. With no live buffer the change is snapshot-only.
func (s *Supervisor) onTransition(ts *threadRuntime, from, to v1.ThreadLifecycleState, flags v1.RuntimeFlags) {
	if from == to {
		return
	}
	// Entering RUNNING from anywhere but a tool round is the run's own
	// start: the stream opens with the first payload event at seq 1,
	// and the state change is visible through the runtime snapshot.
	if to == v1.ThreadStateRunning && from != v1.ThreadStateToolExec {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"status": string(to),
		"from":   string(from),
		"flags":  flags,
	})
	_ = ts.emit(s, v1.RunEvent{EventType: v1.EventStatus, Data: data})
}

// StartRun launches a producer for the thread. Returns
// apperr.ErrAlreadyRunning when a run is active.
func (s *Supervisor) StartRun(ctx context.Context, threadID, message string, opts ...RunOption) (string, error) {
	if threadID == "" {
		return "", apperr.Validationf("thread_id is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", apperr.Conflictf("supervisor is shutting down")
	}
	s.mu.Unlock()

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ts := s.thread(threadID)
	ts.mu.Lock()
	if ts.buffer != nil {
		ts.mu.Unlock()
		return "", apperr.ErrAlreadyRunning
	}

	run, err := s.store.Create(ctx, threadID)
	if err != nil {
		ts.mu.Unlock()
		return "", err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	ts.buffer = NewBuffer(threadID, run.ID, s.opts.RingCapacity)
	ts.runID = run.ID
	ts.runOpts = ro
	ts.cancel = cancel
	ts.done = make(chan struct{})
	ts.currentTool = ""
	ts.lastSeq = 0
	ts.terminal = false
	done := ts.done
	ts.mu.Unlock()

	if err := ts.machine.Transition(v1.ThreadStateRunning); err != nil {
		// The machine can refuse only from SHUTDOWN; undo the record.
		cancel()
		_ = s.store.Finish(context.WithoutCancel(ctx), run.ID, v1.RunStateError, "thread is shut down")
		ts.clearRun()
		return "", err
	}

	s.producers.Add(1)
	go func() {
		defer s.producers.Done()
		defer close(done)
		s.runProducer(runCtx, ts, run.ID, message)
	}()

	s.logger.WithThreadID(threadID).WithRunID(run.ID).Info("run started")
	return run.ID, nil
}

// CancelRun signals the active producer to stop. The producer emits a
// cancelled terminal within the grace period or is forcibly finalized
// as error{timeout}.
func (s *Supervisor) CancelRun(ctx context.Context, threadID string) (string, error) {
	ts := s.lookup(threadID)
	if ts == nil {
		return "", apperr.ErrNoActiveRun
	}
	ts.mu.Lock()
	if ts.buffer == nil || ts.cancel == nil {
		ts.mu.Unlock()
		return "", apperr.ErrNoActiveRun
	}
	runID := ts.runID
	cancel := ts.cancel
	done := ts.done
	ts.mu.Unlock()

	ts.machine.UpdateFlags(func(f *v1.RuntimeFlags) { f.InterruptRequested = true })
	_ = ts.machine.Transition(v1.ThreadStateCancelling)
	cancel()

	s.producers.Add(1)
	go func() {
		defer s.producers.Done()
		s.enforceCancelGrace(ts, runID, done)
	}()

	s.logger.WithThreadID(threadID).WithRunID(runID).Info("run cancellation requested")
	return runID, nil
}

// enforceCancelGrace forcibly finalizes a producer that ignored the
// cooperative cancel for longer than the grace period.
func (s *Supervisor) enforceCancelGrace(ts *threadRuntime, runID string, done chan struct{}) {
	timer := time.NewTimer(s.opts.CancelGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	log := s.logger.WithThreadID(ts.threadID).WithRunID(runID)
	log.Warn("producer did not stop within cancel grace, forcing error terminal",
		zap.Duration("grace", s.opts.CancelGrace))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := "timeout: producer did not stop within grace period"
	data, _ := json.Marshal(map[string]any{"message": msg, "kind": apperr.KindFatal.String()})
	_ = ts.emit(s, v1.RunEvent{EventType: v1.EventError, Data: data})
	if err := s.store.Finish(ctx, runID, v1.RunStateError, msg); err != nil {
		log.WithError(err).Error("failed to finalize timed-out run")
	}
	s.finalize(ts, runID)
	_ = ts.machine.Transition(v1.ThreadStateError)
	_ = ts.machine.Transition(v1.ThreadStateRecovering)
	_ = ts.machine.Transition(v1.ThreadStateIdle)
}

// finalize closes the buffer, publishes run.finished, prunes old runs'
// events, and clears the registry entry for the next run. Idempotent:
// the second caller finds the buffer already gone.
func (s *Supervisor) finalize(ts *threadRuntime, runID string) {
	ts.mu.Lock()
	buf := ts.buffer
	if buf == nil || ts.runID != runID {
		ts.mu.Unlock()
		return
	}
	ts.clearRunLocked()
	ts.mu.Unlock()

	buf.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cutoff := time.Now().UTC().Add(-s.opts.Retention)
	if n, err := s.log.PruneBefore(ctx, ts.threadID, runID, cutoff); err != nil {
		s.logger.WithThreadID(ts.threadID).WithError(err).Warn("event retention prune failed")
	} else if n > 0 {
		s.logger.WithThreadID(ts.threadID).Debug("pruned old run events", zap.Int64("rows", n))
	}
	if _, err := s.store.DeleteFinishedBefore(ctx, ts.threadID, runID, cutoff); err != nil {
		s.logger.WithThreadID(ts.threadID).WithError(err).Warn("run retention prune failed")
	}

	if s.eventBus != nil {
		evt := bus.NewEvent(events.RunFinished, "supervisor", map[string]interface{}{
			"thread_id": ts.threadID,
			"run_id":    runID,
		})
		if err := s.eventBus.Publish(ctx, events.BuildRunFinishedSubject(ts.threadID), evt); err != nil {
			s.logger.WithThreadID(ts.threadID).WithError(err).Warn("failed to publish run.finished")
		}
	}
}

func (ts *threadRuntime) clearRun() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.clearRunLocked()
}

func (ts *threadRuntime) clearRunLocked() {
	ts.buffer = nil
	ts.cancel = nil
	ts.currentTool = ""
	ts.runOpts = runOptions{}
}

// emit is the durability point for one event: reserve the next seq,
// append to the log, publish to the ring, then mirror to the bus. A
// log append failure is fatal to the run. Emissions after the terminal
// event are logged and dropped.
func (ts *threadRuntime) emit(s *Supervisor, evt v1.RunEvent) error {
	ts.emitMu.Lock()
	defer ts.emitMu.Unlock()

	ts.mu.Lock()
	buf := ts.buffer
	runID := ts.runID
	terminal := ts.terminal
	ts.mu.Unlock()
	if buf == nil || terminal {
		s.logger.WithThreadID(ts.threadID).Debug("dropping event emitted after terminal",
			zap.String("event_type", string(evt.EventType)))
		return nil
	}

	evt.ThreadID = ts.threadID
	evt.RunID = runID
	evt.Seq = buf.NextSeq()
	evt.CreatedAt = time.Now().UTC()

	// Detached context: the terminal event of a cancelled run must
	// still reach the log after the producer context is gone.
	if err := s.log.Append(context.Background(), evt); err != nil {
		return apperr.Wrap(apperr.KindFatal, "run.emit", err)
	}
	stamped := buf.Put(evt)

	ts.mu.Lock()
	ts.lastSeq = stamped.Seq
	ts.trackEmitLocked(stamped)
	if stamped.EventType.IsTerminal() {
		ts.terminal = true
	}
	ts.mu.Unlock()

	if s.eventBus != nil {
		busEvt := bus.NewEvent(events.RunEvent, "producer", map[string]interface{}{
			"thread_id":  stamped.ThreadID,
			"run_id":     stamped.RunID,
			"seq":        stamped.Seq,
			"event_type": string(stamped.EventType),
		})
		if err := s.eventBus.Publish(context.Background(), events.BuildRunEventSubject(ts.threadID), busEvt); err != nil {
			s.logger.WithThreadID(ts.threadID).WithError(err).Debug("failed to publish run event to bus")
		}
	}
	return nil
}

// trackEmitLocked keeps the runtime snapshot's current_tool and steer
// flag in step with the stream contents.
func (ts *threadRuntime) trackEmitLocked(evt v1.RunEvent) {
	switch evt.EventType {
	case v1.EventToolCall:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(evt.Data, &payload); err == nil {
			ts.currentTool = payload.Name
		}
	case v1.EventToolResult:
		ts.currentTool = ""
	}
}

// Steer queues a mid-run note injected before the next model call.
func (s *Supervisor) Steer(threadID, note string) error {
	ts := s.lookup(threadID)
	if ts == nil {
		return apperr.ErrNoActiveRun
	}
	ts.mu.Lock()
	active := ts.buffer != nil
	disabled := ts.runOpts.steerDisabled
	ts.mu.Unlock()
	if !active {
		return apperr.ErrNoActiveRun
	}
	if disabled {
		return apperr.Conflictf("steering is disabled for this run")
	}
	ts.steer.Push(note)
	ts.machine.UpdateFlags(func(f *v1.RuntimeFlags) { f.SteerRequested = true })
	return nil
}

// SteerEnabled reports whether the active run accepts steer notes. The
// queue router uses it to choose between steering and followup
// queueing. True when no run is active.
func (s *Supervisor) SteerEnabled(threadID string) bool {
	ts := s.lookup(threadID)
	if ts == nil {
		return true
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return !ts.runOpts.steerDisabled
}

// PushSteerNote stores a note without requiring an active run, for
// backlog injected into the next run's context.
func (s *Supervisor) PushSteerNote(threadID, note string) {
	ts := s.thread(threadID)
	ts.steer.Push(note)
}

// MarkSuspended reflects a sandbox pause or resume on the thread's
// lifecycle state.
func (s *Supervisor) MarkSuspended(threadID string, paused bool) {
	ts := s.thread(threadID)
	ts.machine.UpdateFlags(func(f *v1.RuntimeFlags) { f.SandboxPaused = paused })
	if paused {
		_ = ts.machine.Transition(v1.ThreadStateSuspended)
	} else if ts.machine.State() == v1.ThreadStateSuspended {
		_ = ts.machine.Transition(v1.ThreadStateIdle)
	}
}

// SetPendingQueue reflects queue depth on the runtime flags.
func (s *Supervisor) SetPendingQueue(threadID string, pending bool) {
	ts := s.thread(threadID)
	ts.machine.UpdateFlags(func(f *v1.RuntimeFlags) { f.HasPendingQueue = pending })
}

// State returns the lifecycle state for routing decisions.
func (s *Supervisor) State(threadID string) v1.ThreadLifecycleState {
	ts := s.lookup(threadID)
	if ts == nil {
		return v1.ThreadStateIdle
	}
	return ts.machine.State()
}

// RuntimeStatus returns a point-in-time snapshot of the thread's
// supervisor state. Queue depth and lease info are merged in by the
// transport layer.
func (s *Supervisor) RuntimeStatus(threadID string) v1.ThreadRuntime {
	rt := v1.ThreadRuntime{
		ThreadID: threadID,
		State:    v1.ThreadStateIdle,
	}
	ts := s.lookup(threadID)
	if ts != nil {
		rt.State, rt.Flags = ts.machine.Snapshot()
		ts.mu.Lock()
		if ts.buffer != nil {
			runID := ts.runID
			rt.ActiveRunID = &runID
		}
		rt.CurrentTool = ts.currentTool
		rt.LastSeq = ts.lastSeq
		ts.mu.Unlock()
	}
	s.mu.Lock()
	prepare := s.prepare
	s.mu.Unlock()
	if reporter, ok := prepare.(UsageReporter); ok {
		rt.ContextUsage = reporter.ContextUsage(threadID)
		rt.TokenUsage = reporter.TokenUsage(threadID)
	}
	return rt
}

// DropThread removes the thread's registry entry after a delete.
// Fails while a run is active.
func (s *Supervisor) DropThread(threadID string) error {
	ts := s.lookup(threadID)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	active := ts.buffer != nil
	ts.mu.Unlock()
	if active {
		return apperr.ErrAlreadyRunning
	}
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}

// Shutdown cancels all producers cooperatively and waits for them to
// drain, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	threads := make([]*threadRuntime, 0, len(s.threads))
	for _, ts := range s.threads {
		threads = append(threads, ts)
	}
	s.mu.Unlock()

	s.baseCancel()
	for _, ts := range threads {
		_ = ts.machine.Transition(v1.ThreadStateShutdown)
	}

	doneCh := make(chan struct{})
	go func() {
		s.producers.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		s.logger.Info("supervisor shut down, all producers drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn("supervisor shutdown timed out waiting for producers")
		return ctx.Err()
	}
}

// Observer yields one run's events in seq order, merging durable log
// replay with the live ring. A subscriber that lags the ring falls
// back to the log transparently.
type Observer struct {
	sup      *Supervisor
	threadID string
	runID    string
	cursor   int64
	sub      *Subscription
	buf      *Buffer
	pending  []v1.RunEvent
	ended    bool
}

// Observe opens an observer for the thread's active run, or for the
// latest recorded run when nothing is live.
func (s *Supervisor) Observe(ctx context.Context, threadID string, after int64) (*Observer, error) {
	o := &Observer{sup: s, threadID: threadID, cursor: after}

	ts := s.lookup(threadID)
	if ts != nil {
		ts.mu.Lock()
		if ts.buffer != nil {
			o.buf = ts.buffer
			o.runID = ts.runID
			o.sub = ts.buffer.Subscribe(after)
		}
		ts.mu.Unlock()
	}
	if o.buf == nil {
		runID, err := s.log.LatestRunID(ctx, threadID)
		if err != nil {
			return nil, err
		}
		o.runID = runID
	}
	return o, nil
}

// RunID reports which run the observer is attached to.
func (o *Observer) RunID() string { return o.runID }

// Next returns the next event in order, blocking until one is
// available. Returns ErrStreamEnd after the stream completes.
func (o *Observer) Next(ctx context.Context) (v1.RunEvent, error) {
	for {
		if o.ended {
			return v1.RunEvent{}, ErrStreamEnd
		}
		if len(o.pending) > 0 {
			evt := o.pending[0]
			o.pending = o.pending[1:]
			if evt.Seq <= o.cursor {
				continue
			}
			o.cursor = evt.Seq
			if evt.EventType.IsTerminal() {
				o.ended = true
			}
			return evt, nil
		}

		batch, err := o.sup.log.ListAfter(ctx, o.threadID, o.runID, o.cursor, observeBatchSize)
		if err != nil {
			return v1.RunEvent{}, err
		}
		if len(batch) > 0 {
			o.pending = batch
			continue
		}

		if o.sub == nil {
			// Log-only mode: the remaining log is the whole stream.
			o.ended = true
			return v1.RunEvent{}, ErrStreamEnd
		}

		evt, err := o.sub.Next(ctx)
		switch {
		case err == nil:
			if evt.Seq <= o.cursor {
				continue
			}
			o.cursor = evt.Seq
			if evt.EventType.IsTerminal() {
				o.ended = true
			}
			return evt, nil
		case errors.Is(err, ErrLagged):
			// Resume from the durable log at the current cursor.
			o.sub = o.buf.Subscribe(o.cursor)
			continue
		case errors.Is(err, ErrBufferClosed):
			// Final sweep of the log, then end.
			o.sub = nil
			continue
		default:
			return v1.RunEvent{}, err
		}
	}
}
