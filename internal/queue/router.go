package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events"
	"github.com/getleon/leon/internal/events/bus"
	"github.com/getleon/leon/internal/run"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// Supervisor is the slice of the run supervisor the router drives.
type Supervisor interface {
	State(threadID string) v1.ThreadLifecycleState
	SteerEnabled(threadID string) bool
	StartRun(ctx context.Context, threadID, message string, opts ...run.RunOption) (string, error)
	CancelRun(ctx context.Context, threadID string) (string, error)
	Steer(threadID, note string) error
	SetPendingQueue(threadID string, pending bool)
}

// Options tune router behavior.
type Options struct {
	// InterruptWait bounds how long Route blocks for a cancelled run to
	// finalize before handing the replacement message to the IDLE drain.
	InterruptWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.InterruptWait <= 0 {
		o.InterruptWait = 15 * time.Second
	}
	return o
}

// interruptSlot parks the replacement message of an interrupt until
// the cancelled run finalizes. The drain consumes it ahead of the FIFO.
type interruptSlot struct {
	content string
	result  chan interruptResult
}

type interruptResult struct {
	runID string
	err   error
}

// Router decides what happens to an inbound message based on the
// thread's lifecycle state: start a run, inject into the live run, or
// park in the durable FIFO. It owns the per-thread queue and drains it
// on every IDLE entry.
type Router struct {
	store    *Store
	sup      Supervisor
	eventBus bus.EventBus
	logger   *logger.Logger
	opts     Options

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	interrupts map[string]*interruptSlot
}

// NewRouter wires the router. Register it on the supervisor with
// SetDrainHook(router.Drain) and SetTaskNotifier(router).
func NewRouter(store *Store, sup Supervisor, eventBus bus.EventBus, log *logger.Logger, opts Options) *Router {
	return &Router{
		store:      store,
		sup:        sup,
		eventBus:   eventBus,
		logger:     log,
		opts:       opts.withDefaults(),
		locks:      make(map[string]*sync.Mutex),
		interrupts: make(map[string]*interruptSlot),
	}
}

// threadLock returns the mutex serializing queue decisions for one
// thread. Route and Drain both take it, so a decision never races a
// drain on the same thread.
func (r *Router) threadLock(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[threadID] = lock
	}
	return lock
}

// Route places one user message according to the thread's state:
//
//	IDLE, queue empty        start a run now (immediate)
//	IDLE, queue non-empty    append to the FIFO (followup)
//	RUNNING, steer enabled   inject into the live run (steer)
//	RUNNING, steer disabled  append to the FIFO (collect)
//	RUNNING, interrupt set   cancel, then start with this message
//	SUSPENDED                park until resume (steer_backlog)
//
// CANCELLING, ERROR and RECOVERING queue as followup; the message runs
// once the thread settles back to IDLE.
func (r *Router) Route(ctx context.Context, threadID, content string, interrupt bool) (*v1.SendMessageResponse, error) {
	if threadID == "" {
		return nil, apperr.Validationf("thread_id is required")
	}
	if content == "" {
		return nil, apperr.Validationf("message is required")
	}

	lock := r.threadLock(threadID)
	lock.Lock()

	state := r.sup.State(threadID)
	if state == v1.ThreadStateShutdown {
		lock.Unlock()
		return nil, apperr.Conflictf("thread %s is shut down", threadID)
	}

	if interrupt && stateHasLiveRun(state) {
		return r.routeInterrupt(ctx, lock, threadID, content)
	}

	defer lock.Unlock()
	switch state {
	case v1.ThreadStateIdle:
		depth, err := r.store.Depth(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if depth == 0 {
			runID, err := r.sup.StartRun(ctx, threadID, content)
			if err == nil {
				return &v1.SendMessageResponse{Status: "started", Routing: v1.RoutingImmediate, RunID: runID}, nil
			}
			if !errors.Is(err, apperr.ErrAlreadyRunning) {
				return nil, err
			}
			// Lost the race to another starter. Fall through to queue.
		}
		if _, err := r.enqueue(ctx, threadID, v1.MessageKindUser, content, v1.RoutingFollowup); err != nil {
			return nil, err
		}
		// A non-empty queue while IDLE means an earlier drain stalled,
		// so promote the head here rather than waiting for the next
		// IDLE entry that may never come.
		r.drainLocked(ctx, threadID)
		return &v1.SendMessageResponse{Status: "queued", Routing: v1.RoutingFollowup}, nil

	case v1.ThreadStateRunning, v1.ThreadStateToolExec:
		if r.sup.SteerEnabled(threadID) {
			err := r.sup.Steer(threadID, content)
			if err == nil {
				return &v1.SendMessageResponse{Status: "steered", Routing: v1.RoutingSteer}, nil
			}
			if !errors.Is(err, apperr.ErrNoActiveRun) {
				return nil, err
			}
			// Run finished under us; its IDLE drain is parked on our
			// lock and will promote the message we queue below.
		}
		if _, err := r.enqueue(ctx, threadID, v1.MessageKindUser, content, v1.RoutingCollect); err != nil {
			return nil, err
		}
		return &v1.SendMessageResponse{Status: "queued", Routing: v1.RoutingCollect}, nil

	case v1.ThreadStateSuspended:
		if _, err := r.enqueue(ctx, threadID, v1.MessageKindUser, content, v1.RoutingSteerBacklog); err != nil {
			return nil, err
		}
		return &v1.SendMessageResponse{Status: "parked", Routing: v1.RoutingSteerBacklog}, nil

	default:
		// CANCELLING, ERROR, RECOVERING
		if _, err := r.enqueue(ctx, threadID, v1.MessageKindUser, content, v1.RoutingFollowup); err != nil {
			return nil, err
		}
		return &v1.SendMessageResponse{Status: "queued", Routing: v1.RoutingFollowup}, nil
	}
}

func stateHasLiveRun(state v1.ThreadLifecycleState) bool {
	switch state {
	case v1.ThreadStateRunning, v1.ThreadStateToolExec, v1.ThreadStateCancelling:
		return true
	}
	return false
}

// routeInterrupt cancels the live run and hands the replacement
// message to the IDLE drain through the interrupt slot, so it wins
// over any queued followups. The caller holds lock; routeInterrupt
// releases it before blocking on the result.
func (r *Router) routeInterrupt(ctx context.Context, lock *sync.Mutex, threadID, content string) (*v1.SendMessageResponse, error) {
	slot := &interruptSlot{
		content: content,
		result:  make(chan interruptResult, 1),
	}
	r.mu.Lock()
	if r.interrupts[threadID] != nil {
		r.mu.Unlock()
		lock.Unlock()
		return nil, apperr.Conflictf("thread %s already has an interrupt in flight", threadID)
	}
	r.interrupts[threadID] = slot
	r.mu.Unlock()

	_, err := r.sup.CancelRun(ctx, threadID)
	if err != nil && !errors.Is(err, apperr.ErrNoActiveRun) {
		r.disarmInterrupt(threadID)
		lock.Unlock()
		return nil, err
	}
	if errors.Is(err, apperr.ErrNoActiveRun) {
		// The run finished between the state read and the cancel. The
		// drain is parked on our lock, so consume the slot and start
		// the replacement directly.
		r.disarmInterrupt(threadID)
		runID, err := r.sup.StartRun(ctx, threadID, content)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		return &v1.SendMessageResponse{Status: "started", Routing: v1.RoutingInterrupt, RunID: runID}, nil
	}
	lock.Unlock()

	select {
	case res := <-slot.result:
		if res.err != nil {
			return nil, res.err
		}
		return &v1.SendMessageResponse{Status: "started", Routing: v1.RoutingInterrupt, RunID: res.runID}, nil
	case <-time.After(r.opts.InterruptWait):
		// The slot stays armed; the drain fires it when the cancelled
		// run finally finalizes.
		r.logger.WithThreadID(threadID).Warn("interrupt replacement still pending after cancel grace")
		return &v1.SendMessageResponse{Status: "cancelling", Routing: v1.RoutingInterrupt}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) takeInterrupt(threadID string) *interruptSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.interrupts[threadID]
	delete(r.interrupts, threadID)
	return slot
}

func (r *Router) disarmInterrupt(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.interrupts, threadID)
}

// NotifyTaskDone parks a sub-agent completion notice in the thread's
// queue. It surfaces on the operator feed when the drain pops it.
func (r *Router) NotifyTaskDone(ctx context.Context, threadID, description, result string) {
	content := fmt.Sprintf("Task %q finished: %s", description, result)

	lock := r.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()
	if _, err := r.enqueue(ctx, threadID, v1.MessageKindTaskNotification, content, v1.RoutingFollowup); err != nil {
		r.logger.WithThreadID(threadID).WithError(err).Warn("failed to park task notification")
	}
}

// Drain promotes the thread's parked work after an IDLE entry: an
// armed interrupt first, then the FIFO head. Task notifications are
// announced and discarded; the first user message starts a run and
// stops the drain, because only one run may be live.
func (r *Router) Drain(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock := r.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()
	r.drainLocked(ctx, threadID)
}

func (r *Router) drainLocked(ctx context.Context, threadID string) {
	if slot := r.takeInterrupt(threadID); slot != nil {
		runID, err := r.sup.StartRun(ctx, threadID, slot.content)
		slot.result <- interruptResult{runID: runID, err: err}
		if err != nil {
			r.logger.WithThreadID(threadID).WithError(err).Error("interrupt replacement run failed to start")
		}
		r.updatePending(ctx, threadID)
		return
	}

	for {
		msg, err := r.store.Head(ctx, threadID)
		if err != nil {
			if apperr.KindOf(err) != apperr.KindNotFound {
				r.logger.WithThreadID(threadID).WithError(err).Error("queue drain failed")
			}
			break
		}

		if msg.Kind == v1.MessageKindTaskNotification {
			if err := r.store.Delete(ctx, msg.ID); err != nil {
				r.logger.WithThreadID(threadID).WithError(err).Error("failed to drop drained notification")
				break
			}
			r.publishDrained(ctx, msg)
			continue
		}

		runID, err := r.sup.StartRun(ctx, threadID, msg.Content)
		if err != nil {
			// Leave the message queued for the next drain.
			r.logger.WithThreadID(threadID).WithError(err).Warn("queued message failed to start",
				zap.String("message_id", msg.ID))
			break
		}
		if err := r.store.Delete(ctx, msg.ID); err != nil {
			r.logger.WithThreadID(threadID).WithError(err).Error("failed to drop drained message")
		}
		r.logger.WithThreadID(threadID).Info("drained queued message into run",
			zap.String("message_id", msg.ID),
			zap.String("run_id", runID),
			zap.String("routing", string(msg.Routing)))
		r.publishDrained(ctx, msg)
		break
	}

	r.updatePending(ctx, threadID)
}

// enqueue appends to the FIFO, flips the pending flag, and announces
// the message on the bus. Callers hold the thread lock.
func (r *Router) enqueue(ctx context.Context, threadID string, kind v1.MessageKind, content string, routing v1.RoutingMode) (*v1.QueuedMessage, error) {
	msg, err := r.store.Enqueue(ctx, threadID, kind, content, routing)
	if err != nil {
		return nil, err
	}
	r.sup.SetPendingQueue(threadID, true)
	if r.eventBus != nil {
		evt := bus.NewEvent(events.QueueEnqueued, "queue-router", map[string]interface{}{
			"thread_id": msg.ThreadID,
			"id":        msg.ID,
			"kind":      string(msg.Kind),
			"routing":   string(msg.Routing),
		})
		if err := r.eventBus.Publish(ctx, events.BuildQueueSubject(threadID), evt); err != nil {
			r.logger.WithThreadID(threadID).WithError(err).Debug("failed to publish queue.enqueued")
		}
	}
	r.logger.WithThreadID(threadID).Debug("queued message",
		zap.String("message_id", msg.ID),
		zap.String("routing", string(routing)))
	return msg, nil
}

func (r *Router) publishDrained(ctx context.Context, msg *v1.QueuedMessage) {
	if r.eventBus == nil {
		return
	}
	evt := bus.NewEvent(events.QueueDrained, "queue-router", map[string]interface{}{
		"thread_id": msg.ThreadID,
		"id":        msg.ID,
		"kind":      string(msg.Kind),
		"content":   msg.Content,
		"routing":   string(msg.Routing),
	})
	if err := r.eventBus.Publish(ctx, events.BuildQueueDrainedSubject(msg.ThreadID), evt); err != nil {
		r.logger.WithThreadID(msg.ThreadID).WithError(err).Debug("failed to publish queue.drained")
	}
}

func (r *Router) updatePending(ctx context.Context, threadID string) {
	depth, err := r.store.Depth(ctx, threadID)
	if err != nil {
		r.logger.WithThreadID(threadID).WithError(err).Warn("failed to read queue depth")
		return
	}
	r.sup.SetPendingQueue(threadID, depth > 0)
}

// Depth reports the thread's queued message count for runtime
// snapshots.
func (r *Router) Depth(ctx context.Context, threadID string) (int, error) {
	return r.store.Depth(ctx, threadID)
}

// List returns the thread's queued messages in FIFO order.
func (r *Router) List(ctx context.Context, threadID string) ([]*v1.QueuedMessage, error) {
	return r.store.List(ctx, threadID)
}

// DropThread discards the thread's queued messages and any armed
// interrupt. Part of the thread delete cascade.
func (r *Router) DropThread(ctx context.Context, threadID string) error {
	lock := r.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()
	r.disarmInterrupt(threadID)
	return r.store.DeleteThread(ctx, threadID)
}
