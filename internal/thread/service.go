package thread

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events"
	"github.com/getleon/leon/internal/events/bus"
	"github.com/getleon/leon/internal/memory"
	"github.com/getleon/leon/internal/queue"
	"github.com/getleon/leon/internal/resolver"
	"github.com/getleon/leon/internal/run"
	"github.com/getleon/leon/internal/sandbox"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// quiesceTimeout bounds how long Delete waits for a cancelled run to
// finalize. It must exceed the supervisor's cancel grace.
const quiesceTimeout = 10 * time.Second

// Service ties thread records to everything hanging off them: runs,
// events, the queue, memory, checkpoints, and the sandbox plane.
type Service struct {
	store       *Store
	sup         *run.Supervisor
	res         *resolver.Resolver
	router      *queue.Router
	runs        *run.Store
	elog        *run.EventLog
	checkpoints checkpoint.Store
	summaries   *memory.SummaryStore
	mem         *memory.Manager
	providers   *sandbox.Registry
	eventBus    bus.EventBus
	logger      *logger.Logger
}

// NewService wires the thread service.
func NewService(
	store *Store,
	sup *run.Supervisor,
	res *resolver.Resolver,
	router *queue.Router,
	runs *run.Store,
	elog *run.EventLog,
	checkpoints checkpoint.Store,
	summaries *memory.SummaryStore,
	mem *memory.Manager,
	providers *sandbox.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{
		store:       store,
		sup:         sup,
		res:         res,
		router:      router,
		runs:        runs,
		elog:        elog,
		checkpoints: checkpoints,
		summaries:   summaries,
		mem:         mem,
		providers:   providers,
		eventBus:    eventBus,
		logger:      log,
	}
}

// Create validates the sandbox choice and inserts the thread.
func (s *Service) Create(ctx context.Context, req v1.CreateThreadRequest) (*v1.Thread, error) {
	if _, err := s.providers.Get(req.Sandbox); err != nil {
		return nil, apperr.Validationf("unknown sandbox provider %q", req.Sandbox)
	}

	thread, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.eventBus != nil {
		evt := bus.NewEvent(events.ThreadCreated, "thread-service", map[string]interface{}{
			"thread_id": thread.ID,
			"sandbox":   thread.Sandbox,
		})
		if err := s.eventBus.Publish(ctx, events.ThreadCreated, evt); err != nil {
			s.logger.WithThreadID(thread.ID).WithError(err).Debug("failed to publish thread.created")
		}
	}
	s.logger.WithThreadID(thread.ID).Info("thread created",
		zap.String("sandbox", thread.Sandbox),
		zap.String("agent", thread.Agent))
	return thread, nil
}

// Get returns the thread and its conversation restored from the latest
// checkpoint.
func (s *Service) Get(ctx context.Context, threadID string) (*v1.ThreadDetail, error) {
	thread, err := s.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	detail := &v1.ThreadDetail{Thread: *thread}
	cp, err := s.checkpoints.Latest(ctx, threadID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			return nil, err
		}
		return detail, nil
	}
	detail.Messages = projectMessages(cp.Messages)
	return detail, nil
}

// List returns all threads, newest first.
func (s *Service) List(ctx context.Context) ([]*v1.Thread, error) {
	return s.store.List(ctx)
}

// Lookup returns the bare thread row without projecting messages. Run
// and message endpoints use it as an existence check.
func (s *Service) Lookup(ctx context.Context, threadID string) (*v1.Thread, error) {
	return s.store.Get(ctx, threadID)
}

// Runtime assembles the thread's full runtime snapshot: supervisor
// state and flags, queue depth, and the lease backing the sandbox.
func (s *Service) Runtime(ctx context.Context, threadID string) (*v1.ThreadRuntime, error) {
	if _, err := s.store.Get(ctx, threadID); err != nil {
		return nil, err
	}

	rt := s.sup.RuntimeStatus(threadID)
	depth, err := s.router.Depth(ctx, threadID)
	if err != nil {
		return nil, err
	}
	rt.QueueDepth = depth

	lease, err := s.res.LeaseForThread(ctx, threadID)
	if err == nil {
		rt.Lease = lease
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		s.logger.WithThreadID(threadID).WithError(err).Warn("failed to load lease for runtime snapshot")
	}
	return &rt, nil
}

// RecentEvents returns the tail of the thread's most recent run from
// the durable log.
func (s *Service) RecentEvents(ctx context.Context, threadID string, limit int) ([]v1.RunEvent, error) {
	if _, err := s.store.Get(ctx, threadID); err != nil {
		return nil, err
	}
	return s.elog.ListRecent(ctx, threadID, limit)
}

// Delete tears the thread down: cancel the live run, destroy sandbox
// instances, then drop every dependent table before the thread row.
// Instance destroy comes first so a failed destroy aborts the delete
// with all rows still in place for a retry.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	if _, err := s.store.Get(ctx, threadID); err != nil {
		return err
	}

	// Empty the queue before cancelling, so the IDLE drain of the dying
	// run cannot promote a followup and resurrect the thread mid-delete.
	if err := s.router.DropThread(ctx, threadID); err != nil {
		return err
	}

	if _, err := s.sup.CancelRun(ctx, threadID); err == nil {
		if err := s.waitQuiesced(ctx, threadID); err != nil {
			return err
		}
	} else if !errors.Is(err, apperr.ErrNoActiveRun) {
		return err
	}
	if err := s.sup.DropThread(threadID); err != nil {
		return err
	}

	if err := s.res.DestroyInstances(ctx, threadID); err != nil {
		return err
	}

	if err := s.runs.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if err := s.elog.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if err := s.router.DropThread(ctx, threadID); err != nil {
		return err
	}
	if err := s.summaries.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if err := s.checkpoints.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if err := s.res.DropRows(ctx, threadID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, threadID); err != nil {
		return err
	}
	s.mem.DropThread(threadID)

	if s.eventBus != nil {
		evt := bus.NewEvent(events.ThreadDeleted, "thread-service", map[string]interface{}{
			"thread_id": threadID,
		})
		if err := s.eventBus.Publish(ctx, events.ThreadDeleted, evt); err != nil {
			s.logger.WithThreadID(threadID).WithError(err).Debug("failed to publish thread.deleted")
		}
	}
	s.logger.WithThreadID(threadID).Info("thread deleted")
	return nil
}

// waitQuiesced blocks until the cancelled run finalizes and the thread
// settles, or fails with a conflict after the grace window.
func (s *Service) waitQuiesced(ctx context.Context, threadID string) error {
	deadline := time.Now().Add(quiesceTimeout)
	for time.Now().Before(deadline) {
		switch s.sup.State(threadID) {
		case v1.ThreadStateRunning, v1.ThreadStateToolExec, v1.ThreadStateCancelling:
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return apperr.Conflictf("thread %s still has an active run", threadID)
}

// projectMessages reduces the raw history to the turns a client shows:
// user and assistant text plus the tool exchanges between them, with
// tool-call linkage intact. System messages (prompt, summary, steer
// notes) stay out.
func projectMessages(msgs []agent.Message) []v1.ThreadMessage {
	out := make([]v1.ThreadMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case agent.RoleUser, agent.RoleAssistant, agent.RoleTool:
		default:
			continue
		}
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		pm := v1.ThreadMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			MessageID:  msg.MessageID,
		}
		for _, tc := range msg.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, v1.ThreadToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
		out = append(out, pm)
	}
	return out
}
