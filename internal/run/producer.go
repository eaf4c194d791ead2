package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events"
	"github.com/getleon/leon/internal/events/bus"
	"github.com/getleon/leon/internal/tracing"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// runProducer drives one run end to end. It is the sole writer of the
// run's event stream: every failure inside it becomes an error event
// on the stream rather than a crash.
func (s *Supervisor) runProducer(ctx context.Context, ts *threadRuntime, runID, message string) {
	log := s.logger.WithThreadID(ts.threadID).WithRunID(runID)

	var termState v1.RunState
	var termMsg string

	defer func() {
		if r := recover(); r != nil {
			log.Error("producer panicked", zap.Any("panic", r))
			termState = v1.RunStateError
			termMsg = fmt.Sprintf("internal error: %v", r)
			_ = s.emitJSON(ts, v1.EventError, map[string]any{
				"message": termMsg,
				"kind":    apperr.KindFatal.String(),
			}, "")
		}

		finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Finish(finishCtx, runID, termState, termMsg); err != nil {
			log.WithError(err).Error("failed to mark run finished")
		}
		s.finalize(ts, runID)

		if termState == v1.RunStateError {
			_ = ts.machine.Transition(v1.ThreadStateError)
			_ = ts.machine.Transition(v1.ThreadStateRecovering)
		}
		_ = ts.machine.Transition(v1.ThreadStateIdle)
		ts.machine.UpdateFlags(func(f *v1.RuntimeFlags) {
			f.InterruptRequested = false
			f.SteerRequested = false
		})
		log.Info("run finished", zap.String("state", string(termState)))
	}()

	if s.eventBus != nil {
		evt := bus.NewEvent(events.RunStarted, "supervisor", map[string]interface{}{
			"thread_id": ts.threadID,
			"run_id":    runID,
		})
		if err := s.eventBus.Publish(ctx, events.RunStarted, evt); err != nil {
			log.WithError(err).Debug("failed to publish run.started")
		}
	}

	ctx, span := tracing.Tracer("leon-run").Start(ctx, "run.produce")
	span.SetAttributes(
		attribute.String("thread_id", ts.threadID),
		attribute.String("run_id", runID),
	)
	defer span.End()

	termState, termMsg = s.produce(ctx, ts, runID, message, log)
	span.SetAttributes(attribute.String("terminal_state", string(termState)))
	if termState == v1.RunStateError {
		span.SetStatus(codes.Error, termMsg)
	}
}

// produce assembles the run context, executes the agent loop, and
// emits the terminal event. Returns the run's terminal state.
func (s *Supervisor) produce(ctx context.Context, ts *threadRuntime, runID, message string, log *logger.Logger) (v1.RunState, string) {
	s.mu.Lock()
	prepare := s.prepare
	runners := s.runners
	sink := s.notifier
	s.mu.Unlock()

	var notifier agent.TaskNotifier
	if sink != nil {
		notifier = &threadTaskNotifier{threadID: ts.threadID, sink: sink}
	}

	if s.models == nil {
		return s.failRun(ts, log, apperr.Fatalf("no model configured"))
	}
	model, err := s.models.ModelFor(ctx, ts.threadID)
	if err != nil {
		return s.failRun(ts, log, err)
	}

	msgs, parentCheckpoint := s.loadHistory(ctx, ts.threadID, log)
	msgs = append(msgs, agent.UserMessage(message))

	var runner agent.CommandRunner
	if runners != nil {
		resolved, release, err := runners.RunnerFor(ctx, ts.threadID)
		if err != nil {
			return s.failRun(ts, log, err)
		}
		runner = resolved
		defer release()
	}

	registry := agent.NewRegistry()
	emit := func(ctx context.Context, eventType v1.EventType, data map[string]any, messageID string) error {
		return s.emitJSON(ts, eventType, data, messageID)
	}
	if runner != nil {
		registry.Add(agent.NewShellTool(runner))
	}
	registry.Add(agent.NewTaskTool(model, emit, runner, notifier, 1, s.logger))

	if n := ts.steer.Len(); n > 0 {
		_ = s.emitJSON(ts, v1.EventNotice, map[string]any{
			"source": "steer_backlog",
			"count":  n,
		}, "")
	}

	cfg := agent.LoopConfig{
		Model:      model,
		Registry:   registry,
		MaxIter:    s.opts.MaxIterations,
		MaxWorkers: s.opts.MaxToolWorkers,
		Emit:       emit,
		Steer:      ts.steer,
		Logger:     log,
		Prepare: func(ctx context.Context, in []agent.Message) ([]agent.Message, error) {
			ts.machine.UpdateFlags(func(f *v1.RuntimeFlags) { f.SteerRequested = false })
			if prepare == nil {
				return in, nil
			}
			return prepare.PrepareContext(ctx, ts.threadID, in)
		},
		Checkpoint: func(ctx context.Context, snapshot []agent.Message) error {
			if s.checkpoints == nil {
				return nil
			}
			cp := checkpoint.Checkpoint{
				ThreadID:     ts.threadID,
				CheckpointID: uuid.New().String(),
				ParentID:     parentCheckpoint,
				Messages:     snapshot,
			}
			if err := s.checkpoints.Put(ctx, &cp); err != nil {
				return err
			}
			id := cp.CheckpointID
			parentCheckpoint = &id
			return nil
		},
		OnPhase: func(p agent.Phase) {
			switch p {
			case agent.PhaseModel:
				_ = ts.machine.Transition(v1.ThreadStateRunning)
			case agent.PhaseTool:
				_ = ts.machine.Transition(v1.ThreadStateToolExec)
			}
		},
	}

	res, err := agent.RunLoop(ctx, cfg, msgs)
	if rec, ok := prepare.(UsageRecorder); ok {
		rec.RecordUsage(ts.threadID, model.Name(), res.Usage)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if emitErr := s.emitJSON(ts, v1.EventCancelled, map[string]any{}, ""); emitErr != nil {
				log.WithError(emitErr).Error("failed to emit cancelled terminal")
			}
			return v1.RunStateCancelled, ""
		}
		return s.failRun(ts, log, err)
	}

	done := map[string]any{
		"iterations": res.Iterations,
		"usage": map[string]any{
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
		},
	}
	ts.mu.Lock()
	trajectory := ts.runOpts.trajectory
	ts.mu.Unlock()
	if trajectory {
		done["trajectory"] = res.Messages
	}
	if err := s.emitJSON(ts, v1.EventDone, done, ""); err != nil {
		log.WithError(err).Error("failed to emit done terminal")
		return v1.RunStateError, "event log unavailable"
	}
	return v1.RunStateDone, ""
}

// failRun surfaces err on the stream: a status event reflecting the
// ERROR state, then the error terminal.
func (s *Supervisor) failRun(ts *threadRuntime, log *logger.Logger, err error) (v1.RunState, string) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	log.WithError(err).Error("run failed", zap.String("kind", kind.String()))

	_ = ts.machine.Transition(v1.ThreadStateError)
	if emitErr := s.emitJSON(ts, v1.EventError, map[string]any{
		"message": msg,
		"kind":    kind.String(),
	}, ""); emitErr != nil {
		log.WithError(emitErr).Error("failed to emit error terminal")
	}
	return v1.RunStateError, msg
}

// loadHistory restores the thread's message history from the latest
// checkpoint, or starts fresh with the configured system prompt.
func (s *Supervisor) loadHistory(ctx context.Context, threadID string, log *logger.Logger) ([]agent.Message, *string) {
	fresh := func() []agent.Message {
		if s.opts.SystemPrompt == "" {
			return nil
		}
		return []agent.Message{agent.SystemMessage(s.opts.SystemPrompt)}
	}
	if s.checkpoints == nil {
		return fresh(), nil
	}
	cp, err := s.checkpoints.Latest(ctx, threadID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			log.WithError(err).Warn("failed to load checkpoint, starting fresh")
		}
		return fresh(), nil
	}
	id := cp.CheckpointID
	return cp.Messages, &id
}

// threadTaskNotifier adapts the process-wide TaskSink to the per-run
// agent.TaskNotifier by tagging notices with the owning thread.
type threadTaskNotifier struct {
	threadID string
	sink     TaskSink
}

func (n *threadTaskNotifier) NotifyTaskDone(ctx context.Context, description, result string) {
	n.sink.NotifyTaskDone(ctx, n.threadID, description, result)
}

// emitJSON emits one event with a JSON object payload.
func (s *Supervisor) emitJSON(ts *threadRuntime, eventType v1.EventType, data map[string]any, messageID string) error {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "run.emit", err)
	}
	return ts.emit(s, v1.RunEvent{
		EventType: eventType,
		Data:      raw,
		MessageID: messageID,
	})
}
