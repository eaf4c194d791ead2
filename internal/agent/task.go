package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// TaskNotifier receives sub-agent completion notices. The queue router
// implements this to park a task-notification message that surfaces as
// a notice event on the next IDLE entry.
type TaskNotifier interface {
	NotifyTaskDone(ctx context.Context, description, result string)
}

const (
	maxTaskDepth      = 2
	taskMaxIterations = 20
)

// TaskTool delegates a subtask to a nested agent loop. The sub-agent's
// stream is forwarded into the parent run's stream with task_* event
// types (subagent_task_* one level deeper).
type TaskTool struct {
	model    Model
	emit     EmitFunc
	runner   CommandRunner
	notifier TaskNotifier
	depth    int
	logger   *logger.Logger
}

// NewTaskTool creates the task tool for the given nesting depth. Depth
// starts at 1 for tools registered on the top-level run.
func NewTaskTool(model Model, emit EmitFunc, runner CommandRunner, notifier TaskNotifier, depth int, log *logger.Logger) *TaskTool {
	if depth < 1 {
		depth = 1
	}
	return &TaskTool{
		model:    model,
		emit:     emit,
		runner:   runner,
		notifier: notifier,
		depth:    depth,
		logger:   log,
	}
}

type taskArgs struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// Definitions describes the task tool to the model.
func (t *TaskTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "task",
			Description: "Delegate a self-contained subtask to a sub-agent and return its final answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{
						"type":        "string",
						"description": "Short label for the subtask",
					},
					"prompt": map[string]any{
						"type":        "string",
						"description": "Full instructions for the sub-agent",
					},
				},
				"required": []string{"description", "prompt"},
			},
		},
	}
}

// Execute runs the sub-agent loop to completion and returns its final
// text. Sub-agent failures are reported to the model as tool errors;
// the parent run keeps going.
func (t *TaskTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var params taskArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Error: fmt.Sprintf("invalid task args: %v", err)}, nil
	}
	if params.Prompt == "" {
		return ToolResult{Error: "task: prompt is required"}, nil
	}

	taskID := uuid.New().String()
	if err := t.emit(ctx, t.eventType(v1.EventTaskStart), map[string]any{
		"task_id":     taskID,
		"description": params.Description,
	}, ""); err != nil {
		return ToolResult{}, err
	}

	registry := NewRegistry()
	if t.runner != nil {
		registry.Add(NewShellTool(t.runner))
	}
	if t.depth < maxTaskDepth {
		registry.Add(NewTaskTool(t.model, t.emit, t.runner, t.notifier, t.depth+1, t.logger))
	}

	cfg := LoopConfig{
		Model:    t.model,
		Registry: registry,
		MaxIter:  taskMaxIterations,
		Emit:     t.forwardEmit(taskID),
		Logger:   t.logger,
	}

	history := []Message{UserMessage(params.Prompt)}
	result, err := RunLoop(ctx, cfg, history)
	if err != nil {
		if emitErr := t.emit(ctx, t.eventType(v1.EventTaskError), map[string]any{
			"task_id": taskID,
			"error":   err.Error(),
		}, ""); emitErr != nil {
			return ToolResult{}, emitErr
		}
		return ToolResult{Error: fmt.Sprintf("task failed: %v", err)}, nil
	}

	if err := t.emit(ctx, t.eventType(v1.EventTaskDone), map[string]any{
		"task_id": taskID,
		"result":  result.FinalText,
	}, ""); err != nil {
		return ToolResult{}, err
	}

	if t.notifier != nil {
		t.notifier.NotifyTaskDone(ctx, params.Description, result.FinalText)
	}
	if t.logger != nil {
		t.logger.Debug("task completed",
			zap.String("task_id", taskID),
			zap.Int("iterations", result.Iterations))
	}
	return ToolResult{Content: result.FinalText}, nil
}

// forwardEmit maps the sub-agent's events into the parent stream with
// the task namespace and the task_id attached.
func (t *TaskTool) forwardEmit(taskID string) EmitFunc {
	return func(ctx context.Context, eventType v1.EventType, data map[string]any, messageID string) error {
		mapped := data
		if mapped == nil {
			mapped = map[string]any{}
		}
		mapped["task_id"] = taskID
		return t.emit(ctx, t.namespaced(eventType), mapped, messageID)
	}
}

// eventType picks the task or subagent_task variant for this depth.
func (t *TaskTool) eventType(base v1.EventType) v1.EventType {
	if t.depth < maxTaskDepth {
		return base
	}
	switch base {
	case v1.EventTaskStart:
		return v1.EventSubagentTaskStart
	case v1.EventTaskDone:
		return v1.EventSubagentTaskDone
	case v1.EventTaskError:
		return v1.EventSubagentTaskError
	}
	return base
}

// namespaced maps a plain stream event type into this depth's family.
func (t *TaskTool) namespaced(base v1.EventType) v1.EventType {
	if t.depth < maxTaskDepth {
		switch base {
		case v1.EventText:
			return v1.EventTaskText
		case v1.EventToolCall:
			return v1.EventTaskToolCall
		case v1.EventToolResult:
			return v1.EventTaskToolResult
		}
		return base
	}
	switch base {
	case v1.EventText:
		return v1.EventSubagentTaskText
	case v1.EventToolCall:
		return v1.EventSubagentTaskToolCall
	case v1.EventToolResult:
		return v1.EventSubagentTaskToolResult
	}
	return base
}
