package v1

import (
	"encoding/json"
	"time"
)

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateDone      RunState = "done"
	RunStateCancelled RunState = "cancelled"
	RunStateError     RunState = "error"
)

// IsTerminal reports whether the state is a final one
func (s RunState) IsTerminal() bool {
	return s == RunStateDone || s == RunStateCancelled || s == RunStateError
}

// EventType identifies the kind of a run event
type EventType string

// Event types emitted on a run's stream. The task_* variants carry
// sub-agent activity namespaced into the parent run's stream.
const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventStatus     EventType = "status"
	EventNotice     EventType = "notice"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventCancelled  EventType = "cancelled"

	EventTaskStart      EventType = "task_start"
	EventTaskText       EventType = "task_text"
	EventTaskToolCall   EventType = "task_tool_call"
	EventTaskToolResult EventType = "task_tool_result"
	EventTaskDone       EventType = "task_done"
	EventTaskError      EventType = "task_error"

	EventSubagentTaskStart      EventType = "subagent_task_start"
	EventSubagentTaskText       EventType = "subagent_task_text"
	EventSubagentTaskToolCall   EventType = "subagent_task_tool_call"
	EventSubagentTaskToolResult EventType = "subagent_task_tool_result"
	EventSubagentTaskDone       EventType = "subagent_task_done"
	EventSubagentTaskError      EventType = "subagent_task_error"
)

// IsTerminal reports whether the event ends its run's stream
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError || t == EventCancelled
}

// Run represents one execution of the agent loop on a thread
type Run struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id"`
	State      RunState   `json:"state"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunEvent is one entry of a run's append-only event stream. Seq is
// strictly monotonic per (thread_id, run_id), starting at 1. MessageID
// carries the model message UUID so clients can dedup partial emissions.
type RunEvent struct {
	Seq       int64           `json:"_seq"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id"`
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StartRunRequest for launching a run on a thread
type StartRunRequest struct {
	Message          string `json:"message" binding:"required"`
	EnableTrajectory bool   `json:"enable_trajectory,omitempty"`
}

// StartRunResponse acknowledges an accepted run
type StartRunResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
}

// CancelRunResponse reports the result of a cancel request
type CancelRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}
