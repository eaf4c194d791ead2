package v1

import (
	"encoding/json"
	"time"
)

// ThreadLifecycleState represents the supervisor state of a thread
type ThreadLifecycleState string

const (
	ThreadStateIdle       ThreadLifecycleState = "IDLE"
	ThreadStateRunning    ThreadLifecycleState = "RUNNING"
	ThreadStateToolExec   ThreadLifecycleState = "TOOL_EXEC"
	ThreadStateSuspended  ThreadLifecycleState = "SUSPENDED"
	ThreadStateError      ThreadLifecycleState = "ERROR"
	ThreadStateRecovering ThreadLifecycleState = "RECOVERING"
	ThreadStateCancelling ThreadLifecycleState = "CANCELLING"
	ThreadStateShutdown   ThreadLifecycleState = "SHUTDOWN"
)

// Thread represents a conversation thread bound to a sandbox
type Thread struct {
	ID        string    `json:"id"`
	Sandbox   string    `json:"sandbox"`
	Cwd       string    `json:"cwd,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateThreadRequest for creating a new thread
type CreateThreadRequest struct {
	Sandbox string `json:"sandbox" binding:"required"`
	Cwd     string `json:"cwd,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// ThreadToolCall is one tool invocation recorded on an assistant turn
type ThreadToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ThreadMessage is one conversational turn in a thread's projected
// history. Assistant turns may carry tool calls; tool turns carry the
// call ID they answer.
type ThreadMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ThreadToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	MessageID  string           `json:"message_id,omitempty"`
}

// ThreadDetail is a thread plus the history restored from its latest
// checkpoint
type ThreadDetail struct {
	Thread   Thread          `json:"thread"`
	Messages []ThreadMessage `json:"messages"`
}

// RuntimeFlags are the supervisor condition flags for a thread
type RuntimeFlags struct {
	HasPendingQueue    bool `json:"has_pending_queue"`
	Compacting         bool `json:"compacting"`
	SandboxPaused      bool `json:"sandbox_paused"`
	RateLimited        bool `json:"rate_limited"`
	AwaitingUser       bool `json:"awaiting_user"`
	SteerRequested     bool `json:"steer_requested"`
	InterruptRequested bool `json:"interrupt_requested"`
}

// ContextUsage reports token pressure for a thread's working context
type ContextUsage struct {
	Messages  int     `json:"messages"`
	Tokens    int     `json:"tokens"`
	Limit     int     `json:"limit"`
	Ratio     float64 `json:"ratio"`
	NearLimit bool    `json:"near_limit"`
}

// TokenTotals accumulates model token consumption and spend for a thread
type TokenTotals struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
}

// ThreadRuntime is a point-in-time snapshot of a thread's runtime state
type ThreadRuntime struct {
	ThreadID     string               `json:"thread_id"`
	State        ThreadLifecycleState `json:"state"`
	Flags        RuntimeFlags         `json:"flags"`
	QueueDepth   int                  `json:"queue_depth"`
	ActiveRunID  *string              `json:"active_run_id,omitempty"`
	CurrentTool  string               `json:"current_tool,omitempty"`
	LastSeq      int64                `json:"last_seq"`
	Lease        *Lease               `json:"lease,omitempty"`
	ContextUsage *ContextUsage        `json:"context_usage,omitempty"`
	TokenUsage   *TokenTotals         `json:"token_usage,omitempty"`
}
