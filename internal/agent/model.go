package agent

import "context"

// Usage reports token consumption for one model call
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add accumulates another usage sample
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// ChunkType identifies the kind of a streamed model chunk
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
)

// Chunk is one element of a model's streamed response. The stream ends
// with a ChunkDone carrying the turn's usage, or with Err set.
type Chunk struct {
	Type      ChunkType
	Text      string
	ToolCall  *ToolCall
	MessageID string
	Usage     *Usage
	Err       error
}

// ToolDefinition describes a tool to the model
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one model call
type Request struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Model streams completions for a conversation. Implementations must
// close the returned channel after sending a terminal chunk (ChunkDone
// or one with Err set) and must honor ctx cancellation.
type Model interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
