// Package agent provides the conversation model, tool registry, and
// execution loop that drive a Leon run.
package agent

import "encoding/json"

// Role identifies the author of a conversation message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued request to invoke a tool
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is one entry of a thread's conversation history.
//
// Assistant messages may carry ToolCalls; tool messages carry the
// ToolCallID they answer. MessageID is the model message UUID used for
// client-side dedup of partial emissions.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
}

// SystemMessage builds a system-role message
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResultMessage builds a tool-role message answering a tool call
func ToolResultMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// SteerMessage builds the system-reminder message that carries a user
// steer note into a live run's next model call
func SteerMessage(content string) Message {
	return Message{Role: RoleSystem, Content: "System reminder from the user:\n" + content}
}

// IsToolResult reports whether the message answers a tool call
func (m Message) IsToolResult() bool {
	return m.ToolCallID != ""
}

// HasToolCalls reports whether the message issues tool calls
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
