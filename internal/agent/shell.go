package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CommandRunner executes a shell command inside a thread's sandbox.
// The terminal runtime implements this over the resolved instance.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) (output string, exitCode int, err error)
}

const defaultShellTimeout = 120 * time.Second

// ShellTool runs commands in the thread's sandbox terminal.
type ShellTool struct {
	runner  CommandRunner
	timeout time.Duration
}

// NewShellTool creates the shell tool bound to a command runner.
func NewShellTool(runner CommandRunner) *ShellTool {
	return &ShellTool{runner: runner, timeout: defaultShellTimeout}
}

type shellArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Definitions describes the shell tool to the model.
func (t *ShellTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "shell",
			Description: "Run a shell command in the thread's sandbox and return its output.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Command line to execute",
					},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "Optional timeout in seconds",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}

// Execute runs the command and returns its combined output.
func (t *ShellTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var params shellArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Error: fmt.Sprintf("invalid shell args: %v", err)}, nil
	}
	if params.Command == "" {
		return ToolResult{Error: "shell: command is required"}, nil
	}

	timeout := t.timeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, exitCode, err := t.runner.RunCommand(execCtx, params.Command)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("shell: %v", err)}, nil
	}
	if exitCode != 0 {
		return ToolResult{
			Content: output,
			Error:   fmt.Sprintf("command exited with code %d", exitCode),
		}, nil
	}
	return ToolResult{Content: output}, nil
}
