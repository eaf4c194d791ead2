package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getleon/leon/internal/common/logger"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	// Create Thread tool
	s.AddTool(
		mcp.NewTool("create_thread",
			mcp.WithDescription("Create a new Leon thread. A thread holds one conversation and leases one sandbox for tool execution. Use the returned thread ID for all other operations."),
			mcp.WithString("sandbox",
				mcp.Required(),
				mcp.Description("Sandbox provider to execute tools in (e.g. docker, local)"),
			),
			mcp.WithString("cwd",
				mcp.Description("Working directory inside the sandbox (optional)"),
			),
			mcp.WithString("agent",
				mcp.Description("Agent preset for the thread (optional)"),
			),
		),
		createThreadHandler(cfg, log),
	)

	// List Threads tool
	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List all threads, newest first. Use this to find thread IDs for other operations."),
		),
		listThreadsHandler(cfg, log),
	)

	// Send Message tool
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription(
				"Send a message to a thread. The queue router decides what happens: "+
					"an idle thread starts a run, a running thread is steered mid-run, "+
					"and with interrupt=true the live run is cancelled and replaced. "+
					"Returns how the message was routed.",
			),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID to send the message to"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message content"),
			),
			mcp.WithBoolean("interrupt",
				mcp.Description("Cancel any live run and start over with this message (optional, default false)"),
			),
		),
		sendMessageHandler(cfg, log),
	)

	// Start Run tool
	s.AddTool(
		mcp.NewTool("start_run",
			mcp.WithDescription("Start a run on an idle thread directly, bypassing the queue router. Fails if the thread already has a live run; prefer send_message unless you need that strictness."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID to run on"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The user message that seeds the run"),
			),
		),
		startRunHandler(cfg, log),
	)

	// Cancel Run tool
	s.AddTool(
		mcp.NewTool("cancel_run",
			mcp.WithDescription("Cancel the live run on a thread. Cancellation is cooperative; the thread returns to idle once the run winds down."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID whose run to cancel"),
			),
		),
		cancelRunHandler(cfg, log),
	)

	// Runtime Status tool
	s.AddTool(
		mcp.NewTool("runtime_status",
			mcp.WithDescription("Get a thread's runtime snapshot: lifecycle state, queue depth, active run, sandbox lease, and token usage."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID to inspect"),
			),
		),
		runtimeStatusHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func createThreadHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sandboxName, err := req.RequireString("sandbox")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"sandbox": sandboxName,
		}
		if cwd := req.GetString("cwd", ""); cwd != "" {
			payload["cwd"] = cwd
		}
		if agentName := req.GetString("agent", ""); agentName != "" {
			payload["agent"] = agentName
		}

		body, _ := json.Marshal(payload)
		url := fmt.Sprintf("%s/api/v1/threads", cfg.LeonURL)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to create thread", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create thread: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listThreadsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/threads", cfg.LeonURL)
		resp, err := http.Get(url)
		if err != nil {
			log.Error("failed to fetch threads", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch threads: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendMessageHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"message": message,
		}
		if req.GetBool("interrupt", false) {
			payload["interrupt"] = true
		}

		body, _ := json.Marshal(payload)
		url := fmt.Sprintf("%s/api/v1/threads/%s/messages", cfg.LeonURL, threadID)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to send message", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func startRunHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"message": message,
		}

		body, _ := json.Marshal(payload)
		url := fmt.Sprintf("%s/api/v1/threads/%s/runs", cfg.LeonURL, threadID)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to start run", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func cancelRunHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/v1/threads/%s/runs/cancel", cfg.LeonURL, threadID)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to cancel run", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel run: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func runtimeStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/v1/threads/%s/runtime", cfg.LeonURL, threadID)
		resp, err := http.Get(url)
		if err != nil {
			log.Error("failed to fetch runtime", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch runtime: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
