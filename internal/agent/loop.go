package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// EmitFunc publishes one event on the run's stream. Emission is the
// durability point: failures are fatal to the run, so the loop stops
// at the first emit error.
type EmitFunc func(ctx context.Context, eventType v1.EventType, data map[string]any, messageID string) error

// PrepareFunc lets the memory manager rewrite the working context
// (pruning, compaction) before a model call.
type PrepareFunc func(ctx context.Context, messages []Message) ([]Message, error)

// CheckpointFunc persists the conversation after each completed step.
type CheckpointFunc func(ctx context.Context, messages []Message) error

// Phase reports what the loop is currently waiting on.
type Phase string

const (
	PhaseModel Phase = "model"
	PhaseTool  Phase = "tool"
)

const (
	defaultMaxIterations = 50
	defaultMaxWorkers    = 10

	// maxToolResultLen caps tool output stored in the conversation, in
	// runes. Emitted events keep the full content.
	maxToolResultLen = 100_000
)

// LoopConfig wires one run of the agent loop.
type LoopConfig struct {
	Model      Model
	Registry   *Registry
	MaxIter    int
	MaxWorkers int
	Emit       EmitFunc
	Prepare    PrepareFunc    // optional
	Checkpoint CheckpointFunc // optional
	Steer      *SteerInbox    // optional
	OnPhase    func(Phase)    // optional
	Logger     *logger.Logger
}

// LoopResult is the outcome of a completed loop.
type LoopResult struct {
	FinalText  string
	Messages   []Message
	Usage      Usage
	Iterations int
}

// RunLoop executes the agent loop over the given history until the
// model answers without tool calls, the iteration budget runs out, or
// ctx is cancelled. Cancellation is checked at every suspension point;
// the caller turns the returned error into the run's terminal event.
func RunLoop(ctx context.Context, cfg LoopConfig, history []Message) (LoopResult, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	messages := history
	var totalUsage Usage

	setPhase := func(p Phase) {
		if cfg.OnPhase != nil {
			cfg.OnPhase(p)
		}
	}

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return LoopResult{Messages: messages, Usage: totalUsage, Iterations: i}, err
		}

		// Inject pending steer notes before the model call.
		if cfg.Steer != nil {
			for _, note := range cfg.Steer.Drain() {
				messages = append(messages, SteerMessage(note))
				if err := cfg.Emit(ctx, v1.EventStatus, map[string]any{"status": "steer_injected"}, ""); err != nil {
					return LoopResult{Messages: messages, Usage: totalUsage, Iterations: i}, err
				}
			}
		}

		// Let the memory manager prune or compact the working context.
		if cfg.Prepare != nil {
			prepared, err := cfg.Prepare(ctx, messages)
			if err != nil {
				return LoopResult{Messages: messages, Usage: totalUsage, Iterations: i}, fmt.Errorf("prepare context: %w", err)
			}
			messages = prepared
		}

		setPhase(PhaseModel)
		turn, err := streamTurn(ctx, cfg, messages)
		totalUsage.Add(turn.usage)
		if err != nil {
			return LoopResult{Messages: messages, Usage: totalUsage, Iterations: i}, err
		}

		assistant := Message{
			Role:      RoleAssistant,
			Content:   turn.text,
			ToolCalls: turn.toolCalls,
			MessageID: turn.messageID,
		}
		messages = append(messages, assistant)

		// No tool calls means the turn is the final answer.
		if len(turn.toolCalls) == 0 {
			if err := checkpoint(ctx, cfg, messages); err != nil {
				log.Warn("checkpoint failed", zap.Error(err))
			}
			return LoopResult{
				FinalText:  turn.text,
				Messages:   messages,
				Usage:      totalUsage,
				Iterations: i + 1,
			}, nil
		}

		setPhase(PhaseTool)
		results := dispatchParallel(ctx, cfg, turn.toolCalls)
		// A cancel that landed during dispatch ends the turn here: the
		// caller's terminal event replaces the tool results, which are
		// neither emitted nor checkpointed.
		if err := ctx.Err(); err != nil {
			return LoopResult{Messages: messages, Usage: totalUsage, Iterations: i}, err
		}
		for j, tc := range turn.toolCalls {
			res := results[j]
			data := map[string]any{
				"id":      tc.ID,
				"name":    tc.Name,
				"content": res.Content,
			}
			if res.Error != "" {
				data["error"] = res.Error
			}
			if err := cfg.Emit(ctx, v1.EventToolResult, data, turn.messageID); err != nil {
				return LoopResult{Messages: messages, Usage: totalUsage, Iterations: i}, err
			}

			content := res.Content
			if res.Error != "" {
				content = "error: " + res.Error
			}
			messages = append(messages, ToolResultMessage(tc.ID, truncateRunes(content, maxToolResultLen)))
		}

		if err := checkpoint(ctx, cfg, messages); err != nil {
			log.Warn("checkpoint failed", zap.Error(err))
		}
	}

	// Iteration budget exhausted: force a final synthesis without tools.
	log.Warn("max iterations reached, forcing synthesis",
		zap.String("model", cfg.Model.Name()),
		zap.Int("max_iterations", maxIter))
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and respond to the user."))

	setPhase(PhaseModel)
	synthCfg := cfg
	synthCfg.Registry = nil
	turn, err := streamTurn(ctx, synthCfg, messages)
	totalUsage.Add(turn.usage)
	if err != nil {
		return LoopResult{Messages: messages, Usage: totalUsage, Iterations: maxIter}, err
	}
	messages = append(messages, Message{Role: RoleAssistant, Content: turn.text, MessageID: turn.messageID})
	if err := checkpoint(ctx, cfg, messages); err != nil {
		log.Warn("checkpoint failed", zap.Error(err))
	}
	return LoopResult{
		FinalText:  turn.text,
		Messages:   messages,
		Usage:      totalUsage,
		Iterations: maxIter,
	}, nil
}

// modelTurn accumulates one streamed model response.
type modelTurn struct {
	text      string
	toolCalls []ToolCall
	messageID string
	usage     Usage
}

// streamTurn runs one model call, emitting text and tool_call events
// as chunks arrive.
func streamTurn(ctx context.Context, cfg LoopConfig, messages []Message) (modelTurn, error) {
	req := Request{Messages: messages}
	if cfg.Registry != nil {
		req.Tools = cfg.Registry.Definitions()
	}

	ch, err := cfg.Model.Stream(ctx, req)
	if err != nil {
		return modelTurn{}, fmt.Errorf("model stream: %w", err)
	}

	var turn modelTurn
	for {
		select {
		case <-ctx.Done():
			return turn, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return turn, nil
			}
			if chunk.Err != nil {
				return turn, chunk.Err
			}
			if chunk.MessageID != "" {
				turn.messageID = chunk.MessageID
			}
			switch chunk.Type {
			case ChunkText:
				turn.text += chunk.Text
				if err := cfg.Emit(ctx, v1.EventText, map[string]any{"text": chunk.Text}, chunk.MessageID); err != nil {
					return turn, err
				}
			case ChunkToolCall:
				tc := *chunk.ToolCall
				turn.toolCalls = append(turn.toolCalls, tc)
				if err := cfg.Emit(ctx, v1.EventToolCall, map[string]any{
					"id":   tc.ID,
					"name": tc.Name,
					"args": string(tc.Args),
				}, chunk.MessageID); err != nil {
					return turn, err
				}
			case ChunkDone:
				if chunk.Usage != nil {
					turn.usage.Add(*chunk.Usage)
				}
			}
		}
	}
}

func checkpoint(ctx context.Context, cfg LoopConfig, messages []Message) error {
	if cfg.Checkpoint == nil {
		return nil
	}
	return cfg.Checkpoint(ctx, messages)
}

// indexedResult pairs a tool result with its position in the original
// call slice so parallel collection preserves order.
type indexedResult struct {
	idx    int
	result ToolResult
}

// safeExecute wraps tool execution with panic recovery so a panicking
// tool surfaces as an error result instead of killing the producer.
func safeExecute(ctx context.Context, reg *Registry, tc ToolCall) (res ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{Error: fmt.Sprintf("tool %q panic: %v", tc.Name, p)}
		}
	}()
	result, err := reg.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return result
}

// dispatchParallel runs all tool calls concurrently and returns results
// in call order. Single calls run inline. Multiple calls share a fixed
// worker pool so a wide fan-out never spawns unbounded goroutines.
func dispatchParallel(ctx context.Context, cfg LoopConfig, calls []ToolCall) []ToolResult {
	if len(calls) == 1 {
		return []ToolResult{safeExecute(ctx, cfg.Registry, calls[0])}
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(calls))
	numWorkers := maxWorkers
	if len(calls) < numWorkers {
		numWorkers = len(calls)
	}
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for item := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{item.idx, ToolResult{Error: ctx.Err().Error()}}
					continue
				}
				resultCh <- indexedResult{item.idx, safeExecute(ctx, cfg.Registry, item.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = ToolResult{Error: ctx.Err().Error()}
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = ToolResult{Error: "result not received"}
		}
	}
	return results
}

// truncateRunes truncates a string to n runes, marking the cut.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n\n[output truncated]"
}
