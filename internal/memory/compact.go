package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/common/apperr"
)

const (
	// DefaultThreshold triggers compaction when the working context
	// reaches this share of the model's limit.
	DefaultThreshold = 0.70

	// prefixShare is the share of the limit the summarized prefix may
	// occupy, and the target size for what stays inline.
	prefixShare = 0.5

	// splitTurnSlack is the tolerance above the prefix share before a
	// single oversized turn is split.
	splitTurnSlack = 1.2

	// summaryHeader prefixes the system message a compaction leaves in
	// place of the summarized history.
	summaryHeader = "Conversation Summary:\n"

	// splitTurnSeparator joins the historical and turn-prefix layers of
	// a split-turn summary.
	splitTurnSeparator = "\n\n--- In-progress turn ---\n\n"
)

const (
	historyPrompt = "Summarize the conversation below concisely. Preserve key facts, " +
		"decisions, tool outputs, file paths, and unresolved questions. Omit redundant detail."
	turnPrefixPrompt = "Summarize the in-progress work below. Begin with the user's original " +
		"request and what remains to be done, then the steps taken so far and their outcomes. " +
		"Preserve key facts, data values, and errors."
)

// Compactor folds the older part of a conversation into a system-message
// summary once the working context crosses the threshold.
type Compactor struct {
	counter   *Counter
	limit     int
	threshold float64
}

// NewCompactor builds a compactor for one model's counter and limit.
func NewCompactor(counter *Counter, limit int, threshold float64) *Compactor {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Compactor{counter: counter, limit: limit, threshold: threshold}
}

// NeedsCompaction reports whether msgs crossed the trigger threshold.
func (c *Compactor) NeedsCompaction(msgs []agent.Message) bool {
	return float64(c.counter.CountMessages(msgs)) >= c.threshold*float64(c.limit)
}

// CompactResult is the outcome of one compaction pass.
type CompactResult struct {
	Messages []agent.Message
	Summary  Summary
	Usage    agent.Usage
}

// Compact summarizes the history prefix and returns the shortened
// working set plus the summary row to persist. A leading system message
// survives in place; everything else before the split index is folded
// into the summary.
func (c *Compactor) Compact(ctx context.Context, model agent.Model, msgs []agent.Message) (*CompactResult, error) {
	var head []agent.Message
	body := msgs
	if len(msgs) > 0 && msgs[0].Role == agent.RoleSystem {
		head = msgs[:1]
		body = msgs[1:]
	}
	if len(body) == 0 {
		return nil, apperr.Validationf("nothing to compact")
	}

	halfLimit := int(float64(c.limit) * prefixShare)
	k := c.splitIndex(body, halfLimit)
	k = adjustBoundary(body, k)

	restTokens := c.counter.CountMessages(body[k:])
	if float64(restTokens) > float64(halfLimit)*splitTurnSlack {
		return c.compactSplitTurn(ctx, model, head, body, k, halfLimit)
	}
	if k == 0 {
		return nil, apperr.Validationf("nothing to compact")
	}

	text, usage, err := summarize(ctx, model, historyPrompt, renderTranscript(body[:k]))
	if err != nil {
		return nil, err
	}

	out := make([]agent.Message, 0, len(head)+1+len(body)-k)
	out = append(out, head...)
	out = append(out, agent.SystemMessage(summaryHeader+text))
	out = append(out, body[k:]...)

	return &CompactResult{
		Messages: out,
		Summary: Summary{
			SummaryText:      text,
			CompactUpToIndex: len(head) + k,
		},
		Usage: usage,
	}, nil
}

// compactSplitTurn handles a tail whose single turn is itself too large:
// the history and the turn's own prefix are summarized separately and
// joined into a two-layer summary, leaving only the newest messages
// inline.
func (c *Compactor) compactSplitTurn(ctx context.Context, model agent.Model, head, body []agent.Message, k, halfLimit int) (*CompactResult, error) {
	j := k
	for j < len(body) && c.counter.CountMessages(body[j:]) > halfLimit {
		j++
	}
	j = adjustBoundary(body, j)
	if j <= k {
		return nil, apperr.Validationf("nothing to compact")
	}

	var usage agent.Usage
	var layers []string
	if k > 0 {
		text, u, err := summarize(ctx, model, historyPrompt, renderTranscript(body[:k]))
		if err != nil {
			return nil, err
		}
		usage.Add(u)
		layers = append(layers, text)
	}
	prefixTokens := c.counter.CountMessages(body[k:j])
	text, u, err := summarize(ctx, model, turnPrefixPrompt, renderTranscript(body[k:j]))
	if err != nil {
		return nil, err
	}
	usage.Add(u)
	layers = append(layers, text)
	combined := strings.Join(layers, splitTurnSeparator)

	out := make([]agent.Message, 0, len(head)+1+len(body)-j)
	out = append(out, head...)
	out = append(out, agent.SystemMessage(summaryHeader+combined))
	out = append(out, body[j:]...)

	return &CompactResult{
		Messages: out,
		Summary: Summary{
			SummaryText:      combined,
			CompactUpToIndex: len(head) + j,
			IsSplitTurn:      true,
			SplitTurnPrefix:  prefixTokens,
		},
		Usage: usage,
	}, nil
}

// splitIndex returns the largest k such that body[:k] stays within
// budget tokens.
func (c *Compactor) splitIndex(body []agent.Message, budget int) int {
	total := 0
	for i, m := range body {
		total += c.counter.CountMessage(m)
		if total > budget {
			return i
		}
	}
	return len(body)
}

// adjustBoundary walks k forward until the boundary sits between
// complete tool-call/result pairs, so a summarized prefix never strands
// a call without its results.
func adjustBoundary(body []agent.Message, k int) int {
	for k > 0 && k < len(body) {
		if body[k-1].HasToolCalls() || body[k].IsToolResult() {
			k++
			continue
		}
		break
	}
	return k
}

// renderTranscript flattens messages into the text handed to the
// summarizer.
func renderTranscript(msgs []agent.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n[tool call %s %s]", tc.Name, tc.Args)
		}
		b.WriteString("\n---\n")
	}
	return b.String()
}

// summarize runs one non-streaming-style model call, concatenating the
// streamed text.
func summarize(ctx context.Context, model agent.Model, system, transcript string) (string, agent.Usage, error) {
	var usage agent.Usage
	if model == nil {
		return "", usage, apperr.Fatalf("no summarizer model available")
	}
	ch, err := model.Stream(ctx, agent.Request{Messages: []agent.Message{
		agent.SystemMessage(system),
		agent.UserMessage(transcript),
	}})
	if err != nil {
		return "", usage, err
	}

	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", usage, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				text := strings.TrimSpace(b.String())
				if text == "" {
					return "", usage, apperr.Transientf("summarizer returned an empty summary")
				}
				return text, usage, nil
			}
			if chunk.Err != nil {
				return "", usage, chunk.Err
			}
			switch chunk.Type {
			case agent.ChunkText:
				b.WriteString(chunk.Text)
			case agent.ChunkDone:
				if chunk.Usage != nil {
					usage.Add(*chunk.Usage)
				}
			}
		}
	}
}
