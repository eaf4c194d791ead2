package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/common/apperr"
)

// estCounter forces the chars/4 estimation path so token math in these
// tests is deterministic.
func estCounter() *Counter { return &Counter{} }

// history builds a system prompt plus n user/assistant messages of 160
// chars each (40 estimated tokens).
func history(n int) []agent.Message {
	msgs := []agent.Message{agent.SystemMessage("You are Leon.")}
	for i := 0; i < n; i++ {
		content := strings.Repeat("m", 160)
		if i%2 == 0 {
			msgs = append(msgs, agent.UserMessage(content))
		} else {
			msgs = append(msgs, agent.AssistantMessage(content))
		}
	}
	return msgs
}

func TestCompactor_NeedsCompaction(t *testing.T) {
	c := NewCompactor(estCounter(), 400, 0.7)
	assert.False(t, c.NeedsCompaction(history(2)))
	assert.True(t, c.NeedsCompaction(history(8)))
}

func TestCompactor_Compact(t *testing.T) {
	c := NewCompactor(estCounter(), 400, 0.7)
	model := agent.NewScripted("sum", []agent.ScriptedTurn{
		{Text: "a tidy summary of earlier work", Usage: agent.Usage{InputTokens: 50, OutputTokens: 10}},
	})
	msgs := history(8)

	res, err := c.Compact(context.Background(), model, msgs)
	require.NoError(t, err)

	require.Len(t, res.Messages, 6)
	assert.Equal(t, "You are Leon.", res.Messages[0].Content, "system prompt survives in place")
	assert.Equal(t, agent.RoleSystem, res.Messages[1].Role)
	assert.Equal(t, summaryHeader+"a tidy summary of earlier work", res.Messages[1].Content)
	assert.Equal(t, msgs[5:], res.Messages[2:], "tail carried over unchanged")

	assert.Equal(t, "a tidy summary of earlier work", res.Summary.SummaryText)
	assert.Equal(t, 5, res.Summary.CompactUpToIndex)
	assert.False(t, res.Summary.IsSplitTurn)
	assert.Equal(t, 50, res.Usage.InputTokens)
}

func TestCompactor_CompactSplitTurn(t *testing.T) {
	c := NewCompactor(estCounter(), 400, 0.7)
	model := agent.NewScripted("sum", []agent.ScriptedTurn{
		{Text: "history layer"},
		{Text: "turn layer"},
	})
	msgs := history(4)
	msgs = append(msgs, agent.UserMessage(strings.Repeat("b", 1600)))

	res, err := c.Compact(context.Background(), model, msgs)
	require.NoError(t, err)

	assert.True(t, res.Summary.IsSplitTurn)
	assert.Greater(t, res.Summary.SplitTurnPrefix, 0)
	assert.Equal(t, "history layer"+splitTurnSeparator+"turn layer", res.Summary.SummaryText)
	assert.Equal(t, 6, res.Summary.CompactUpToIndex)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "You are Leon.", res.Messages[0].Content)
	assert.True(t, strings.HasPrefix(res.Messages[1].Content, summaryHeader))
	assert.Contains(t, res.Messages[1].Content, "turn layer")
}

func TestCompactor_NothingToCompact(t *testing.T) {
	c := NewCompactor(estCounter(), 400, 0.7)
	model := agent.NewScripted("sum", nil)

	_, err := c.Compact(context.Background(), model, []agent.Message{agent.SystemMessage("sys")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCompactor_EmptySummaryFails(t *testing.T) {
	c := NewCompactor(estCounter(), 400, 0.7)
	model := agent.NewScripted("sum", []agent.ScriptedTurn{{Text: ""}})

	_, err := c.Compact(context.Background(), model, history(8))
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientUpstream, apperr.KindOf(err))
}

func TestAdjustBoundary(t *testing.T) {
	pair := []agent.Message{
		agent.UserMessage("q"),
		{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "t1", Name: "shell"}, {ID: "t2", Name: "shell"}}},
		agent.ToolResultMessage("t1", "out1"),
		agent.ToolResultMessage("t2", "out2"),
		agent.AssistantMessage("done"),
		agent.UserMessage("next"),
	}

	t.Run("after call message", func(t *testing.T) {
		assert.Equal(t, 4, adjustBoundary(pair, 2), "advances past the whole tool group")
	})
	t.Run("between results", func(t *testing.T) {
		assert.Equal(t, 4, adjustBoundary(pair, 3))
	})
	t.Run("clean boundary stays", func(t *testing.T) {
		assert.Equal(t, 1, adjustBoundary(pair, 1))
		assert.Equal(t, 5, adjustBoundary(pair, 5))
	})
	t.Run("ends of slice", func(t *testing.T) {
		assert.Equal(t, 0, adjustBoundary(pair, 0))
		assert.Equal(t, len(pair), adjustBoundary(pair, len(pair)))
	})
}

func TestRenderTranscript(t *testing.T) {
	out := renderTranscript([]agent.Message{
		agent.UserMessage("hello"),
		{Role: agent.RoleAssistant, Content: "on it", ToolCalls: []agent.ToolCall{{ID: "t1", Name: "shell", Args: []byte(`{"command":"ls"}`)}}},
	})
	assert.Contains(t, out, "user: hello")
	assert.Contains(t, out, "assistant: on it")
	assert.Contains(t, out, `[tool call shell {"command":"ls"}]`)
}
