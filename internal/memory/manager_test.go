package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/db"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type staticModels struct{ model agent.Model }

func (p staticModels) ModelFor(ctx context.Context, threadID string) (agent.Model, error) {
	return p.model, nil
}

// wordy builds a system prompt plus n plain-English messages of about
// 90 tokens each. Exact counts depend on the encoding tiktoken manages
// to load, so tests over this history assert shape, not indices.
func wordy(n int) []agent.Message {
	msgs := []agent.Message{agent.SystemMessage("You are Leon.")}
	content := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 8)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, agent.UserMessage(content))
		} else {
			msgs = append(msgs, agent.AssistantMessage(content))
		}
	}
	return msgs
}

type managerFixture struct {
	mgr   *Manager
	store *SummaryStore
	cps   checkpoint.Store
}

func newManagerFixture(t *testing.T, cfg Config, models ModelProvider) *managerFixture {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "leon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewSummaryStore(pool)
	require.NoError(t, err)
	cps, err := checkpoint.NewSQLiteStore(pool)
	require.NoError(t, err)

	mgr := NewManager(cfg, store, cps, models, testLogger(t))
	return &managerFixture{mgr: mgr, store: store, cps: cps}
}

func TestManager_PruneOnlyWithoutModel(t *testing.T) {
	f := newManagerFixture(t, Config{}, nil)

	msgs := []agent.Message{agent.UserMessage(strings.Repeat("x", maxTextChars+100))}
	for i := 0; i < protectedTail+1; i++ {
		msgs = append(msgs, agent.UserMessage("small"))
	}

	out, err := f.mgr.PrepareContext(context.Background(), "th-1", msgs)
	require.NoError(t, err)
	assert.Contains(t, out[0].Content, "[content elided")
	assert.Len(t, out, len(msgs))

	usage := f.mgr.ContextUsage("th-1")
	require.NotNil(t, usage)
	assert.Equal(t, len(msgs), usage.Messages)
	assert.Greater(t, usage.Tokens, 0)
	assert.False(t, usage.NearLimit)
}

func TestManager_CompactsOverThreshold(t *testing.T) {
	model := agent.NewScripted("sum", []agent.ScriptedTurn{
		{Text: "a tidy summary", Usage: agent.Usage{InputTokens: 50, OutputTokens: 10}},
		{Text: "a tidy summary"},
	})
	f := newManagerFixture(t, Config{ContextLimit: 800, Threshold: 0.7}, staticModels{model})

	var mu sync.Mutex
	var toggles []bool
	f.mgr.SetCompactingNotifier(func(threadID string, active bool) {
		mu.Lock()
		toggles = append(toggles, active)
		mu.Unlock()
	})

	msgs := wordy(8)
	out, err := f.mgr.PrepareContext(context.Background(), "th-1", msgs)
	require.NoError(t, err)

	require.Less(t, len(out), len(msgs))
	assert.Equal(t, "You are Leon.", out[0].Content)
	assert.True(t, strings.HasPrefix(out[1].Content, summaryHeader))
	assert.Contains(t, out[1].Content, "a tidy summary")
	assert.Equal(t, msgs[len(msgs)-1], out[len(out)-1], "newest message survives")

	sum, err := f.store.ActiveForThread(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Contains(t, sum.SummaryText, "a tidy summary")
	assert.Equal(t, len(msgs)-(len(out)-2), sum.CompactUpToIndex)

	assert.Equal(t, []bool{true, false}, toggles)

	totals := f.mgr.TokenUsage("th-1")
	require.NotNil(t, totals)
	assert.Equal(t, int64(50), totals.InputTokens)

	// The compacted set is back under the threshold.
	again, err := f.mgr.PrepareContext(context.Background(), "th-1", out)
	require.NoError(t, err)
	assert.Len(t, again, len(out), "no second compaction below threshold")
}

func TestManager_CompactionFailureDegrades(t *testing.T) {
	// An empty scripted summary makes compaction fail on both the
	// first attempt and the retry; the run continues with the
	// oversized context instead of erroring.
	model := agent.NewScripted("sum", []agent.ScriptedTurn{{Text: ""}, {Text: ""}})
	f := newManagerFixture(t, Config{ContextLimit: 800, Threshold: 0.7}, staticModels{model})

	msgs := wordy(8)
	out, err := f.mgr.PrepareContext(context.Background(), "th-1", msgs)
	require.NoError(t, err)
	assert.Len(t, out, len(msgs))

	_, err = f.store.ActiveForThread(context.Background(), "th-1")
	require.Error(t, err, "no summary row persisted for the failed pass")
}

func TestManager_CompactionRetriesTransientFailure(t *testing.T) {
	// The first summarizer call fails upstream; the single retry lands
	// the compaction.
	model := agent.NewScripted("sum", []agent.ScriptedTurn{
		{Err: errors.New("upstream timed out")},
		{Text: "recovered summary"},
	})
	f := newManagerFixture(t, Config{ContextLimit: 800, Threshold: 0.7}, staticModels{model})

	msgs := wordy(8)
	out, err := f.mgr.PrepareContext(context.Background(), "th-1", msgs)
	require.NoError(t, err)
	require.Less(t, len(out), len(msgs))
	assert.Contains(t, out[1].Content, "recovered summary")

	sum, err := f.store.ActiveForThread(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Contains(t, sum.SummaryText, "recovered summary")
}

func TestManager_AppliesPersistedSummaryAfterRestart(t *testing.T) {
	f := newManagerFixture(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, &Summary{
		ThreadID:         "th-1",
		SummaryText:      "earlier exploration summary",
		CompactUpToIndex: 3,
	}))

	msgs := make([]agent.Message, 0, 6)
	for i := 0; i < 6; i++ {
		msgs = append(msgs, agent.UserMessage("m"))
	}

	out, err := f.mgr.PrepareContext(ctx, "th-1", msgs)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, agent.RoleSystem, out[0].Role)
	assert.Equal(t, summaryHeader+"earlier exploration summary", out[0].Content)

	// A working set that already embeds the summary is left alone.
	again, err := f.mgr.PrepareContext(ctx, "th-1", out)
	require.NoError(t, err)
	assert.Len(t, again, 4)
}

func TestManager_RebuildsInvalidSummaryFromCheckpoints(t *testing.T) {
	model := agent.NewScripted("sum", []agent.ScriptedTurn{
		{Text: "rebuilt summary"},
		{Text: "rebuilt summary"},
	})
	f := newManagerFixture(t, Config{ContextLimit: 800, Threshold: 0.7}, staticModels{model})
	ctx := context.Background()

	// An active row that fails validation: compact_up_to_index of zero.
	require.NoError(t, f.store.Save(ctx, &Summary{
		ThreadID:         "th-1",
		SummaryText:      "broken",
		CompactUpToIndex: 0,
	}))

	msgs := wordy(8)
	require.NoError(t, f.cps.Put(ctx, &checkpoint.Checkpoint{ThreadID: "th-1", Messages: msgs}))

	out, err := f.mgr.PrepareContext(ctx, "th-1", msgs)
	require.NoError(t, err)

	found := false
	for _, m := range out {
		if m.Role == agent.RoleSystem && strings.Contains(m.Content, "rebuilt summary") {
			found = true
		}
	}
	assert.True(t, found, "rebuilt summary applied to the working set")

	active, err := f.store.ActiveForThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Contains(t, active.SummaryText, "rebuilt summary")
	assert.Greater(t, active.CompactUpToIndex, 0)
	assert.Less(t, active.CompactUpToIndex, len(msgs))
}

func TestManager_InvalidSummaryWithoutCheckpointsDeactivates(t *testing.T) {
	f := newManagerFixture(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, &Summary{
		ThreadID:         "th-1",
		SummaryText:      "   ",
		CompactUpToIndex: 2,
	}))

	msgs := []agent.Message{agent.UserMessage("hello")}
	out, err := f.mgr.PrepareContext(ctx, "th-1", msgs)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = f.store.ActiveForThread(ctx, "th-1")
	require.Error(t, err, "broken row was deactivated")
}

func TestManager_TokenAccounting(t *testing.T) {
	f := newManagerFixture(t, Config{}, nil)

	f.mgr.RecordUsage("th-1", "gpt-4o", agent.Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	f.mgr.RecordUsage("th-1", "gpt-4o", agent.Usage{InputTokens: 500_000})

	totals := f.mgr.TokenUsage("th-1")
	require.NotNil(t, totals)
	assert.Equal(t, int64(1_500_000), totals.InputTokens)
	assert.Equal(t, int64(100_000), totals.OutputTokens)
	// 1.5M input at $2.50/M plus 100K output at $10/M.
	assert.InDelta(t, 4.75, totals.CostUSD, 0.001)

	assert.Nil(t, f.mgr.TokenUsage("th-unknown"))
}

func TestManager_DropThread(t *testing.T) {
	f := newManagerFixture(t, Config{}, nil)

	_, err := f.mgr.PrepareContext(context.Background(), "th-1", []agent.Message{agent.UserMessage("hi")})
	require.NoError(t, err)
	require.NotNil(t, f.mgr.ContextUsage("th-1"))

	f.mgr.DropThread("th-1")
	assert.Nil(t, f.mgr.ContextUsage("th-1"))
}

func TestContextMonitor_NearLimit(t *testing.T) {
	mon := NewContextMonitor(100, 0.7)
	mon.Update(2, 80)
	snap := mon.Snapshot()
	assert.Equal(t, 2, snap.Messages)
	assert.Equal(t, 80, snap.Tokens)
	assert.InDelta(t, 0.8, snap.Ratio, 0.001)
	assert.True(t, snap.NearLimit)

	mon.Update(2, 30)
	assert.False(t, mon.Snapshot().NearLimit)
}

func TestPricing(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		cost := Cost("gpt-4o", agent.Usage{InputTokens: 1_000_000})
		assert.InDelta(t, 2.50, cost, 0.001)
	})
	t.Run("dated variant prefix match", func(t *testing.T) {
		cost := Cost("claude-sonnet-4-20250514", agent.Usage{InputTokens: 2_000_000})
		assert.InDelta(t, 6.0, cost, 0.001)
	})
	t.Run("cache tokens priced separately", func(t *testing.T) {
		cost := Cost("claude-sonnet-4", agent.Usage{CacheReadTokens: 1_000_000, CacheWriteTokens: 1_000_000})
		assert.InDelta(t, 4.05, cost, 0.001)
	})
	t.Run("unknown model costs zero", func(t *testing.T) {
		assert.Zero(t, Cost("some-local-model", agent.Usage{InputTokens: 1_000_000}))
	})
}

func TestCounter_Estimation(t *testing.T) {
	c := &Counter{}
	assert.Equal(t, 10, c.Count(strings.Repeat("a", 40)))
	assert.Equal(t, perMessageOverhead, c.CountMessages(nil))

	msg := agent.Message{Role: agent.RoleTool, Content: "ok", ToolCalls: []agent.ToolCall{{Name: "shell", Args: []byte(`{"command":"ls -la"}`)}}}
	withArgs := c.CountMessage(msg)
	msg.ToolCalls = nil
	assert.Greater(t, withArgs, c.CountMessage(msg), "tool call args count toward the total")
}
