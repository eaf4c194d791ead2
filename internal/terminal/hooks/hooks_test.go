package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	name     string
	priority int
	fn       func(ctx context.Context, command string, meta map[string]string) Decision
}

func (h *testHandler) Name() string  { return h.name }
func (h *testHandler) Priority() int { return h.priority }
func (h *testHandler) Check(ctx context.Context, command string, meta map[string]string) Decision {
	return h.fn(ctx, command, meta)
}

func allowRecording(name string, priority int, order *[]string) *testHandler {
	return &testHandler{name: name, priority: priority, fn: func(_ context.Context, _ string, _ map[string]string) Decision {
		*order = append(*order, name)
		return Allow()
	}}
}

func TestChain_PriorityOrder(t *testing.T) {
	var order []string
	chain := NewChain(
		allowRecording("late", 20, &order),
		allowRecording("early", 10, &order),
		allowRecording("middle", 15, &order),
	)

	d := chain.Check(context.Background(), "ls", nil)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, []string{"early", "middle", "late"}, order)
}

func TestChain_FirstBlockWins(t *testing.T) {
	var order []string
	blocker := &testHandler{name: "blocker", priority: 10, fn: func(_ context.Context, _ string, _ map[string]string) Decision {
		order = append(order, "blocker")
		return Block("not allowed")
	}}
	chain := NewChain(blocker, allowRecording("after", 20, &order))

	d := chain.Check(context.Background(), "rm -rf /", map[string]string{MetaPhase: PhasePre})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "not allowed", d.Reason)
	assert.Equal(t, []string{"blocker"}, order)
}

func TestChain_MetadataAccumulates(t *testing.T) {
	tagger := &testHandler{name: "tagger", priority: 10, fn: func(_ context.Context, _ string, _ map[string]string) Decision {
		return Tag(map[string]string{"category": "vcs"})
	}}
	var seen string
	reader := &testHandler{name: "reader", priority: 20, fn: func(_ context.Context, _ string, meta map[string]string) Decision {
		seen = meta["category"]
		return Allow()
	}}
	chain := NewChain(tagger, reader)

	meta := map[string]string{MetaPhase: PhasePre}
	d := chain.Check(context.Background(), "git status", meta)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "vcs", seen)
	assert.Equal(t, "vcs", d.Metadata["category"])
	assert.Equal(t, "vcs", meta["category"])
}

func TestChain_PostPhaseIgnoresBlocks(t *testing.T) {
	var calls int
	blocker := &testHandler{name: "blocker", priority: 10, fn: func(_ context.Context, _ string, _ map[string]string) Decision {
		return Block("too late")
	}}
	observer := &testHandler{name: "observer", priority: 20, fn: func(_ context.Context, _ string, meta map[string]string) Decision {
		calls++
		assert.Equal(t, "0", meta[MetaExitCode])
		return Allow()
	}}
	chain := NewChain(blocker, observer)

	d := chain.Check(context.Background(), "ls", map[string]string{
		MetaPhase:    PhasePost,
		MetaExitCode: "0",
	})
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, 1, calls)
}

func TestChain_NilAndEmpty(t *testing.T) {
	t.Run("nil chain allows", func(t *testing.T) {
		var chain *Chain
		d := chain.Check(context.Background(), "ls", nil)
		assert.Equal(t, ActionAllow, d.Action)
		assert.Equal(t, 0, chain.Len())
	})

	t.Run("empty chain allows", func(t *testing.T) {
		d := NewChain().Check(context.Background(), "ls", nil)
		assert.Equal(t, ActionAllow, d.Action)
	})
}

func TestRuleHandler(t *testing.T) {
	t.Run("block rule matches", func(t *testing.T) {
		h, err := NewRuleHandler(PolicyRule{
			Name:    "deny-sudo",
			Action:  "block",
			Pattern: `^sudo\s`,
			Reason:  "no privilege escalation in sandboxes",
		})
		require.NoError(t, err)

		d := h.Check(context.Background(), "sudo apt install", nil)
		assert.Equal(t, ActionBlock, d.Action)
		assert.Equal(t, "no privilege escalation in sandboxes", d.Reason)

		d = h.Check(context.Background(), "echo sudo", nil)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("tag rule attaches metadata", func(t *testing.T) {
		h, err := NewRuleHandler(PolicyRule{
			Name:     "tag-git",
			Action:   "tag",
			Pattern:  `^git\s`,
			Metadata: map[string]string{"category": "vcs"},
		})
		require.NoError(t, err)

		d := h.Check(context.Background(), "git push", nil)
		assert.Equal(t, ActionAllow, d.Action)
		assert.Equal(t, "vcs", d.Metadata["category"])
		assert.Equal(t, "tag-git", d.Metadata["rule"])
	})

	t.Run("default block reason names the rule", func(t *testing.T) {
		h, err := NewRuleHandler(PolicyRule{Name: "deny-x", Action: "block", Pattern: "^x$"})
		require.NoError(t, err)
		d := h.Check(context.Background(), "x", nil)
		assert.Contains(t, d.Reason, "deny-x")
	})

	t.Run("validation", func(t *testing.T) {
		_, err := NewRuleHandler(PolicyRule{Action: "block", Pattern: "x"})
		assert.Error(t, err)

		_, err = NewRuleHandler(PolicyRule{Name: "r", Action: "block"})
		assert.Error(t, err)

		_, err = NewRuleHandler(PolicyRule{Name: "r", Action: "allowlist", Pattern: "x"})
		assert.Error(t, err)

		_, err = NewRuleHandler(PolicyRule{Name: "r", Action: "block", Pattern: "("})
		assert.Error(t, err)
	})
}
