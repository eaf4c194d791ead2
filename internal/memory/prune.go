package memory

import (
	"fmt"

	"github.com/getleon/leon/internal/agent"
)

// Per-type content caps in runes. Content above the cap is replaced
// with a placeholder; role and tool-call linkage stay intact.
const (
	maxToolResultChars = 4000
	maxTextChars       = 8000
	maxOtherChars      = 2000

	// protectedTail is the number of trailing messages never pruned.
	protectedTail = 6
)

func pruneCap(m agent.Message) int {
	switch {
	case m.IsToolResult():
		return maxToolResultChars
	case m.Role == agent.RoleUser || m.Role == agent.RoleAssistant:
		return maxTextChars
	default:
		return maxOtherChars
	}
}

// Prune replaces oversized message content with a short placeholder.
// The last protectedTail messages and the first system message keep
// their content, and the protected window is widened backwards so a
// tool-call/result group is never split across the pruning boundary.
// The placeholder is below every cap, which makes Prune idempotent.
func Prune(msgs []agent.Message) []agent.Message {
	if len(msgs) == 0 {
		return msgs
	}

	cutoff := len(msgs) - protectedTail
	if cutoff < 0 {
		cutoff = 0
	}
	for cutoff > 0 && msgs[cutoff].IsToolResult() {
		cutoff--
	}

	sysIdx := -1
	for i, m := range msgs {
		if m.Role == agent.RoleSystem {
			sysIdx = i
			break
		}
	}

	out := make([]agent.Message, len(msgs))
	copy(out, msgs)
	for i := 0; i < cutoff; i++ {
		if i == sysIdx {
			continue
		}
		content := []rune(out[i].Content)
		if len(content) <= pruneCap(out[i]) {
			continue
		}
		out[i].Content = fmt.Sprintf("[content elided to fit context: %d chars]", len(content))
	}
	return out
}
