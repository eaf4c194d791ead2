package memory

import (
	"sync"

	"github.com/getleon/leon/internal/agent"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// ContextMonitor tracks token pressure of one thread's working context.
type ContextMonitor struct {
	mu        sync.Mutex
	messages  int
	tokens    int
	limit     int
	threshold float64
}

// NewContextMonitor builds a monitor for the given limit and compaction
// threshold; the near-limit flag trips at the threshold.
func NewContextMonitor(limit int, threshold float64) *ContextMonitor {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &ContextMonitor{limit: limit, threshold: threshold}
}

// Update records the working set observed before a model call.
func (m *ContextMonitor) Update(messages, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = messages
	m.tokens = tokens
}

// Snapshot returns the current pressure reading.
func (m *ContextMonitor) Snapshot() v1.ContextUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	ratio := 0.0
	if m.limit > 0 {
		ratio = float64(m.tokens) / float64(m.limit)
	}
	return v1.ContextUsage{
		Messages:  m.messages,
		Tokens:    m.tokens,
		Limit:     m.limit,
		Ratio:     ratio,
		NearLimit: ratio >= m.threshold,
	}
}

// TokenMonitor accumulates a thread's model usage and spend across runs.
type TokenMonitor struct {
	mu     sync.Mutex
	totals v1.TokenTotals
}

// Record adds one usage sample, pricing it against the model's rates.
func (m *TokenMonitor) Record(model string, u agent.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.InputTokens += int64(u.InputTokens)
	m.totals.OutputTokens += int64(u.OutputTokens)
	m.totals.CacheReadTokens += int64(u.CacheReadTokens)
	m.totals.CacheWriteTokens += int64(u.CacheWriteTokens)
	m.totals.CostUSD += Cost(model, u)
}

// Snapshot returns the accumulated totals.
func (m *TokenMonitor) Snapshot() v1.TokenTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}
