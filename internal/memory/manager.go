package memory

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// DefaultContextLimit is the assumed model context window when the
// config does not set one.
const DefaultContextLimit = 200_000

// ModelProvider yields the model used to summarize a thread's history.
type ModelProvider interface {
	ModelFor(ctx context.Context, threadID string) (agent.Model, error)
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	ContextLimit int
	Threshold    float64
}

func (c Config) withDefaults() Config {
	if c.ContextLimit <= 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// threadMemory is one thread's cached memory state. The summary cache
// is what makes compaction survive restarts without re-reading the
// store on every call.
type threadMemory struct {
	loaded  bool
	summary *Summary
	ctxMon  *ContextMonitor
	tokMon  *TokenMonitor
}

// Manager shapes the message history before each model call: prune
// oversized content, re-apply the persisted summary after a restart,
// and compact when the context crosses the threshold. It implements
// the supervisor's ContextPreparer, UsageReporter and UsageRecorder.
type Manager struct {
	cfg          Config
	summaries    *SummaryStore
	checkpoints  checkpoint.Store
	models       ModelProvider
	logger       *logger.Logger
	onCompacting func(threadID string, active bool)

	mu      sync.Mutex
	threads map[string]*threadMemory
}

// NewManager wires the memory manager. The model provider may be nil;
// the manager then prunes but never compacts.
func NewManager(cfg Config, summaries *SummaryStore, checkpoints checkpoint.Store, models ModelProvider, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		summaries:   summaries,
		checkpoints: checkpoints,
		models:      models,
		logger:      log,
		threads:     make(map[string]*threadMemory),
	}
}

// SetCompactingNotifier registers the callback toggled around a
// compaction pass, wired to the supervisor's compacting flag.
func (m *Manager) SetCompactingNotifier(fn func(threadID string, active bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompacting = fn
}

func (m *Manager) thread(threadID string) *threadMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm, ok := m.threads[threadID]; ok {
		return tm
	}
	tm := &threadMemory{
		ctxMon: NewContextMonitor(m.cfg.ContextLimit, m.cfg.Threshold),
		tokMon: &TokenMonitor{},
	}
	m.threads[threadID] = tm
	return tm
}

func (m *Manager) lookup(threadID string) *threadMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[threadID]
}

// PrepareContext is called before every model call of a run. At most
// one producer per thread calls it, so per-thread work needs no
// additional locking beyond the monitor and map accesses.
func (m *Manager) PrepareContext(ctx context.Context, threadID string, msgs []agent.Message) ([]agent.Message, error) {
	tm := m.thread(threadID)
	log := m.logger.WithThreadID(threadID)

	var model agent.Model
	modelName := ""
	if m.models != nil {
		resolved, err := m.models.ModelFor(ctx, threadID)
		if err != nil {
			log.WithError(err).Warn("no summarizer model, pruning only")
		} else {
			model = resolved
			modelName = model.Name()
		}
	}
	counter := NewCounter(modelName)

	m.ensureLoaded(ctx, threadID, tm, model, counter)
	msgs = m.applySummary(tm, msgs)
	msgs = Prune(msgs)

	compactor := NewCompactor(counter, m.cfg.ContextLimit, m.cfg.Threshold)
	if model != nil && compactor.NeedsCompaction(msgs) {
		m.notifyCompacting(threadID, true)
		res, err := compactor.Compact(ctx, model, msgs)
		if err != nil && ctx.Err() == nil && apperr.KindOf(err) != apperr.KindValidation {
			// Summarizer calls are transient upstream; one more attempt
			// before degrading.
			log.WithError(err).Warn("compaction failed, retrying once")
			res, err = compactor.Compact(ctx, model, msgs)
		}
		m.notifyCompacting(threadID, false)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			// Degrade to the unpruned threshold overshoot rather than
			// failing the run.
			log.WithError(err).Warn("compaction failed, continuing uncompacted")
		default:
			msgs = res.Messages
			sum := res.Summary
			sum.ThreadID = threadID
			if err := m.summaries.Save(ctx, &sum); err != nil {
				log.WithError(err).Warn("failed to persist summary")
			}
			m.mu.Lock()
			tm.summary = &sum
			m.mu.Unlock()
			tm.tokMon.Record(modelName, res.Usage)
			log.Info("compacted context",
				zap.Int("compact_up_to_index", sum.CompactUpToIndex),
				zap.Bool("is_split_turn", sum.IsSplitTurn),
				zap.Int("messages", len(msgs)))
		}
	}

	tm.ctxMon.Update(len(msgs), counter.CountMessages(msgs))
	return msgs, nil
}

func (m *Manager) notifyCompacting(threadID string, active bool) {
	m.mu.Lock()
	fn := m.onCompacting
	m.mu.Unlock()
	if fn != nil {
		fn(threadID, active)
	}
}

// ensureLoaded restores the summary cache on the first call per thread
// after a process start: load the active row, validate it, rebuild
// from checkpoints when it is unusable.
func (m *Manager) ensureLoaded(ctx context.Context, threadID string, tm *threadMemory, model agent.Model, counter *Counter) {
	m.mu.Lock()
	loaded := tm.loaded
	tm.loaded = true
	m.mu.Unlock()
	if loaded {
		return
	}

	log := m.logger.WithThreadID(threadID)
	sum, err := m.summaries.ActiveForThread(ctx, threadID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			log.WithError(err).Warn("failed to load active summary")
		}
		return
	}
	if err := validateSummary(sum); err != nil {
		log.WithError(err).Warn("active summary failed validation, rebuilding from checkpoints")
		sum = m.rebuildSummary(ctx, threadID, model, counter)
	}
	m.mu.Lock()
	tm.summary = sum
	m.mu.Unlock()
}

func validateSummary(sum *Summary) error {
	if strings.TrimSpace(sum.SummaryText) == "" {
		return apperr.Corruptionf("summary %s has empty text", sum.SummaryID)
	}
	if sum.CompactUpToIndex <= 0 {
		return apperr.Corruptionf("summary %s has compact_up_to_index %d", sum.SummaryID, sum.CompactUpToIndex)
	}
	return nil
}

// rebuildSummary regenerates the summary from the checkpoint history
// and re-saves it. When the history is missing or too short, the broken
// row is deactivated and the thread continues without a summary.
func (m *Manager) rebuildSummary(ctx context.Context, threadID string, model agent.Model, counter *Counter) *Summary {
	log := m.logger.WithThreadID(threadID)
	deactivate := func() *Summary {
		if err := m.summaries.Deactivate(ctx, threadID); err != nil {
			log.WithError(err).Warn("failed to deactivate broken summary")
		}
		return nil
	}

	if m.checkpoints == nil || model == nil {
		return deactivate()
	}
	cp, err := m.checkpoints.Latest(ctx, threadID)
	if err != nil {
		return deactivate()
	}

	compactor := NewCompactor(counter, m.cfg.ContextLimit, m.cfg.Threshold)
	res, err := compactor.Compact(ctx, model, cp.Messages)
	if err != nil {
		return deactivate()
	}
	sum := res.Summary
	sum.ThreadID = threadID
	if err := m.summaries.Save(ctx, &sum); err != nil {
		log.WithError(err).Warn("failed to re-save rebuilt summary")
	}
	log.Info("rebuilt summary from checkpoints",
		zap.Int("compact_up_to_index", sum.CompactUpToIndex))
	return &sum
}

// applySummary folds the persisted summary into a working set that
// predates it, which happens when the process died after compacting
// but before the next checkpoint.
func (m *Manager) applySummary(tm *threadMemory, msgs []agent.Message) []agent.Message {
	m.mu.Lock()
	sum := tm.summary
	m.mu.Unlock()
	if sum == nil || len(msgs) == 0 || hasSummaryMessage(msgs) {
		return msgs
	}
	idx := sum.CompactUpToIndex
	if idx <= 0 || idx >= len(msgs) {
		return msgs
	}

	var out []agent.Message
	if msgs[0].Role == agent.RoleSystem {
		out = append(out, msgs[0])
	}
	out = append(out, agent.SystemMessage(summaryHeader+sum.SummaryText))
	out = append(out, msgs[idx:]...)
	return out
}

func hasSummaryMessage(msgs []agent.Message) bool {
	for _, msg := range msgs {
		if msg.Role == agent.RoleSystem && strings.HasPrefix(msg.Content, summaryHeader) {
			return true
		}
	}
	return false
}

// RecordUsage accumulates a finished run's token consumption.
func (m *Manager) RecordUsage(threadID, model string, usage agent.Usage) {
	m.thread(threadID).tokMon.Record(model, usage)
}

// ContextUsage reports the thread's context pressure, nil when the
// thread has never prepared a context.
func (m *Manager) ContextUsage(threadID string) *v1.ContextUsage {
	tm := m.lookup(threadID)
	if tm == nil {
		return nil
	}
	snap := tm.ctxMon.Snapshot()
	return &snap
}

// TokenUsage reports the thread's accumulated token totals and spend.
func (m *Manager) TokenUsage(threadID string) *v1.TokenTotals {
	tm := m.lookup(threadID)
	if tm == nil {
		return nil
	}
	snap := tm.tokMon.Snapshot()
	return &snap
}

// DropThread clears the thread's cached memory state after a delete.
func (m *Manager) DropThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
}
