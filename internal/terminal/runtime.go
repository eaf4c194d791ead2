package terminal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/sandbox"
	"github.com/getleon/leon/internal/terminal/hooks"
)

const (
	// maxShellHistory bounds the persisted command history.
	maxShellHistory = 200

	// blockedExitCode is reported for commands the policy chain rejects.
	blockedExitCode = 126
)

// Hydrator is an optional provider capability: a snapshot of recent
// instance output persisted with the terminal and replayed on the next
// attach. The blob is opaque to everything but the provider.
type Hydrator interface {
	HydrationState(ctx context.Context, instanceID string) (string, error)
}

// Runtime is a live terminal bound to one provider instance. It layers
// the abstract terminal's durable cwd, env delta and history over the
// instance and writes them back on detach.
type Runtime struct {
	provider   sandbox.Provider
	instanceID string
	store      *Store
	chain      *hooks.Chain
	threadID   string
	logger     *logger.Logger

	mu       sync.Mutex
	state    *AbstractTerminal
	dirty    bool
	detached bool
}

// NewRuntime attaches the persisted terminal state to a provider
// instance.
func NewRuntime(provider sandbox.Provider, instanceID string, state *AbstractTerminal, store *Store, chain *hooks.Chain, threadID string, log *logger.Logger) *Runtime {
	return &Runtime{
		provider:   provider,
		instanceID: instanceID,
		store:      store,
		chain:      chain,
		threadID:   threadID,
		state:      state,
		logger: log.WithFields(
			zap.String("component", "terminal"),
			zap.String("terminal_id", state.ID),
			zap.String("provider", provider.Name()),
		),
	}
}

// RunCommand executes one shell command inside the instance, applying
// the hook chain around it. cd and export are resolved locally so the
// terminal's cwd and env survive instance churn.
func (r *Runtime) RunCommand(ctx context.Context, command string) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached {
		return "", 0, apperr.Conflictf("terminal %s is detached", r.state.ID)
	}

	meta := map[string]string{
		hooks.MetaPhase:    hooks.PhasePre,
		hooks.MetaThreadID: r.threadID,
		hooks.MetaCwd:      r.state.Cwd,
	}
	if d := r.chain.Check(ctx, command, meta); d.Action == hooks.ActionBlock {
		r.logger.Warn("command blocked",
			zap.String("command", command),
			zap.String("reason", d.Reason))
		return "command blocked: " + d.Reason, blockedExitCode, nil
	}

	output, exitCode, err := r.execute(ctx, command)
	if err != nil {
		return "", 0, err
	}

	r.appendHistory(command)

	meta[hooks.MetaPhase] = hooks.PhasePost
	meta[hooks.MetaExitCode] = fmt.Sprintf("%d", exitCode)
	r.chain.Check(ctx, command, meta)

	return output, exitCode, nil
}

// execute dispatches the command, intercepting the builtins that
// mutate terminal state. Caller holds r.mu.
func (r *Runtime) execute(ctx context.Context, command string) (string, int, error) {
	trimmed := strings.TrimSpace(command)

	if target, ok := parseChdir(trimmed); ok {
		return r.chdir(ctx, target)
	}
	if key, value, ok := parseExport(trimmed); ok {
		r.state.EnvDelta[key] = value
		r.dirty = true
		return "", 0, nil
	}

	res, err := r.provider.Exec(ctx, r.instanceID, sandbox.ExecRequest{
		Command: command,
		Dir:     r.state.Cwd,
		Env:     envSlice(r.state.EnvDelta),
	})
	if err != nil {
		return "", 0, err
	}
	return res.Output, res.ExitCode, nil
}

// chdir resolves the target inside the instance so relative paths,
// symlinks and missing directories behave like a real shell.
func (r *Runtime) chdir(ctx context.Context, target string) (string, int, error) {
	probe := "cd && pwd"
	if target != "" {
		probe = "cd -- " + shellQuote(target) + " && pwd"
	}
	res, err := r.provider.Exec(ctx, r.instanceID, sandbox.ExecRequest{
		Command: probe,
		Dir:     r.state.Cwd,
		Env:     envSlice(r.state.EnvDelta),
	})
	if err != nil {
		return "", 0, err
	}
	if res.ExitCode != 0 {
		return res.Output, res.ExitCode, nil
	}
	cwd := lastLine(res.Output)
	if cwd == "" {
		return res.Output, res.ExitCode, nil
	}
	r.state.Cwd = cwd
	r.dirty = true
	return "", 0, nil
}

// Chdir sets the terminal's working directory without running a probe.
func (r *Runtime) Chdir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir != "" && dir != r.state.Cwd {
		r.state.Cwd = dir
		r.dirty = true
	}
}

// Setenv records an environment override that outlives the instance.
func (r *Runtime) Setenv(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.EnvDelta[key] == value {
		return
	}
	r.state.EnvDelta[key] = value
	r.dirty = true
}

// Snapshot returns a copy of the terminal's current state.
func (r *Runtime) Snapshot() AbstractTerminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.state
	cp.EnvDelta = make(map[string]string, len(r.state.EnvDelta))
	for k, v := range r.state.EnvDelta {
		cp.EnvDelta[k] = v
	}
	cp.ShellHistory = append([]string(nil), r.state.ShellHistory...)
	return cp
}

// InstanceID returns the provider instance this runtime is bound to.
func (r *Runtime) InstanceID() string {
	return r.instanceID
}

// Detach persists the terminal state and releases the runtime. Safe to
// call more than once.
func (r *Runtime) Detach(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached {
		return nil
	}
	r.detached = true

	if h, ok := r.provider.(Hydrator); ok {
		blob, err := h.HydrationState(ctx, r.instanceID)
		if err != nil {
			r.logger.Warn("failed to capture hydration state", zap.Error(err))
		} else if blob != "" && blob != r.state.Hydration {
			r.state.Hydration = blob
			r.dirty = true
		}
	}

	if !r.dirty {
		return nil
	}
	if err := r.store.Save(ctx, r.state); err != nil {
		r.logger.Warn("failed to persist terminal state", zap.Error(err))
		return err
	}
	r.dirty = false
	r.logger.Debug("terminal state persisted",
		zap.Int64("version", r.state.Version),
		zap.String("cwd", r.state.Cwd))
	return nil
}

// appendHistory records a command, trimming the oldest entries past the
// cap. Caller holds r.mu.
func (r *Runtime) appendHistory(command string) {
	r.state.ShellHistory = append(r.state.ShellHistory, command)
	if n := len(r.state.ShellHistory); n > maxShellHistory {
		r.state.ShellHistory = r.state.ShellHistory[n-maxShellHistory:]
	}
	r.dirty = true
}

// parseChdir recognizes plain cd commands. Anything involving shell
// control operators is left to the shell.
func parseChdir(command string) (string, bool) {
	if command != "cd" && !strings.HasPrefix(command, "cd ") {
		return "", false
	}
	if strings.ContainsAny(command, "&|;<>$`()\n") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(command, "cd")), true
}

// parseExport recognizes single KEY=VALUE export statements.
func parseExport(command string) (string, string, bool) {
	if !strings.HasPrefix(command, "export ") {
		return "", "", false
	}
	if strings.ContainsAny(command, "&|;<>$`()\n") {
		return "", "", false
	}
	assignment := strings.TrimSpace(strings.TrimPrefix(command, "export "))
	key, value, ok := strings.Cut(assignment, "=")
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.Trim(value, `"'`)
	return key, value, true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

func envSlice(delta map[string]string) []string {
	if len(delta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+delta[k])
	}
	return env
}
