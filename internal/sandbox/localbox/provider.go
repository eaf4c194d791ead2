// Package localbox runs sandbox instances as local PTY-backed shell
// processes, one per lease, each rooted in its own scratch directory.
// Pause and resume map to SIGSTOP and SIGCONT on the shell's process
// group. Unix only.
package localbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/sandbox"
)

const (
	// maxOutputBuffer bounds the retained shell output per instance.
	maxOutputBuffer = 16 * 1024

	destroyWait = 5 * time.Second

	defaultCols = 80
	defaultRows = 24
)

// Config holds the local provider configuration.
type Config struct {
	// WorkRoot is the parent directory for instance scratch dirs.
	// Defaults to a leon-localbox dir under the OS temp dir.
	WorkRoot string `mapstructure:"work_root"`

	Shell     string   `mapstructure:"shell"`
	ShellArgs []string `mapstructure:"shell_args"`
}

type instance struct {
	id        string
	workDir   string
	ownsDir   bool
	labels    map[string]string
	createdAt time.Time

	cmd  *exec.Cmd
	pty  *os.File
	done chan struct{}

	mu     sync.Mutex
	state  sandbox.State
	output []byte
}

// Provider implements sandbox.Provider with local shell processes.
type Provider struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// New creates the local provider and its work root.
func New(cfg Config, log *logger.Logger) (*Provider, error) {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "leon-localbox")
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "localbox.init", err)
	}
	return &Provider{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "localbox")),
		instances: make(map[string]*instance),
	}, nil
}

// Name returns the provider key used in leases and config.
func (p *Provider) Name() string { return "local" }

// Create spawns a login shell on a PTY in a fresh scratch directory.
// Local creation is synchronous, so the instance is active immediately.
func (p *Provider) Create(ctx context.Context, cfg sandbox.InstanceConfig) (string, error) {
	id := uuid.NewString()

	workDir := cfg.WorkDir
	ownsDir := false
	if workDir == "" {
		workDir = filepath.Join(p.cfg.WorkRoot, id)
		ownsDir = true
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindTransientUpstream, "localbox.create", err)
	}

	shell, args := detectShell()
	if p.cfg.Shell != "" {
		shell = p.cfg.Shell
		args = p.cfg.ShellArgs
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = workDir
	cmd.Env = shellEnv(workDir, cfg.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		if ownsDir {
			_ = os.RemoveAll(workDir)
		}
		return "", apperr.Wrap(apperr.KindTransientUpstream, "localbox.create", err)
	}

	labels := map[string]string{}
	if cfg.SessionID != "" {
		labels["session_id"] = cfg.SessionID
	}
	if cfg.ThreadID != "" {
		labels["thread_id"] = cfg.ThreadID
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	inst := &instance{
		id:        id,
		workDir:   workDir,
		ownsDir:   ownsDir,
		labels:    labels,
		createdAt: time.Now().UTC(),
		cmd:       cmd,
		pty:       ptmx,
		done:      make(chan struct{}),
		state:     sandbox.StateActive,
	}

	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()

	go inst.drain()
	go p.reap(inst)

	p.logger.Info("local instance started",
		zap.String("instance_id", id),
		zap.String("shell", shell),
		zap.String("cwd", workDir),
		zap.Int("pid", cmd.Process.Pid),
	)
	return id, nil
}

// Status reports the instance state. A missing instance reads as
// destroyed.
func (p *Provider) Status(ctx context.Context, instanceID string) (sandbox.State, error) {
	inst := p.lookup(instanceID)
	if inst == nil {
		return sandbox.StateDestroyed, nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state, nil
}

// Pause stops the shell's process group with SIGSTOP.
func (p *Provider) Pause(ctx context.Context, instanceID string) error {
	inst := p.lookup(instanceID)
	if inst == nil {
		return apperr.NotFoundf("instance %s not found", instanceID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != sandbox.StateActive {
		return apperr.Conflictf("instance %s is %s, not active", instanceID, inst.state)
	}
	if err := inst.signal(syscall.SIGSTOP); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "localbox.pause", err)
	}
	inst.state = sandbox.StatePaused
	p.logger.Info("local instance paused", zap.String("instance_id", instanceID))
	return nil
}

// Resume continues a paused process group with SIGCONT.
func (p *Provider) Resume(ctx context.Context, instanceID string) error {
	inst := p.lookup(instanceID)
	if inst == nil {
		return apperr.NotFoundf("instance %s not found", instanceID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != sandbox.StatePaused {
		return apperr.Conflictf("instance %s is %s, not paused", instanceID, inst.state)
	}
	if err := inst.signal(syscall.SIGCONT); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "localbox.resume", err)
	}
	inst.state = sandbox.StateActive
	p.logger.Info("local instance resumed", zap.String("instance_id", instanceID))
	return nil
}

// Destroy closes the PTY, waits briefly for the shell to exit, then
// kills the process group and removes the scratch directory. Destroying
// a missing instance succeeds.
func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	inst := p.instances[instanceID]
	delete(p.instances, instanceID)
	p.mu.Unlock()
	if inst == nil {
		return nil
	}

	inst.mu.Lock()
	alreadyDead := inst.state == sandbox.StateDestroyed
	if inst.state == sandbox.StatePaused {
		// A stopped process cannot react to SIGHUP from the closing PTY.
		_ = inst.signal(syscall.SIGCONT)
	}
	inst.state = sandbox.StateDestroyed
	inst.mu.Unlock()

	if !alreadyDead {
		_ = inst.pty.Close()
		select {
		case <-inst.done:
		case <-time.After(destroyWait):
			p.logger.Warn("local instance did not exit, killing",
				zap.String("instance_id", instanceID))
			_ = inst.signal(syscall.SIGKILL)
		case <-ctx.Done():
			_ = inst.signal(syscall.SIGKILL)
		}
	}

	if inst.ownsDir {
		_ = os.RemoveAll(inst.workDir)
	}
	p.logger.Info("local instance destroyed", zap.String("instance_id", instanceID))
	return nil
}

// Exec runs one command in the instance's working directory and returns
// its combined output and exit code.
func (p *Provider) Exec(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	inst := p.lookup(instanceID)
	if inst == nil {
		return nil, apperr.NotFoundf("instance %s not found", instanceID)
	}

	inst.mu.Lock()
	state := inst.state
	workDir := inst.workDir
	inst.mu.Unlock()
	if state != sandbox.StateActive {
		return nil, apperr.Conflictf("instance %s is %s, not active", instanceID, state)
	}

	dir := req.Dir
	if dir == "" {
		dir = workDir
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), req.Env...)

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, apperr.Wrap(apperr.KindTransientUpstream, "localbox.exec", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &sandbox.ExecResult{Output: string(out), ExitCode: exitCode}, nil
}

// ListInstances returns the live instances.
func (p *Provider) ListInstances(ctx context.Context) ([]sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instances := make([]sandbox.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		inst.mu.Lock()
		instances = append(instances, sandbox.Instance{
			Provider:  p.Name(),
			ID:        inst.id,
			State:     inst.state,
			Labels:    inst.labels,
			CreatedAt: inst.createdAt,
		})
		inst.mu.Unlock()
	}
	return instances, nil
}

// RecentOutput returns the buffered tail of the instance's shell output,
// used as the hydration blob when a terminal re-attaches.
func (p *Provider) RecentOutput(instanceID string) []byte {
	inst := p.lookup(instanceID)
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.output) == 0 {
		return nil
	}
	out := make([]byte, len(inst.output))
	copy(out, inst.output)
	return out
}

// HydrationState exposes the recent output buffer to the terminal
// layer, which persists it alongside the abstract terminal.
func (p *Provider) HydrationState(_ context.Context, instanceID string) (string, error) {
	return string(p.RecentOutput(instanceID)), nil
}

// Close destroys all live instances, for process shutdown.
func (p *Provider) Close() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), destroyWait*2)
	defer cancel()
	for _, id := range ids {
		_ = p.Destroy(ctx, id)
	}
	return nil
}

func (p *Provider) lookup(instanceID string) *instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[instanceID]
}

// reap waits for the shell process and marks the instance destroyed.
// There is no respawn here: the reconciler observes the destroyed state
// and provisions a replacement.
func (p *Provider) reap(inst *instance) {
	_ = inst.cmd.Wait()
	close(inst.done)

	inst.mu.Lock()
	expected := inst.state == sandbox.StateDestroyed
	inst.state = sandbox.StateDestroyed
	inst.mu.Unlock()

	if !expected {
		p.logger.Info("local instance process exited",
			zap.String("instance_id", inst.id))
	}
}

// drain reads shell output into the bounded tail buffer so the child
// never blocks on a full PTY.
func (i *instance) drain() {
	buf := make([]byte, 4096)
	for {
		n, err := i.pty.Read(buf)
		if n > 0 {
			i.mu.Lock()
			i.output = append(i.output, buf[:n]...)
			if len(i.output) > maxOutputBuffer {
				i.output = i.output[len(i.output)-maxOutputBuffer:]
			}
			i.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// signal delivers sig to the shell's process group, falling back to the
// process itself. Callers hold inst.mu.
func (i *instance) signal(sig syscall.Signal) error {
	if i.cmd.Process == nil {
		return errors.New("process not started")
	}
	pid := i.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		return i.cmd.Process.Signal(sig)
	}
	return nil
}

// detectShell picks the user's shell, falling back through common ones.
func detectShell() (string, []string) {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

func shellEnv(workDir string, extra []string) []string {
	env := os.Environ()
	env = append(env,
		"PWD="+workDir,
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	)
	return append(env, extra...)
}
