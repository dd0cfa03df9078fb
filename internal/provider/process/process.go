// Package process runs sandbox commands as isolated local OS processes.
//
// It is the reference provider: it implements the execution primitive plus
// native streaming, background sessions and a minimal lifecycle. Every file
// operation is left to the command polyfill.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/polybox/internal/provider/capture"
	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/sandboxerr"
)

const (
	// Name is the provider name reported in errors and metrics.
	Name = "process"

	// DefaultMaxOutputBytes caps stdout and stderr separately.
	DefaultMaxOutputBytes = 1 << 20

	defaultShell      = "/bin/sh"
	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ResourceLimits constrains each command.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// Config configures the process provider.
type Config struct {
	// Root is the sandbox directory and default working directory. Empty
	// means a private temp dir, removed again by Delete.
	Root string
	// RemoveRoot makes Delete remove an explicit Root, as it does for a
	// private temp dir. Set when reattaching to such a sandbox.
	RemoveRoot     bool
	Shell          string
	DefaultTimeout time.Duration
	Limits         ResourceLimits
	MaxOutputBytes int
}

// Provider executes commands as local processes.
//
// Security guarantees:
//   - Each command runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM, with truncation reported
type Provider struct {
	cfg       Config
	logger    *slog.Logger
	root      string
	ownsRoot  bool
	scriptDir string

	id        string
	createdAt time.Time
	create    sandbox.CreateConfig

	mu       sync.Mutex
	sessions map[string]*exec.Cmd
}

var (
	_ sandbox.Provider           = (*Provider)(nil)
	_ sandbox.Creator            = (*Provider)(nil)
	_ sandbox.Deleter            = (*Provider)(nil)
	_ sandbox.InfoGetter         = (*Provider)(nil)
	_ sandbox.Closer             = (*Provider)(nil)
	_ sandbox.StreamExecutor     = (*Provider)(nil)
	_ sandbox.BackgroundExecutor = (*Provider)(nil)
	_ sandbox.Interrupter        = (*Provider)(nil)
)

// New creates a process provider and its root directory.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Limits.MaxCPUSeconds == 0 {
		cfg.Limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	p := &Provider{
		cfg:       cfg,
		logger:    logger,
		createdAt: time.Now(),
		sessions:  make(map[string]*exec.Cmd),
	}

	if cfg.Root == "" {
		dir, err := os.MkdirTemp("", "polybox-sbx-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox root: %w", err)
		}
		p.root, p.ownsRoot = dir, true
	} else {
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, fmt.Errorf("creating sandbox root %s: %w", cfg.Root, err)
		}
		p.root, p.ownsRoot = cfg.Root, cfg.RemoveRoot
	}

	scripts, err := os.MkdirTemp("", "polybox-scripts-*")
	if err != nil {
		return nil, fmt.Errorf("creating script dir: %w", err)
	}
	p.scriptDir = scripts
	return p, nil
}

// Name implements sandbox.Provider.
func (p *Provider) Name() string { return Name }

// Root returns the sandbox directory.
func (p *Provider) Root() string { return p.root }

// Create records the sandbox configuration and hands out an id. The root
// directory already exists.
func (p *Provider) Create(_ context.Context, cfg sandbox.CreateConfig) (string, error) {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return "", fmt.Errorf("creating sandbox root: %w", err)
	}
	p.id = "proc-" + uuid.NewString()
	p.create = cfg
	p.createdAt = time.Now()
	p.logger.Info("process sandbox created",
		slog.String("id", p.id),
		slog.String("root", p.root),
	)
	return p.id, nil
}

// Delete kills background sessions and removes a root the provider created.
func (p *Provider) Delete(_ context.Context) error {
	p.killAll()
	if !p.ownsRoot {
		return nil
	}
	if err := os.RemoveAll(p.root); err != nil {
		return fmt.Errorf("removing sandbox root: %w", err)
	}
	return nil
}

// GetInfo reports what the provider knows. The adapter fills in the status.
func (p *Provider) GetInfo(_ context.Context) (*sandbox.Info, error) {
	info := &sandbox.Info{
		ID:        p.id,
		Provider:  Name,
		Image:     "host",
		CreatedAt: p.createdAt,
		Metadata:  map[string]string{"root": p.root},
	}
	if p.ownsRoot {
		info.Metadata["root_owned"] = "true"
	}
	for k, v := range p.create.Metadata {
		info.Metadata[k] = v
	}
	return info, nil
}

// Close kills background sessions and removes temporary scripts.
func (p *Provider) Close() error {
	p.killAll()
	if err := os.RemoveAll(p.scriptDir); err != nil {
		return fmt.Errorf("removing script dir: %w", err)
	}
	return nil
}

// Execute runs command through the configured shell.
func (p *Provider) Execute(ctx context.Context, command string, opts sandbox.ExecuteOptions) (*sandbox.ExecuteResult, error) {
	out := capture.New(p.cfg.MaxOutputBytes)
	exitCode, duration, err := p.run(ctx, command, opts, out.Stdout(), out.Stderr())
	if err != nil {
		return nil, err
	}
	return out.Result(exitCode, duration), nil
}

// ExecuteStream runs command and forwards output chunks as they are written.
// Handler calls are serialized.
func (p *Provider) ExecuteStream(ctx context.Context, command string, handlers sandbox.StreamHandlers, opts sandbox.ExecuteOptions) (*sandbox.ExecuteResult, error) {
	out := capture.NewStreaming(p.cfg.MaxOutputBytes, handlers.OnStdout, handlers.OnStderr)
	exitCode, duration, err := p.run(ctx, command, opts, out.Stdout(), out.Stderr())
	if err != nil {
		if handlers.OnError != nil {
			handlers.OnError(err)
		}
		return nil, err
	}
	res := out.Result(exitCode, duration)
	if handlers.OnComplete != nil {
		handlers.OnComplete(res)
	}
	return res, nil
}

func (p *Provider) run(ctx context.Context, command string, opts sandbox.ExecuteOptions, stdout, stderr io.Writer) (int, time.Duration, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script, err := p.writeScript(command)
	if err != nil {
		return 0, 0, err
	}
	defer p.removeScript(script)

	cmd := exec.CommandContext(ctx, p.cfg.Shell, script)
	cmd.Dir = p.workDir(opts.WorkingDirectory)
	cmd.Env = p.buildEnv(opts.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// The child runs in its own group so the whole tree can be killed.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	p.logger.Debug("process sandbox executing",
		slog.String("dir", cmd.Dir),
		slog.Int("command_bytes", len(command)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.logger.Warn("process sandbox execution interrupted",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
				slog.String("reason", ctxErr.Error()),
			)
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return 0, duration, sandboxerr.Timeout("execute", p.id, timeout, ctxErr)
			}
			return 0, duration, fmt.Errorf("execution canceled: %w", ctxErr)
		}

		// Non-zero exit code is not an error, it's a result.
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return 0, duration, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	p.logger.Debug("process sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)
	return exitCode, duration, nil
}

// ExecuteBackground starts command detached from ctx. The session lives until
// it exits or is killed.
func (p *Provider) ExecuteBackground(_ context.Context, command string, opts sandbox.ExecuteOptions) (*sandbox.BackgroundSession, error) {
	script, err := p.writeScript(command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.cfg.Shell, script)
	cmd.Dir = p.workDir(opts.WorkingDirectory)
	cmd.Env = p.buildEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		p.removeScript(script)
		return nil, fmt.Errorf("starting background command: %w", err)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.sessions[id] = cmd
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		delete(p.sessions, id)
		p.mu.Unlock()
		p.removeScript(script)
		attrs := []any{slog.String("session", id)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		p.logger.Debug("background session finished", attrs...)
	}()

	p.logger.Info("background session started",
		slog.String("session", id),
		slog.Int("pid", cmd.Process.Pid),
	)
	return sandbox.NewBackgroundSession(id, command, func(context.Context) error {
		return p.signal(id, syscall.SIGKILL)
	}), nil
}

// Interrupt sends SIGINT to a background session's process group.
func (p *Provider) Interrupt(_ context.Context, sessionID string) error {
	return p.signal(sessionID, syscall.SIGINT)
}

func (p *Provider) signal(sessionID string, sig syscall.Signal) error {
	p.mu.Lock()
	cmd, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running background session %q", sessionID)
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signaling session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Provider) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cmd := range p.sessions {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.logger.Warn("failed to kill background session",
				slog.String("session", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// writeScript stores the command in a private file so its size is not bound
// by argument limits and stdin stays free for the command itself.
func (p *Provider) writeScript(command string) (string, error) {
	f, err := os.CreateTemp(p.scriptDir, "cmd-*.sh")
	if err != nil {
		return "", fmt.Errorf("creating command script: %w", err)
	}
	limits := p.cfg.Limits
	header := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null\n",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds)
	if _, err := io.WriteString(f, header+command+"\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("writing command script: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("closing command script: %w", err)
	}
	return f.Name(), nil
}

func (p *Provider) removeScript(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to remove command script",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// workDir resolves a per-call working directory against the root.
func (p *Provider) workDir(dir string) string {
	if dir == "" {
		dir = p.create.WorkingDirectory
	}
	switch {
	case dir == "":
		return p.root
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(p.root, dir)
	}
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited: this keeps API keys,
// credentials and other secrets out of sandboxed commands.
func (p *Provider) buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + p.root,
		"TMPDIR=" + p.root,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	for k, v := range p.create.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
