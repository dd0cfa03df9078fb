// Package docker binds the sandbox adapter to a long-lived Docker container.
//
// Create starts a hardened container that idles until deleted; every command
// then runs inside it through "docker exec", with the script fed on stdin so
// its size is not bound by argument limits. Lifecycle operations map to the
// matching docker verbs. File operations are left to the command polyfill.
package docker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/polybox/internal/provider/capture"
	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/sandboxerr"
)

const (
	// Name is the provider name reported in errors and metrics.
	Name = "docker"

	// LabelPrefix marks container labels that carry sandbox metadata.
	LabelPrefix = "polybox."

	defaultBinary         = "docker"
	defaultImage          = "alpine:3.20"
	defaultUser           = "65534:65534"
	defaultWorkDir        = "/home/sandbox"
	defaultTimeout        = 30 * time.Second
	defaultMemoryMB       = 512
	defaultCPUCores       = 1.0
	defaultPIDsLimit      = 64
	defaultMaxOutputBytes = 1 << 20
	cliTimeout            = 60 * time.Second
)

// Config configures the Docker provider.
type Config struct {
	Binary         string        // Docker CLI binary (default "docker").
	Image          string        // Container image, overridable per Create.
	Container      string        // Attach to this existing container instead of running one.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none (no network stack at all).
	WritableRoot   bool          // false = --read-only root filesystem.
	User           string        // --user (default nobody).
	WorkDir        string        // Default working directory, backed by tmpfs.
	MaxOutputBytes int           // Cap per output stream.
	KeepAlive      []string      // Container command (default "sleep infinity").
}

// runner invokes the docker CLI. A non-zero exit is reported as a code, an
// error means the CLI could not run or was interrupted.
type runner func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error)

// Provider runs commands inside one container.
//
// Security guarantees of containers it creates:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - Sanitized environment, nothing inherited from the host
//   - stdout/stderr capped to prevent OOM on the host
type Provider struct {
	cfg    Config
	logger *slog.Logger
	run    runner

	mu        sync.Mutex
	container string
	sessions  map[string]int
}

var (
	_ sandbox.Provider           = (*Provider)(nil)
	_ sandbox.Creator            = (*Provider)(nil)
	_ sandbox.Starter            = (*Provider)(nil)
	_ sandbox.Stopper            = (*Provider)(nil)
	_ sandbox.Pauser             = (*Provider)(nil)
	_ sandbox.Resumer            = (*Provider)(nil)
	_ sandbox.Deleter            = (*Provider)(nil)
	_ sandbox.InfoGetter         = (*Provider)(nil)
	_ sandbox.StreamExecutor     = (*Provider)(nil)
	_ sandbox.BackgroundExecutor = (*Provider)(nil)
	_ sandbox.Interrupter        = (*Provider)(nil)
)

// New creates a Docker provider. No container exists until Create, unless
// cfg.Container names one to attach to.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.User == "" {
		cfg.User = defaultUser
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if len(cfg.KeepAlive) == 0 {
		cfg.KeepAlive = []string{"sleep", "infinity"}
	}
	return &Provider{
		cfg:       cfg,
		logger:    logger,
		run:       execRunner(cfg.Binary),
		container: cfg.Container,
		sessions:  make(map[string]int),
	}
}

// Name implements sandbox.Provider.
func (p *Provider) Name() string { return Name }

// Container returns the container name, empty before Create.
func (p *Provider) Container() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.container
}

func (p *Provider) requireContainer() (string, error) {
	name := p.Container()
	if name == "" {
		return "", sandboxerr.SandboxState("docker", "no container", "created")
	}
	return name, nil
}

// Create runs the idle container, or verifies the configured one exists.
func (p *Provider) Create(ctx context.Context, cc sandbox.CreateConfig) (string, error) {
	if name := p.Container(); name != "" {
		if _, err := p.inspect(ctx, name); err != nil {
			return "", err
		}
		p.logger.Info("docker sandbox attached", slog.String("container", name))
		return name, nil
	}

	name, err := generateContainerName()
	if err != nil {
		return "", fmt.Errorf("generating container name: %w", err)
	}
	args := p.createArgs(name, cc)

	p.logger.Info("docker sandbox creating",
		slog.String("container", name),
		slog.String("image", args[len(args)-len(p.cfg.KeepAlive)-1]),
	)
	if _, err := p.docker(ctx, args...); err != nil {
		// A half-created container must not leak.
		p.forceRemoveContainer(name)
		return "", err
	}

	p.mu.Lock()
	p.container = name
	p.mu.Unlock()
	return name, nil
}

// createArgs constructs the docker run argument list with all hardening
// flags, ending with the image and keep-alive command.
func (p *Provider) createArgs(name string, cc sandbox.CreateConfig) []string {
	image := p.cfg.Image
	if cc.Image != "" {
		image = cc.Image
	}
	memoryMB := p.cfg.MemoryMB
	if cc.MemoryMB > 0 {
		memoryMB = cc.MemoryMB
	}
	cpus := p.cfg.CPUCores
	if cc.CPUCores > 0 {
		cpus = cc.CPUCores
	}
	workDir := p.cfg.WorkDir
	if cc.WorkingDirectory != "" {
		workDir = cc.WorkingDirectory
	}
	memoryFlag := strconv.Itoa(memoryMB) + "m"

	args := []string{
		"run", "--detach", "--init",
		"--name", name,
		"--label", LabelPrefix + "managed=true",

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--user=" + p.cfg.User,

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + strconv.FormatFloat(cpus, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.cfg.PIDsLimit),

		// --- Writable tmpfs for working directories ---
		"--tmpfs", "/tmp:rw,nosuid,size=64m",
		"--tmpfs", p.cfg.WorkDir + ":rw,nosuid,size=64m" + tmpfsOwner(p.cfg.User),

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + p.cfg.WorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", workDir,
	}
	if !p.cfg.WritableRoot {
		args = append(args, "--read-only")
	}
	if p.cfg.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	for _, k := range slices.Sorted(maps.Keys(cc.Metadata)) {
		args = append(args, "--label", LabelPrefix+k+"="+cc.Metadata[k])
	}
	for _, k := range slices.Sorted(maps.Keys(cc.Env)) {
		args = append(args, "--env", k+"="+cc.Env[k])
	}
	args = append(args, image)
	return append(args, p.cfg.KeepAlive...)
}

func (p *Provider) Start(ctx context.Context) error  { return p.verb(ctx, "start") }
func (p *Provider) Stop(ctx context.Context) error   { return p.verb(ctx, "stop") }
func (p *Provider) Pause(ctx context.Context) error  { return p.verb(ctx, "pause") }
func (p *Provider) Resume(ctx context.Context) error { return p.verb(ctx, "unpause") }

// Delete force-removes the container and forgets its sessions.
func (p *Provider) Delete(ctx context.Context) error {
	if err := p.verb(ctx, "rm", "--force"); err != nil {
		return err
	}
	p.mu.Lock()
	clear(p.sessions)
	p.mu.Unlock()
	return nil
}

func (p *Provider) verb(ctx context.Context, verb string, flags ...string) error {
	name, err := p.requireContainer()
	if err != nil {
		return err
	}
	args := append(append([]string{verb}, flags...), name)
	if _, err := p.docker(ctx, args...); err != nil {
		return err
	}
	p.logger.Info("docker sandbox "+verb, slog.String("container", name))
	return nil
}

type inspectResult struct {
	ID      string    `json:"Id"`
	Created time.Time `json:"Created"`
	Config  struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
}

func (p *Provider) inspect(ctx context.Context, name string) (*inspectResult, error) {
	out, err := p.docker(ctx, "inspect", "--type", "container", name)
	if err != nil {
		return nil, err
	}
	var results []inspectResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		return nil, fmt.Errorf("parsing docker inspect output: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("docker inspect returned no container %q", name)
	}
	return &results[0], nil
}

// GetInfo describes the container. The adapter supplies the status.
func (p *Provider) GetInfo(ctx context.Context) (*sandbox.Info, error) {
	name, err := p.requireContainer()
	if err != nil {
		return nil, err
	}
	res, err := p.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{
		"container_id": res.ID,
		"docker_state": res.State.Status,
	}
	for k, v := range res.Config.Labels {
		if key, ok := strings.CutPrefix(k, LabelPrefix); ok && key != "managed" {
			meta[key] = v
		}
	}
	return &sandbox.Info{
		ID:        name,
		Provider:  Name,
		Image:     res.Config.Image,
		CreatedAt: res.Created,
		Metadata:  meta,
	}, nil
}

// execArgs builds "docker exec" arguments running a shell that reads its
// script from stdin.
func (p *Provider) execArgs(container string, opts sandbox.ExecuteOptions) []string {
	args := []string{"exec", "--interactive"}
	if opts.WorkingDirectory != "" {
		args = append(args, "--workdir", opts.WorkingDirectory)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "--env", k+"="+opts.Env[k])
	}
	return append(args, container, "sh", "-s")
}

// Execute runs command inside the container.
func (p *Provider) Execute(ctx context.Context, command string, opts sandbox.ExecuteOptions) (*sandbox.ExecuteResult, error) {
	return p.exec(ctx, command, opts, capture.New(p.cfg.MaxOutputBytes))
}

// ExecuteStream runs command and forwards output chunks as docker relays them.
func (p *Provider) ExecuteStream(ctx context.Context, command string, handlers sandbox.StreamHandlers, opts sandbox.ExecuteOptions) (*sandbox.ExecuteResult, error) {
	res, err := p.exec(ctx, command, opts, capture.NewStreaming(p.cfg.MaxOutputBytes, handlers.OnStdout, handlers.OnStderr))
	if err != nil {
		if handlers.OnError != nil {
			handlers.OnError(err)
		}
		return nil, err
	}
	if handlers.OnComplete != nil {
		handlers.OnComplete(res)
	}
	return res, nil
}

func (p *Provider) exec(ctx context.Context, command string, opts sandbox.ExecuteOptions, out *capture.Capture) (*sandbox.ExecuteResult, error) {
	name, err := p.requireContainer()
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.Debug("docker sandbox executing",
		slog.String("container", name),
		slog.Int("command_bytes", len(command)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	code, runErr := p.run(ctx, strings.NewReader(command), out.Stdout(), out.Stderr(), p.execArgs(name, opts)...)
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		p.logger.Warn("docker sandbox execution interrupted",
			slog.String("container", name),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, sandboxerr.Timeout("execute", name, timeout, ctxErr)
		}
		return nil, fmt.Errorf("execution canceled: %w", ctxErr)
	}
	if runErr != nil {
		return nil, fmt.Errorf("docker execution failed: %w", runErr)
	}

	res := out.Result(code, duration)
	if code != 0 {
		if msg, ok := daemonError(res.Stderr); ok {
			return nil, sandboxerr.Connection("container "+name+" unreachable: "+msg, nil)
		}
	}

	p.logger.Debug("docker sandbox execution completed",
		slog.String("container", name),
		slog.Int("exit_code", code),
		slog.Duration("duration", duration),
	)
	return res, nil
}

// ExecuteBackground starts command detached inside the container and keeps
// its pid so it can be signaled later.
func (p *Provider) ExecuteBackground(ctx context.Context, command string, opts sandbox.ExecuteOptions) (*sandbox.BackgroundSession, error) {
	launch := "sh -c " + quote(command) + " >/dev/null 2>&1 </dev/null &\necho $!\n"
	res, err := p.Execute(ctx, launch, sandbox.ExecuteOptions{WorkingDirectory: opts.WorkingDirectory, Env: opts.Env})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("starting background command: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("parsing background pid %q: %w", res.Stdout, err)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.sessions[id] = pid
	p.mu.Unlock()

	p.logger.Info("background session started",
		slog.String("session", id),
		slog.Int("pid", pid),
	)
	return sandbox.NewBackgroundSession(id, command, func(ctx context.Context) error {
		return p.signal(ctx, id, "KILL")
	}), nil
}

// Interrupt sends SIGINT to a background session.
func (p *Provider) Interrupt(ctx context.Context, sessionID string) error {
	return p.signal(ctx, sessionID, "INT")
}

func (p *Provider) signal(ctx context.Context, sessionID, sig string) error {
	p.mu.Lock()
	pid, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no background session %q", sessionID)
	}
	res, err := p.Execute(ctx, fmt.Sprintf("kill -s %s %d", sig, pid), sandbox.ExecuteOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
		return fmt.Errorf("signaling session %s: %s", sessionID, strings.TrimSpace(res.Stderr))
	}
	if sig == "KILL" {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
	}
	return nil
}

// docker runs a short CLI command and returns its stdout.
func (p *Provider) docker(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code, err := p.run(ctx, nil, &stdout, &stderr, args...)
	if err != nil {
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Cannot connect to the Docker daemon") {
			return "", sandboxerr.Connection("docker daemon unreachable: "+msg, nil)
		}
		return "", fmt.Errorf("docker %s exited %d: %s", args[0], code, msg)
	}
	return stdout.String(), nil
}

// forceRemoveContainer attempts to remove a container by name.
// Errors are logged but not returned (best-effort cleanup).
func (p *Provider) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	code, err := p.run(ctx, nil, io.Discard, &out, "rm", "--force", name)
	if err == nil && code == 0 {
		return
	}
	// "No such container" is expected when docker run never got that far.
	if !strings.Contains(out.String(), "No such container") {
		attrs := []any{slog.String("container", name), slog.String("output", out.String())}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		p.logger.Warn("docker rm --force failed", attrs...)
	}
}

func execRunner(binary string) runner {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
}

// daemonError recognizes failures reported by the docker CLI itself rather
// than by the command it ran.
func daemonError(stderr string) (string, bool) {
	for _, marker := range []string{"Error response from daemon:", "Cannot connect to the Docker daemon", "No such container"} {
		if i := strings.Index(stderr, marker); i >= 0 {
			line, _, _ := strings.Cut(stderr[i:], "\n")
			return line, true
		}
	}
	return "", false
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tmpfsOwner makes the work dir writable for a numeric --user.
func tmpfsOwner(user string) string {
	uid, gid, _ := strings.Cut(user, ":")
	if _, err := strconv.Atoi(uid); err != nil {
		return ""
	}
	opt := ",uid=" + uid
	if _, err := strconv.Atoi(gid); err == nil {
		opt += ",gid=" + gid
	}
	return opt
}

// generateContainerName returns a unique container name: polybox-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "polybox-sbx-" + hex.EncodeToString(b), nil
}
