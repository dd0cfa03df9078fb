package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedExecutor records every command and answers with respond.
type scriptedExecutor struct {
	mu       sync.Mutex
	commands []string
	respond  func(command string) (*ExecuteResult, error)
}

func (s *scriptedExecutor) Execute(_ context.Context, command string, _ ExecuteOptions) (*ExecuteResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	if s.respond == nil {
		return &ExecuteResult{}, nil
	}
	return s.respond(command)
}

func (s *scriptedExecutor) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// fakeProvider only has the execution primitive.
type fakeProvider struct {
	*scriptedExecutor
}

func newFakeProvider(respond func(string) (*ExecuteResult, error)) fakeProvider {
	return fakeProvider{&scriptedExecutor{respond: respond}}
}

func (fakeProvider) Name() string { return "fake" }

// nativeProvider implements the lifecycle natively.
type nativeProvider struct {
	fakeProvider
	calls     []string
	createErr error
	pings     atomic.Int32
	readyAt   int32 // Ping succeeds from this call on; 0 = never.
}

func newNativeProvider() *nativeProvider {
	return &nativeProvider{fakeProvider: newFakeProvider(nil)}
}

func (p *nativeProvider) Create(context.Context, CreateConfig) (string, error) {
	p.calls = append(p.calls, "create")
	if p.createErr != nil {
		return "", p.createErr
	}
	return "native-1", nil
}

func (p *nativeProvider) Start(context.Context) error {
	p.calls = append(p.calls, "start")
	return nil
}

func (p *nativeProvider) Stop(context.Context) error {
	p.calls = append(p.calls, "stop")
	return nil
}

func (p *nativeProvider) Pause(context.Context) error {
	p.calls = append(p.calls, "pause")
	return nil
}

func (p *nativeProvider) Resume(context.Context) error {
	p.calls = append(p.calls, "resume")
	return nil
}

func (p *nativeProvider) Delete(context.Context) error {
	p.calls = append(p.calls, "delete")
	return nil
}

func (p *nativeProvider) Ping(context.Context) bool {
	n := p.pings.Add(1)
	return p.readyAt > 0 && n >= p.readyAt
}

func (p *nativeProvider) ExecuteBackground(_ context.Context, command string, _ ExecuteOptions) (*BackgroundSession, error) {
	return NewBackgroundSession("session-1", command, nil), nil
}

// nativeReader serves ReadFiles itself, optionally returning too few results.
type nativeReader struct {
	fakeProvider
	short bool
}

func (r *nativeReader) ReadFiles(_ context.Context, paths []string, _ ReadOptions) ([]ReadResult, error) {
	out := make([]ReadResult, 0, len(paths))
	for _, p := range paths {
		out = append(out, ReadResult{Path: p, Content: []byte("native:" + p)})
	}
	if r.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

// shellExecutor runs commands with the local /bin/sh. The script goes in on
// stdin so large payloads do not hit argument limits.
type shellExecutor struct{}

func (shellExecutor) Execute(ctx context.Context, command string, opts ExecuteOptions) (*ExecuteResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-s")
	cmd.Stdin = strings.NewReader(command)
	cmd.Dir = opts.WorkingDirectory
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecuteResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

type shellProvider struct{ shellExecutor }

func (shellProvider) Name() string { return "shell" }

// requireTools skips the test when the POSIX toolset the polyfill relies on
// is not installed.
func requireTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"sh", "base64", "wc", "tail", "head", "find", "mkdir", "rm", "mv", "chmod", "dirname"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available, skipping shell-backed test", tool)
		}
	}
}

func newShellPolyfill(t *testing.T) *Polyfill {
	t.Helper()
	requireTools(t)
	return NewPolyfill(shellExecutor{}, "shell", nil)
}
