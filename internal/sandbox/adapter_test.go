package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

func TestNew_NilProvider(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, sandboxerr.ErrInvalidArgument)
}

func TestCapabilities_MinimalProvider(t *testing.T) {
	a, err := New(newFakeProvider(nil))
	require.NoError(t, err)

	caps := a.Capabilities()
	assert.Equal(t, Polyfilled, caps[CapReadFiles])
	assert.Equal(t, Polyfilled, caps[CapSearch])
	assert.Equal(t, Polyfilled, caps[CapExecuteStream])
	assert.Equal(t, Polyfilled, caps[CapCreate])
	assert.Equal(t, Unsupported, caps[CapPause])
	assert.Equal(t, Unsupported, caps[CapExecuteBackground])
	assert.Equal(t, Unsupported, caps[CapInterrupt])
	assert.Equal(t, Native, caps[CapExecute])
	for _, c := range Capabilities {
		_, ok := caps[c]
		assert.True(t, ok, "capability %s missing from table", c)
	}

	caps[CapReadFiles] = Unsupported
	assert.Equal(t, Polyfilled, a.Resolution(CapReadFiles), "table copies are independent")
}

func TestCapabilities_NativeWins(t *testing.T) {
	p := &nativeReader{fakeProvider: newFakeProvider(nil)}
	a, err := New(p)
	require.NoError(t, err)
	assert.Equal(t, Native, a.Resolution(CapReadFiles))
	assert.Equal(t, Polyfilled, a.Resolution(CapWriteFiles))

	read, err := a.ReadFiles(context.Background(), []string{"/x", "/y"}, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, "native:/x", string(read[0].Content))
	assert.Empty(t, p.Commands(), "native reads do not go through the shell")
}

func TestNativeBatchCountMismatch(t *testing.T) {
	a, err := New(&nativeReader{fakeProvider: newFakeProvider(nil), short: true})
	require.NoError(t, err)

	_, err = a.ReadFiles(context.Background(), []string{"/x", "/y"}, ReadOptions{})
	assert.ErrorIs(t, err, sandboxerr.ErrCommandExecution)
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	a, err := New(newFakeProvider(nil), WithoutPolyfill())
	require.NoError(t, err)

	calls := map[Capability]func() error{
		CapPause:  func() error { return a.Pause(ctx) },
		CapResume: func() error { return a.Resume(ctx) },
		CapExecuteBackground: func() error {
			_, err := a.ExecuteBackground(ctx, "sleep 1", ExecuteOptions{})
			return err
		},
		CapStart:           func() error { return a.Start(ctx) },
		CapStop:            func() error { return a.Stop(ctx) },
		CapRenewExpiration: func() error { return a.RenewExpiration(ctx, 60) },
		CapInterrupt:       func() error { return a.Interrupt(ctx, "s") },
		CapReadFiles: func() error {
			_, err := a.ReadFiles(ctx, []string{"/a"}, ReadOptions{})
			return err
		},
		CapExecuteStream: func() error {
			_, err := a.ExecuteStream(ctx, "echo", StreamHandlers{}, ExecuteOptions{})
			return err
		},
	}
	for op, call := range calls {
		t.Run(string(op), func(t *testing.T) {
			err := call()
			var e *sandboxerr.Error
			require.True(t, errors.As(err, &e), "got %v", err)
			assert.Equal(t, sandboxerr.KindFeatureNotSupported, e.Kind)
			assert.Equal(t, string(op), e.Feature)
			assert.Equal(t, "fake", e.Provider)
		})
	}

	assert.False(t, a.Ping(ctx), "no ping implementation reports false")
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	p := newNativeProvider()
	a, err := New(p, WithID("sbx-wait"))
	require.NoError(t, err)

	start := time.Now()
	err = a.WaitUntilReady(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrReadyTimeout)
	assert.ErrorIs(t, err, sandboxerr.ErrTimeout)
	assert.Contains(t, err.Error(), "sbx-wait")
	assert.Contains(t, err.Error(), "50")
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond, "sleep must be capped at the remaining budget")
	assert.Equal(t, StateCreating, a.Status().State)
}

func TestWaitUntilReady_BecomesRunning(t *testing.T) {
	p := newNativeProvider()
	p.readyAt = 3
	a, err := New(p, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, a.WaitUntilReady(context.Background(), 2*time.Second))
	assert.Equal(t, StateRunning, a.Status().State)
	assert.Equal(t, int32(3), p.pings.Load())
}

func TestWaitUntilReady_ContextCanceled(t *testing.T) {
	a, err := New(newNativeProvider(), WithPollInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err = a.WaitUntilReady(ctx, time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, sandboxerr.ErrReadyTimeout)
}

func TestLifecycle_Native(t *testing.T) {
	ctx := context.Background()
	p := newNativeProvider()
	a, err := New(p)
	require.NoError(t, err)

	require.NoError(t, a.Create(ctx, CreateConfig{Image: "alpine"}))
	assert.Equal(t, "native-1", a.ID())
	assert.Equal(t, StateRunning, a.Status().State)

	err = a.Resume(ctx)
	assert.ErrorIs(t, err, sandboxerr.ErrSandboxState, "resume while running")

	require.NoError(t, a.Pause(ctx))
	assert.Equal(t, StatePaused, a.Status().State)

	_, err = a.Execute(ctx, "echo hi", ExecuteOptions{})
	assert.ErrorIs(t, err, sandboxerr.ErrSandboxState, "commands are refused while paused")
	_, err = a.ReadFiles(ctx, []string{"/a"}, ReadOptions{})
	assert.ErrorIs(t, err, sandboxerr.ErrSandboxState)

	require.NoError(t, a.Resume(ctx))
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StatePaused, a.Status().State)
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateRunning, a.Status().State)

	require.NoError(t, a.Delete(ctx))
	assert.Equal(t, StateDeleted, a.Status().State)
	assert.Equal(t, []string{"create", "pause", "resume", "stop", "start", "delete"}, p.calls)

	var e *sandboxerr.Error
	_, err = a.Execute(ctx, "echo hi", ExecuteOptions{})
	require.True(t, errors.As(err, &e))
	assert.Equal(t, sandboxerr.KindSandboxState, e.Kind)
	assert.Equal(t, "deleted", e.Current)
	assert.ErrorIs(t, a.Delete(ctx), sandboxerr.ErrSandboxState)
	assert.False(t, a.Ping(ctx))
}

func TestLifecycle_WithoutNativeSupport(t *testing.T) {
	ctx := context.Background()
	a, err := New(newFakeProvider(nil), WithID("plain"))
	require.NoError(t, err)

	require.NoError(t, a.Create(ctx, CreateConfig{Image: "busybox", Timeout: time.Hour, Metadata: map[string]string{"team": "a"}}))
	assert.Equal(t, StateRunning, a.Status().State)

	info, err := a.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain", info.ID)
	assert.Equal(t, "fake", info.Provider)
	assert.Equal(t, StateRunning, info.Status.State)
	assert.Equal(t, "busybox", info.Image)
	require.NotNil(t, info.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *info.ExpiresAt, time.Minute)

	assert.ErrorIs(t, a.Create(ctx, CreateConfig{}), sandboxerr.ErrSandboxState, "create twice")

	require.NoError(t, a.Delete(ctx))
	_, err = a.GetInfo(ctx)
	assert.ErrorIs(t, err, sandboxerr.ErrSandboxState)
	assert.NoError(t, a.Close(ctx))
}

func TestCreate_NativeFailureMarksError(t *testing.T) {
	p := newNativeProvider()
	p.createErr = errors.New("quota exceeded")
	a, err := New(p)
	require.NoError(t, err)

	err = a.Create(context.Background(), CreateConfig{})
	require.Error(t, err)
	assert.Equal(t, sandboxerr.KindCommandExecution, sandboxerr.KindOf(err))
	assert.ErrorContains(t, err, "quota exceeded")
	assert.Equal(t, StateError, a.Status().State)
	assert.Equal(t, "quota exceeded", a.Status().Reason)

	require.NoError(t, a.Start(context.Background()), "an errored sandbox can be started")
	assert.Equal(t, StateRunning, a.Status().State)
}

func TestExecute(t *testing.T) {
	p := newFakeProvider(func(string) (*ExecuteResult, error) {
		return &ExecuteResult{Stdout: "out", Stderr: "err", ExitCode: 3}, nil
	})
	a, err := New(p)
	require.NoError(t, err)

	res, err := a.Execute(context.Background(), "false", ExecuteOptions{})
	require.NoError(t, err, "a non-zero exit code is a result")
	assert.Equal(t, 3, res.ExitCode)

	_, err = a.Execute(context.Background(), "  ", ExecuteOptions{})
	assert.ErrorIs(t, err, sandboxerr.ErrInvalidArgument)
}

func TestExecute_TranslatesProviderErrors(t *testing.T) {
	p := newFakeProvider(func(string) (*ExecuteResult, error) {
		return nil, errors.New("grpc: connection reset")
	})
	a, err := New(p)
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), "ls", ExecuteOptions{})
	var e *sandboxerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "fake", e.Provider)
	assert.Equal(t, "execute", e.Operation)
}

func TestExecute_Background(t *testing.T) {
	a, err := New(newNativeProvider())
	require.NoError(t, err)

	res, err := a.Execute(context.Background(), "sleep 10", ExecuteOptions{Background: true})
	require.NoError(t, err)
	assert.Equal(t, "session-1", res.SessionID)
}

func TestExecuteStream_BufferedFallback(t *testing.T) {
	p := newFakeProvider(func(string) (*ExecuteResult, error) {
		return &ExecuteResult{Stdout: "line1\nline2\n"}, nil
	})
	a, err := New(p)
	require.NoError(t, err)

	var events []string
	res, err := a.ExecuteStream(context.Background(), "cat", StreamHandlers{
		OnStdout:   func(s string) { events = append(events, "stdout:"+s) },
		OnStderr:   func(s string) { events = append(events, "stderr:"+s) },
		OnComplete: func(r *ExecuteResult) { events = append(events, "complete") },
		OnError:    func(error) { events = append(events, "error") },
	}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"stdout:line1\nline2\n", "complete"}, events)
}

func TestExecuteStream_ErrorReachesHandler(t *testing.T) {
	p := newFakeProvider(func(string) (*ExecuteResult, error) {
		return nil, context.DeadlineExceeded
	})
	a, err := New(p)
	require.NoError(t, err)

	var got error
	_, err = a.ExecuteStream(context.Background(), "cat", StreamHandlers{
		OnError: func(err error) { got = err },
	}, ExecuteOptions{})
	assert.ErrorIs(t, err, sandboxerr.ErrTimeout)
	assert.ErrorIs(t, got, sandboxerr.ErrTimeout)
}

func TestExecuteStream_NilResult(t *testing.T) {
	p := newFakeProvider(func(string) (*ExecuteResult, error) {
		return nil, nil
	})
	a, err := New(p)
	require.NoError(t, err)

	var got error
	completed := false
	res, err := a.ExecuteStream(context.Background(), "echo hi", StreamHandlers{
		OnStdout:   func(string) { t.Error("no output expected") },
		OnComplete: func(*ExecuteResult) { completed = true },
		OnError:    func(err error) { got = err },
	}, ExecuteOptions{})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.KindCommandExecution, sandboxerr.KindOf(err))
	assert.Contains(t, err.Error(), "provider returned no result")
	assert.Equal(t, err, got)
	assert.False(t, completed)
}

func TestCreate_LogsCarryProviderID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a, err := New(newNativeProvider(), WithID("placeholder"), WithLogger(logger))
	require.NoError(t, err)

	require.NoError(t, a.Create(context.Background(), CreateConfig{}))
	assert.Equal(t, "native-1", a.ID())

	var ids []string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		if line["msg"] == "sandbox status changed" || line["msg"] == "sandbox created" {
			ids = append(ids, line["sandbox_id"].(string))
		}
	}
	require.NotEmpty(t, ids)
	for _, id := range ids {
		assert.Equal(t, "native-1", id)
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *recordingObserver) Begin(ctx context.Context, provider string, op Capability, res Resolution) (context.Context, func(error)) {
	return ctx, func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		outcome := "ok"
		if err != nil {
			outcome = string(sandboxerr.KindOf(err))
		}
		o.ops = append(o.ops, provider+"/"+string(op)+"/"+string(res)+"/"+outcome)
	}
}

func TestObserverAndMiddleware(t *testing.T) {
	requireTools(t)
	obs := &recordingObserver{}
	var mu sync.Mutex
	var seen []string
	counting := func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, command string, opts ExecuteOptions) (*ExecuteResult, error) {
			mu.Lock()
			seen = append(seen, command)
			mu.Unlock()
			return next.Execute(ctx, command, opts)
		})
	}
	a, err := New(shellProvider{}, WithObserver(obs), WithExecutorMiddleware(counting))
	require.NoError(t, err)

	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "x.txt")
	_, err = a.WriteFiles(ctx, []WriteEntry{TextEntry(file, "x")})
	require.NoError(t, err)
	_, err = a.Execute(ctx, "true", ExecuteOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Pause(ctx), sandboxerr.ErrFeatureNotSupported)

	assert.Len(t, seen, 2, "polyfill commands go through the middleware")
	assert.Equal(t, []string{
		"shell/writeFiles/polyfill/ok",
		"shell/execute/native/ok",
		"shell/pause/unsupported/feature_not_supported",
	}, obs.ops)
}

func TestStatusListenerAndMarkError(t *testing.T) {
	var changes []Status
	a, err := New(newFakeProvider(nil), WithStatusListener(func(id string, s Status) {
		changes = append(changes, s)
	}))
	require.NoError(t, err)

	require.NoError(t, a.Create(context.Background(), CreateConfig{}))
	require.NoError(t, a.MarkError("ping failed"))
	assert.ErrorIs(t, a.MarkError("again"), sandboxerr.ErrSandboxState)

	assert.Equal(t, []Status{
		{State: StateRunning},
		{State: StateError, Reason: "ping failed"},
	}, changes)
	assert.Equal(t, "error: ping failed", a.Status().String())
}

func TestInitialStatus(t *testing.T) {
	a, err := New(newFakeProvider(nil), WithInitialStatus(Status{State: StateRunning}))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, a.Status().State)
	assert.ErrorIs(t, a.Create(context.Background(), CreateConfig{}), sandboxerr.ErrSandboxState)
}

func TestAdapter_EndToEndWithShell(t *testing.T) {
	requireTools(t)
	ctx := context.Background()
	a, err := New(shellProvider{}, WithChunkSize(4))
	require.NoError(t, err)
	require.NoError(t, a.WaitUntilReady(ctx, 5*time.Second))

	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	written, err := a.WriteFiles(ctx, []WriteEntry{TextEntry(file, "hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(5), written[0].BytesWritten)
	assert.NoError(t, written[0].Err)

	read, err := a.ReadFiles(ctx, []string{file}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", read[0].Text())

	stream, err := a.ReadStream(ctx, file)
	require.NoError(t, err)
	first, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hell", string(first))

	deleted, err := a.DeleteFiles(ctx, []string{file})
	require.NoError(t, err)
	assert.True(t, deleted[0].Success)

	read, err = a.ReadFiles(ctx, []string{file}, ReadOptions{})
	require.NoError(t, err)
	assert.Error(t, read[0].Err)
	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))
}
