package sandboxerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyTimeout_MatchesTimeout(t *testing.T) {
	err := ReadyTimeout("sbx-1", 50*time.Millisecond)

	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "sbx-1")
	assert.Contains(t, err.Error(), "50")
}

func TestTimeout_DoesNotMatchReadyTimeout(t *testing.T) {
	err := Timeout("execute", "sbx-1", time.Second, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrReadyTimeout)
}

func TestCommandExecution_Fields(t *testing.T) {
	err := CommandExecution("rm -- '/x'", 1, "", "rm: /x: No such file or directory\nmore", nil)

	require.NotNil(t, err.ExitCode)
	assert.Equal(t, 1, *err.ExitCode)
	assert.Equal(t, "command exited with code 1: rm: /x: No such file or directory", err.Error())

	unknown := CommandExecution("ls", -1, "", "", nil)
	assert.Nil(t, unknown.ExitCode)
	assert.Equal(t, "command failed", unknown.Error())
}

func TestFeatureNotSupported(t *testing.T) {
	err := FeatureNotSupported("pause", "process")

	var e *Error
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &e))
	assert.Equal(t, "pause", e.Feature)
	assert.Equal(t, "process", e.Provider)
	assert.Equal(t, KindFeatureNotSupported, KindOf(err))
}

func TestSandboxState(t *testing.T) {
	err := SandboxState("resume", "running", "paused")
	assert.Equal(t, `cannot resume sandbox in state "running" (expected paused)`, err.Error())
	assert.Equal(t, []string{"paused"}, err.Expected)
}

func TestRecord_PreservesCauseChain(t *testing.T) {
	root := errors.New("socket closed")
	inner := Connection("dial failed", fmt.Errorf("dialing: %w", root))
	outer := CommandFailure("echo hi", "execute failed", inner)

	data, err := json.Marshal(outer)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, KindCommandExecution, rec.Kind)
	assert.Equal(t, "echo hi", rec.Command)
	require.NotNil(t, rec.Cause)
	assert.Equal(t, KindConnection, rec.Cause.Kind)
	require.NotNil(t, rec.Cause.Cause)
	assert.Equal(t, Kind("external"), rec.Cause.Cause.Kind)
	assert.Equal(t, "dialing: socket closed", rec.Cause.Cause.Message)
	require.NotNil(t, rec.Cause.Cause.Cause)
	assert.Equal(t, "socket closed", rec.Cause.Cause.Cause.Message)
}

func TestRecordOf_Nil(t *testing.T) {
	assert.Nil(t, RecordOf(nil))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", context.Canceled, KindConnection},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindConnection},
		{"generic", errors.New("sdk exploded"), KindCommandExecution},
		{"already canonical", FeatureNotSupported("x", "y"), KindFeatureNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err, "docker", "execute")
			assert.Equal(t, tt.want, KindOf(got))
			if tt.want != KindFeatureNotSupported {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}

	assert.NoError(t, Translate(nil, "docker", "execute"))
}
