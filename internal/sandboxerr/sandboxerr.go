// Package sandboxerr defines the canonical error taxonomy surfaced by sandbox
// adapters. Provider-native failures are translated into an *Error at the
// adapter boundary so nothing provider-specific escapes.
package sandboxerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tags an Error with its taxonomy member.
type Kind string

const (
	KindConnection          Kind = "connection"
	KindCommandExecution    Kind = "command_execution"
	KindTimeout             Kind = "timeout"
	KindReadyTimeout        Kind = "ready_timeout"
	KindFeatureNotSupported Kind = "feature_not_supported"
	KindSandboxState        Kind = "sandbox_state"
	KindInvalidArgument     Kind = "invalid_argument"
)

// Sentinels for errors.Is. A ReadyTimeout error also matches ErrTimeout.
var (
	ErrConnection          = &Error{Kind: KindConnection}
	ErrCommandExecution    = &Error{Kind: KindCommandExecution}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrReadyTimeout        = &Error{Kind: KindReadyTimeout}
	ErrFeatureNotSupported = &Error{Kind: KindFeatureNotSupported}
	ErrSandboxState        = &Error{Kind: KindSandboxState}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
)

// Error is the single error value used across the taxonomy. Only the fields
// relevant to Kind are populated.
type Error struct {
	Kind    Kind
	Message string

	// CommandExecution.
	Command  string
	ExitCode *int
	Stdout   string
	Stderr   string

	// FeatureNotSupported.
	Feature  string
	Provider string

	// Timeout and ReadyTimeout.
	SandboxID string
	Operation string
	Timeout   time.Duration

	// SandboxState.
	Current  string
	Expected []string

	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindReadyTimeout && t.Kind == KindTimeout
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Connection reports a transport or reachability failure.
func Connection(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: message, Cause: cause}
}

// CommandExecution reports a failed command or provider call. exitCode is
// negative when unknown.
func CommandExecution(command string, exitCode int, stdout, stderr string, cause error) *Error {
	e := &Error{
		Kind:    KindCommandExecution,
		Command: command,
		Stdout:  stdout,
		Stderr:  stderr,
		Cause:   cause,
	}
	if exitCode >= 0 {
		code := exitCode
		e.ExitCode = &code
		e.Message = fmt.Sprintf("command exited with code %d", exitCode)
	} else {
		e.Message = "command failed"
	}
	if detail := strings.TrimSpace(stderr); detail != "" {
		e.Message += ": " + firstLine(detail)
	}
	return e
}

// CommandFailure reports a command that ran but produced unusable output.
func CommandFailure(command, message string, cause error) *Error {
	return &Error{Kind: KindCommandExecution, Command: command, Message: message, Cause: cause}
}

// Timeout reports an operation that exceeded its budget.
func Timeout(operation, sandboxID string, timeout time.Duration, cause error) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   fmt.Sprintf("%s timed out after %dms", operation, timeout.Milliseconds()),
		Operation: operation,
		SandboxID: sandboxID,
		Timeout:   timeout,
		Cause:     cause,
	}
}

// ReadyTimeout reports a sandbox that never answered a ping in time.
func ReadyTimeout(sandboxID string, timeout time.Duration) *Error {
	return &Error{
		Kind:      KindReadyTimeout,
		Message:   fmt.Sprintf("sandbox %s not ready within %dms", sandboxID, timeout.Milliseconds()),
		Operation: "wait_until_ready",
		SandboxID: sandboxID,
		Timeout:   timeout,
	}
}

// FeatureNotSupported reports a capability that is neither native nor
// polyfillable for the provider.
func FeatureNotSupported(feature, provider string) *Error {
	return &Error{
		Kind:     KindFeatureNotSupported,
		Message:  fmt.Sprintf("feature %q is not supported by provider %q", feature, provider),
		Feature:  feature,
		Provider: provider,
	}
}

// SandboxState reports an operation invoked in the wrong lifecycle state.
func SandboxState(operation, current string, expected ...string) *Error {
	return &Error{
		Kind:      KindSandboxState,
		Message:   fmt.Sprintf("cannot %s sandbox in state %q (expected %s)", operation, current, strings.Join(expected, " or ")),
		Operation: operation,
		Current:   current,
		Expected:  expected,
	}
}

// InvalidArgument reports caller input rejected before any command ran.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Record is the structured form of an Error.
type Record struct {
	Kind      Kind     `json:"kind"`
	Message   string   `json:"message"`
	Command   string   `json:"command,omitempty"`
	ExitCode  *int     `json:"exit_code,omitempty"`
	Stdout    string   `json:"stdout,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Feature   string   `json:"feature,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	SandboxID string   `json:"sandbox_id,omitempty"`
	Operation string   `json:"operation,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
	Current   string   `json:"current,omitempty"`
	Expected  []string `json:"expected,omitempty"`
	Cause     *Record  `json:"cause,omitempty"`
}

// Record converts e and its whole cause chain.
func (e *Error) Record() *Record {
	r := &Record{
		Kind:      e.Kind,
		Message:   e.Message,
		Command:   e.Command,
		ExitCode:  e.ExitCode,
		Stdout:    e.Stdout,
		Stderr:    e.Stderr,
		Feature:   e.Feature,
		Provider:  e.Provider,
		SandboxID: e.SandboxID,
		Operation: e.Operation,
		TimeoutMs: e.Timeout.Milliseconds(),
		Current:   e.Current,
		Expected:  e.Expected,
	}
	if e.Cause != nil {
		r.Cause = RecordOf(e.Cause)
	}
	return r
}

// RecordOf converts any error. Errors outside the taxonomy become
// "external" records; wrapped chains are followed.
func RecordOf(err error) *Record {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e.Record()
	}
	r := &Record{Kind: "external", Message: err.Error()}
	if inner := errors.Unwrap(err); inner != nil {
		r.Cause = RecordOf(inner)
	}
	return r
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
