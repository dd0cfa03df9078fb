// Package sandbox provides one uniform interface over heterogeneous sandbox
// providers.
//
// Every provider supplies the Execution Primitive (Executor). Everything else
// is optional: for each capability the Adapter forwards to the provider's
// native implementation when it has one, falls back to the shell-command
// Polyfill otherwise, and reports the capability as unsupported when neither
// applies.
package sandbox

import (
	"context"
	"io"
	"strings"
	"time"
)

// State is the lifecycle state of a sandbox as asserted by its adapter.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateDeleted  State = "deleted"
)

// Status is the tagged lifecycle variant. Reason is only set for StateError.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.State == StateError && s.Reason != "" {
		return string(s.State) + ": " + s.Reason
	}
	return string(s.State)
}

// ExecuteOptions apply to a single command. Nothing persists between calls:
// working directory, environment and timeout must be passed every time.
type ExecuteOptions struct {
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Background       bool              `json:"background,omitempty"`
}

// ExecuteResult is the outcome of one command. A non-zero exit code is a
// result, not an error. Truncated means the provider capped the captured
// output; the cap itself is provider-specific.
type ExecuteResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	SessionID string        `json:"session_id,omitempty"` // Set when the command was started in the background.
}

// StreamHandlers receive command output as it is produced. Each handler is
// only called when its channel has data.
type StreamHandlers struct {
	OnStdout   func(chunk string)
	OnStderr   func(chunk string)
	OnComplete func(result *ExecuteResult)
	OnError    func(err error)
}

// BackgroundSession is a detached command started by ExecuteBackground.
type BackgroundSession struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	kill func(ctx context.Context) error
}

// NewBackgroundSession is used by providers to hand out sessions.
func NewBackgroundSession(id, command string, kill func(ctx context.Context) error) *BackgroundSession {
	return &BackgroundSession{ID: id, Command: command, kill: kill}
}

// Kill terminates the session.
func (s *BackgroundSession) Kill(ctx context.Context) error {
	if s == nil || s.kill == nil {
		return nil
	}
	return s.kill(ctx)
}

// CreateConfig describes a sandbox to provision.
type CreateConfig struct {
	Image            string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	CPUCores         float64           `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryMB         int               `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"` // Expiration after creation. Zero = none.
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Info describes a sandbox.
type Info struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Status    Status            `json:"status"`
	Image     string            `json:"image,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitzero"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ReadOptions control ReadFiles. Range is "start-end" or "start-"; see ParseRange.
type ReadOptions struct {
	Range string `json:"range,omitempty"`
}

// WriteEntry is one file to write. Exactly one of Data or Reader is used;
// a Reader is drained into memory before anything is sent.
type WriteEntry struct {
	Path   string
	Data   []byte
	Reader io.Reader
	Mode   string // Optional octal permission, e.g. "0644".
}

// TextEntry returns a WriteEntry carrying s.
func TextEntry(path, s string) WriteEntry {
	return WriteEntry{Path: path, Data: []byte(s)}
}

// BytesEntry returns a WriteEntry carrying b.
func BytesEntry(path string, b []byte) WriteEntry {
	return WriteEntry{Path: path, Data: b}
}

// StreamEntry returns a WriteEntry whose content is read from r.
func StreamEntry(path string, r io.Reader) WriteEntry {
	return WriteEntry{Path: path, Reader: r}
}

// MoveEntry renames Source to Destination.
type MoveEntry struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// ReplaceEntry substitutes Old with New in a file. Limit caps the number of
// replacements; zero replaces every occurrence.
type ReplaceEntry struct {
	Path  string `json:"path"`
	Old   string `json:"old"`
	New   string `json:"new"`
	Limit int    `json:"limit,omitempty"`
}

// PermissionEntry sets mode and/or ownership of a path.
type PermissionEntry struct {
	Path  string `json:"path"`
	Mode  string `json:"mode,omitempty"`
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
}

// DirectoryOptions control CreateDirectories.
type DirectoryOptions struct {
	Mode string `json:"mode,omitempty"`
}

// DeleteDirectoryOptions control DeleteDirectories.
type DeleteDirectoryOptions struct {
	Recursive bool `json:"recursive,omitempty"`
	Force     bool `json:"force,omitempty"`
}

// ReadResult is one entry of a ReadFiles batch.
type ReadResult struct {
	Path    string
	Content []byte
	Err     error
}

// Text returns Content decoded as UTF-8.
func (r ReadResult) Text() string {
	return strings.ToValidUTF8(string(r.Content), "�")
}

// WriteResult is one entry of a WriteFiles batch.
type WriteResult struct {
	Path         string
	BytesWritten int64
	Err          error
}

// DeleteResult is one entry of a DeleteFiles batch.
type DeleteResult struct {
	Path    string
	Success bool
	Err     error
}

// MoveResult is one entry of a MoveFiles batch.
type MoveResult struct {
	Source      string
	Destination string
	Success     bool
	Err         error
}

// ReplaceResult is one entry of a ReplaceContent batch.
type ReplaceResult struct {
	Path         string
	Replacements int
	Err          error
}

// DirectoryResult is one entry of a CreateDirectories or DeleteDirectories batch.
type DirectoryResult struct {
	Path    string
	Success bool
	Err     error
}

// PermissionResult is one entry of a SetPermissions batch.
type PermissionResult struct {
	Path    string
	Success bool
	Err     error
}

// FileInfoResult is one entry of a GetFileInfo batch.
type FileInfoResult struct {
	Path string
	Info *FileInfo
	Err  error
}

// FileInfo describes a path inside the sandbox. Mode and ModifiedAt are zero
// when the remote toolset could not report them.
type FileInfo struct {
	Path        string    `json:"path"`
	IsDirectory bool      `json:"is_directory"`
	IsFile      bool      `json:"is_file"`
	Size        int64     `json:"size"`
	Mode        string    `json:"mode,omitempty"`
	ModifiedAt  time.Time `json:"modified_at,omitzero"`
}

// DirectoryEntry is one child of a listed directory.
type DirectoryEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"is_directory"`
	IsFile      bool   `json:"is_file"`
}

// SearchResult is one path whose basename matched a search pattern.
type SearchResult struct {
	Path   string `json:"path"`
	IsFile bool   `json:"is_file"`
}

// Metrics is a point-in-time resource snapshot.
type Metrics struct {
	CPUCount          int     `json:"cpu_count"`
	CPUUsedPercentage float64 `json:"cpu_used_percentage"`
	MemoryTotalMiB    int     `json:"memory_total_mib"`
	MemoryUsedMiB     int     `json:"memory_used_mib"`
	Timestamp         int64   `json:"timestamp"` // Unix milliseconds.
}
