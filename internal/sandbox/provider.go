package sandbox

import "context"

// Executor is the Execution Primitive: run one shell command inside the
// sandbox and report its stdout, stderr and exit code. It is the only thing a
// provider must implement.
type Executor interface {
	Execute(ctx context.Context, command string, opts ExecuteOptions) (*ExecuteResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string, opts ExecuteOptions) (*ExecuteResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string, opts ExecuteOptions) (*ExecuteResult, error) {
	return f(ctx, command, opts)
}

// Provider is an Executor with a name. The name tags errors and metrics.
type Provider interface {
	Executor
	Name() string
}

// The interfaces below are optional. The adapter inspects a provider once,
// at construction, and routes every capability it finds to the native
// implementation.

type Creator interface {
	Create(ctx context.Context, cfg CreateConfig) (id string, err error)
}

type Starter interface {
	Start(ctx context.Context) error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type Pauser interface {
	Pause(ctx context.Context) error
}

type Resumer interface {
	Resume(ctx context.Context) error
}

type Deleter interface {
	Delete(ctx context.Context) error
}

type InfoGetter interface {
	GetInfo(ctx context.Context) (*Info, error)
}

type ExpirationRenewer interface {
	RenewExpiration(ctx context.Context, seconds int) error
}

// Closer releases provider-held resources such as SDK clients or temp dirs.
type Closer interface {
	Close() error
}

type StreamExecutor interface {
	ExecuteStream(ctx context.Context, command string, handlers StreamHandlers, opts ExecuteOptions) (*ExecuteResult, error)
}

type BackgroundExecutor interface {
	ExecuteBackground(ctx context.Context, command string, opts ExecuteOptions) (*BackgroundSession, error)
}

type Interrupter interface {
	Interrupt(ctx context.Context, sessionID string) error
}

type FileReader interface {
	ReadFiles(ctx context.Context, paths []string, opts ReadOptions) ([]ReadResult, error)
}

type FileStreamer interface {
	ReadStream(ctx context.Context, path string) (*FileStream, error)
}

type FileWriter interface {
	WriteFiles(ctx context.Context, entries []WriteEntry) ([]WriteResult, error)
}

type FileDeleter interface {
	DeleteFiles(ctx context.Context, paths []string) ([]DeleteResult, error)
}

type FileMover interface {
	MoveFiles(ctx context.Context, entries []MoveEntry) ([]MoveResult, error)
}

type ContentReplacer interface {
	ReplaceContent(ctx context.Context, entries []ReplaceEntry) ([]ReplaceResult, error)
}

type FileInspector interface {
	GetFileInfo(ctx context.Context, paths []string) ([]FileInfoResult, error)
}

type DirectoryLister interface {
	ListDirectory(ctx context.Context, path string) ([]DirectoryEntry, error)
}

type DirectoryCreator interface {
	CreateDirectories(ctx context.Context, paths []string, opts DirectoryOptions) ([]DirectoryResult, error)
}

type DirectoryDeleter interface {
	DeleteDirectories(ctx context.Context, paths []string, opts DeleteDirectoryOptions) ([]DirectoryResult, error)
}

type PermissionSetter interface {
	SetPermissions(ctx context.Context, entries []PermissionEntry) ([]PermissionResult, error)
}

type Searcher interface {
	Search(ctx context.Context, pattern, path string) ([]SearchResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) bool
}

type MetricsReporter interface {
	GetMetrics(ctx context.Context) (*Metrics, error)
}
