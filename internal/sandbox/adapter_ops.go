package sandbox

import (
	"context"
	"strings"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// Execute runs command through the execution primitive. A non-zero exit code
// is reported in the result. With opts.Background the command is detached
// instead and only the session id is returned.
func (a *Adapter) Execute(ctx context.Context, command string, opts ExecuteOptions) (*ExecuteResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, sandboxerr.InvalidArgument("command must not be empty")
	}
	if opts.Background {
		session, err := a.ExecuteBackground(ctx, command, opts)
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{SessionID: session.ID}, nil
	}
	return invoke(ctx, a, CapExecute, liveStates, func(ctx context.Context) (*ExecuteResult, error) {
		res, err := a.exec.Execute(ctx, command, opts)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, sandboxerr.CommandFailure(command, "provider returned no result", nil)
		}
		return res, nil
	})
}

// ExecuteStream runs command and hands output to handlers as it arrives.
// Without native streaming each channel is delivered once, after the command
// has finished.
func (a *Adapter) ExecuteStream(ctx context.Context, command string, handlers StreamHandlers, opts ExecuteOptions) (*ExecuteResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, sandboxerr.InvalidArgument("command must not be empty")
	}
	onError := handlers.OnError
	if onError != nil {
		handlers.OnError = func(err error) {
			onError(a.translate(err, CapExecuteStream))
		}
	}
	return invoke(ctx, a, CapExecuteStream, liveStates, func(ctx context.Context) (*ExecuteResult, error) {
		return a.streamer.ExecuteStream(ctx, command, handlers, opts)
	})
}

// ExecuteBackground starts a detached command. There is no polyfill.
func (a *Adapter) ExecuteBackground(ctx context.Context, command string, opts ExecuteOptions) (*BackgroundSession, error) {
	opts.Background = true
	return invoke(ctx, a, CapExecuteBackground, liveStates, func(ctx context.Context) (*BackgroundSession, error) {
		return a.bg.ExecuteBackground(ctx, command, opts)
	})
}

// Interrupt signals a background session to stop. There is no polyfill.
func (a *Adapter) Interrupt(ctx context.Context, sessionID string) error {
	if a.intr != nil && sessionID == "" {
		return sandboxerr.InvalidArgument("session id must not be empty")
	}
	_, err := invoke(ctx, a, CapInterrupt, liveStates, func(ctx context.Context) (none, error) {
		return none{}, a.intr.Interrupt(ctx, sessionID)
	})
	return err
}

// ReadFiles reads each path. Per-path failures are reported in the results.
func (a *Adapter) ReadFiles(ctx context.Context, paths []string, opts ReadOptions) ([]ReadResult, error) {
	return invoke(ctx, a, CapReadFiles, liveStates, func(ctx context.Context) ([]ReadResult, error) {
		res, err := a.reader.ReadFiles(ctx, paths, opts)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapReadFiles)
		}
		return res, checkBatch(CapReadFiles, len(res), len(paths))
	})
}

// ReadStream opens path for chunked reading.
func (a *Adapter) ReadStream(ctx context.Context, path string) (*FileStream, error) {
	return invoke(ctx, a, CapReadStream, liveStates, func(ctx context.Context) (*FileStream, error) {
		return a.fstream.ReadStream(ctx, path)
	})
}

// WriteFiles writes each entry, creating parent directories as needed.
func (a *Adapter) WriteFiles(ctx context.Context, entries []WriteEntry) ([]WriteResult, error) {
	return invoke(ctx, a, CapWriteFiles, liveStates, func(ctx context.Context) ([]WriteResult, error) {
		res, err := a.writer.WriteFiles(ctx, entries)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapWriteFiles)
		}
		return res, checkBatch(CapWriteFiles, len(res), len(entries))
	})
}

func (a *Adapter) DeleteFiles(ctx context.Context, paths []string) ([]DeleteResult, error) {
	return invoke(ctx, a, CapDeleteFiles, liveStates, func(ctx context.Context) ([]DeleteResult, error) {
		res, err := a.fdeleter.DeleteFiles(ctx, paths)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapDeleteFiles)
		}
		return res, checkBatch(CapDeleteFiles, len(res), len(paths))
	})
}

func (a *Adapter) MoveFiles(ctx context.Context, entries []MoveEntry) ([]MoveResult, error) {
	return invoke(ctx, a, CapMoveFiles, liveStates, func(ctx context.Context) ([]MoveResult, error) {
		res, err := a.mover.MoveFiles(ctx, entries)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapMoveFiles)
		}
		return res, checkBatch(CapMoveFiles, len(res), len(entries))
	})
}

func (a *Adapter) ReplaceContent(ctx context.Context, entries []ReplaceEntry) ([]ReplaceResult, error) {
	return invoke(ctx, a, CapReplaceContent, liveStates, func(ctx context.Context) ([]ReplaceResult, error) {
		res, err := a.replacer.ReplaceContent(ctx, entries)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapReplaceContent)
		}
		return res, checkBatch(CapReplaceContent, len(res), len(entries))
	})
}

func (a *Adapter) GetFileInfo(ctx context.Context, paths []string) ([]FileInfoResult, error) {
	return invoke(ctx, a, CapGetFileInfo, liveStates, func(ctx context.Context) ([]FileInfoResult, error) {
		res, err := a.inspect.GetFileInfo(ctx, paths)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapGetFileInfo)
		}
		return res, checkBatch(CapGetFileInfo, len(res), len(paths))
	})
}

// ListDirectory returns the direct children of path. A missing directory
// lists as empty.
func (a *Adapter) ListDirectory(ctx context.Context, path string) ([]DirectoryEntry, error) {
	return invoke(ctx, a, CapListDirectory, liveStates, func(ctx context.Context) ([]DirectoryEntry, error) {
		return a.lister.ListDirectory(ctx, path)
	})
}

func (a *Adapter) CreateDirectories(ctx context.Context, paths []string, opts DirectoryOptions) ([]DirectoryResult, error) {
	return invoke(ctx, a, CapCreateDirectories, liveStates, func(ctx context.Context) ([]DirectoryResult, error) {
		res, err := a.mkdirs.CreateDirectories(ctx, paths, opts)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapCreateDirectories)
		}
		return res, checkBatch(CapCreateDirectories, len(res), len(paths))
	})
}

func (a *Adapter) DeleteDirectories(ctx context.Context, paths []string, opts DeleteDirectoryOptions) ([]DirectoryResult, error) {
	return invoke(ctx, a, CapDeleteDirectories, liveStates, func(ctx context.Context) ([]DirectoryResult, error) {
		res, err := a.rmdirs.DeleteDirectories(ctx, paths, opts)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapDeleteDirectories)
		}
		return res, checkBatch(CapDeleteDirectories, len(res), len(paths))
	})
}

func (a *Adapter) SetPermissions(ctx context.Context, entries []PermissionEntry) ([]PermissionResult, error) {
	return invoke(ctx, a, CapSetPermissions, liveStates, func(ctx context.Context) ([]PermissionResult, error) {
		res, err := a.perms.SetPermissions(ctx, entries)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Err = a.translate(res[i].Err, CapSetPermissions)
		}
		return res, checkBatch(CapSetPermissions, len(res), len(entries))
	})
}

// Search finds paths under root whose basename matches pattern.
func (a *Adapter) Search(ctx context.Context, pattern, root string) ([]SearchResult, error) {
	return invoke(ctx, a, CapSearch, liveStates, func(ctx context.Context) ([]SearchResult, error) {
		return a.searcher.Search(ctx, pattern, root)
	})
}

// GetMetrics returns a resource snapshot of the sandbox.
func (a *Adapter) GetMetrics(ctx context.Context) (*Metrics, error) {
	return invoke(ctx, a, CapGetMetrics, liveStates, func(ctx context.Context) (*Metrics, error) {
		return a.metrics.GetMetrics(ctx)
	})
}
