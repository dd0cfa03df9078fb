package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jkaninda/polybox/internal/codec"
	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// DefaultChunkSize is the window size used by ReadStream.
const DefaultChunkSize = 64 << 10

// maxCommandInError bounds the command text carried by errors. Write commands
// embed the whole base64 payload.
const maxCommandInError = 512

// Polyfill implements the optional capabilities on top of nothing but an
// Executor and the POSIX toolset found in virtually every Linux image:
// sh, test, wc, tail, head, base64, mkdir, rm, mv, chmod, chown, find, stat.
//
// Polyfilled operations are stateless. Every command carries its own paths,
// nothing relies on a working directory or environment left over from an
// earlier call.
type Polyfill struct {
	exec      Executor
	provider  string
	chunkSize int64
	logger    *slog.Logger
}

// NewPolyfill returns a polyfill engine that runs its commands through exec.
// provider only tags errors.
func NewPolyfill(exec Executor, provider string, logger *slog.Logger) *Polyfill {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Polyfill{
		exec:      exec,
		provider:  provider,
		chunkSize: DefaultChunkSize,
		logger:    logger,
	}
}

// SetChunkSize changes the ReadStream window. Non-positive sizes are ignored.
func (p *Polyfill) SetChunkSize(n int64) {
	if n > 0 {
		p.chunkSize = n
	}
}

// run executes a polyfill command. Transport failures come back translated.
func (p *Polyfill) run(ctx context.Context, op Capability, command string) (*ExecuteResult, error) {
	res, err := p.exec.Execute(ctx, command, ExecuteOptions{})
	if err != nil {
		return nil, sandboxerr.Translate(err, p.provider, string(op))
	}
	if res == nil {
		return nil, sandboxerr.CommandFailure(summarize(command), "provider returned no result", nil)
	}
	return res, nil
}

// runOK is run plus the requirement that the command exits zero.
func (p *Polyfill) runOK(ctx context.Context, op Capability, command string) (*ExecuteResult, error) {
	res, err := p.run(ctx, op, command)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		p.logger.Debug("polyfill command failed",
			slog.String("operation", string(op)),
			slog.String("provider", p.provider),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", strings.TrimSpace(res.Stderr)),
		)
		return nil, sandboxerr.CommandExecution(summarize(command), res.ExitCode, res.Stdout, res.Stderr, nil)
	}
	return res, nil
}

func summarize(command string) string {
	if len(command) <= maxCommandInError {
		return command
	}
	return command[:maxCommandInError] + "..."
}

// requireRegularFile fails the script unless "$f" is a regular file.
const requireRegularFile = `if [ ! -f "$f" ]; then ` +
	`if [ -e "$f" ]; then echo "not a regular file: $f" >&2; else echo "no such file: $f" >&2; fi; exit 1; fi; `

// readCommand prints the file size on the first line followed by the base64
// of the requested window.
func readCommand(path string, rng *ByteRange) string {
	var b strings.Builder
	b.WriteString("f=" + quotePath(path) + "; ")
	b.WriteString(requireRegularFile)
	b.WriteString(`wc -c < "$f"; `)
	switch {
	case rng == nil || (rng.Start == 0 && rng.End == nil):
		b.WriteString(`base64 < "$f"`)
	case rng.End == nil:
		fmt.Fprintf(&b, `tail -c +%d "$f" | base64`, rng.Start+1)
	default:
		fmt.Fprintf(&b, `tail -c +%d "$f" | head -c %d | base64`, rng.Start+1, *rng.End-rng.Start)
	}
	return b.String()
}

func writeCommand(path string, data []byte, mode string) string {
	var b strings.Builder
	b.WriteString("f=" + quotePath(path) + `; d=$(dirname "$f"); `)
	b.WriteString(`mkdir -p "$d" && printf '%s' ` + shellQuote(codec.EncodeBase64(data)) + ` | base64 -d > "$f"`)
	if mode != "" {
		b.WriteString(` && chmod ` + mode + ` "$f"`)
	}
	b.WriteString(` && wc -c < "$f"`)
	return b.String()
}

// ReadFiles reads every path independently. A failure on one path is
// reported in its result and does not affect the others.
func (p *Polyfill) ReadFiles(ctx context.Context, paths []string, opts ReadOptions) ([]ReadResult, error) {
	rng, err := ParseRange(opts.Range)
	if err != nil {
		return nil, err
	}
	results := make([]ReadResult, 0, len(paths))
	for _, path := range paths {
		data, err := p.readFile(ctx, path, rng)
		results = append(results, ReadResult{Path: path, Content: data, Err: err})
	}
	return results, nil
}

func (p *Polyfill) readFile(ctx context.Context, path string, rng *ByteRange) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	command := readCommand(path, rng)
	res, err := p.runOK(ctx, CapReadFiles, command)
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		return nil, sandboxerr.CommandFailure(summarize(command),
			fmt.Sprintf("output for %s was truncated by the provider; use a stream or a range", path), nil)
	}

	header, body, _ := strings.Cut(res.Stdout, "\n")
	size, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return nil, sandboxerr.CommandFailure(summarize(command),
			fmt.Sprintf("unexpected size header %q", strings.TrimSpace(header)), err)
	}
	data, err := codec.DecodeBase64Exact(body, rng.Length(size))
	if err != nil {
		return nil, sandboxerr.CommandFailure(summarize(command), "decoding content of "+path, err)
	}
	return data, nil
}

// fileSize returns the size of a regular file.
func (p *Polyfill) fileSize(ctx context.Context, path string) (int64, error) {
	command := "f=" + quotePath(path) + "; " + requireRegularFile + `wc -c < "$f"`
	res, err := p.runOK(ctx, CapReadStream, command)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, sandboxerr.CommandFailure(command, "unexpected size output", err)
	}
	return size, nil
}

// WriteFiles writes each entry, creating missing parent directories. Stream
// entries are drained first; the decoded length is verified on the remote
// side before the entry counts as written.
func (p *Polyfill) WriteFiles(ctx context.Context, entries []WriteEntry) ([]WriteResult, error) {
	results := make([]WriteResult, 0, len(entries))
	for _, e := range entries {
		n, err := p.writeFile(ctx, e)
		results = append(results, WriteResult{Path: e.Path, BytesWritten: n, Err: err})
	}
	return results, nil
}

func (p *Polyfill) writeFile(ctx context.Context, e WriteEntry) (int64, error) {
	if err := validatePath(e.Path); err != nil {
		return 0, err
	}
	if err := validateMode(e.Mode); err != nil {
		return 0, err
	}
	data := e.Data
	if e.Reader != nil {
		drained, err := codec.Drain(e.Reader)
		if err != nil {
			return 0, &sandboxerr.Error{
				Kind:    sandboxerr.KindInvalidArgument,
				Message: "reading content for " + e.Path,
				Cause:   err,
			}
		}
		data = drained
	}

	command := writeCommand(e.Path, data, e.Mode)
	res, err := p.runOK(ctx, CapWriteFiles, command)
	if err != nil {
		return 0, err
	}
	written, err := strconv.ParseInt(strings.TrimSpace(lastLine(res.Stdout)), 10, 64)
	if err != nil {
		return 0, sandboxerr.CommandFailure(summarize(command), "unexpected byte count after write", err)
	}
	if written != int64(len(data)) {
		return written, sandboxerr.CommandFailure(summarize(command),
			fmt.Sprintf("wrote %d bytes to %s, expected %d", written, e.Path, len(data)), nil)
	}
	return written, nil
}

// DeleteFiles removes regular files and symlinks. Directories are refused.
func (p *Polyfill) DeleteFiles(ctx context.Context, paths []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(paths))
	for _, path := range paths {
		err := validatePath(path)
		if err == nil {
			command := "f=" + quotePath(path) + "; " +
				`if [ -d "$f" ] && [ ! -L "$f" ]; then echo "is a directory: $f" >&2; exit 1; fi; ` +
				`if [ ! -e "$f" ] && [ ! -L "$f" ]; then echo "no such file: $f" >&2; exit 1; fi; ` +
				`rm -f "$f"`
			_, err = p.runOK(ctx, CapDeleteFiles, command)
		}
		results = append(results, DeleteResult{Path: path, Success: err == nil, Err: err})
	}
	return results, nil
}

// MoveFiles renames each source to its destination, creating the
// destination's parent directory first.
func (p *Polyfill) MoveFiles(ctx context.Context, entries []MoveEntry) ([]MoveResult, error) {
	results := make([]MoveResult, 0, len(entries))
	for _, e := range entries {
		err := validatePath(e.Source)
		if err == nil {
			err = validatePath(e.Destination)
		}
		if err == nil {
			command := "s=" + quotePath(e.Source) + "; t=" + quotePath(e.Destination) + "; " +
				`if [ ! -e "$s" ] && [ ! -L "$s" ]; then echo "no such file: $s" >&2; exit 1; fi; ` +
				`mkdir -p "$(dirname "$t")" && mv -f "$s" "$t"`
			_, err = p.runOK(ctx, CapMoveFiles, command)
		}
		results = append(results, MoveResult{
			Source:      e.Source,
			Destination: e.Destination,
			Success:     err == nil,
			Err:         err,
		})
	}
	return results, nil
}

// ReplaceContent reads each file, substitutes in memory and writes it back.
// A file without occurrences is left untouched and reports zero replacements.
func (p *Polyfill) ReplaceContent(ctx context.Context, entries []ReplaceEntry) ([]ReplaceResult, error) {
	results := make([]ReplaceResult, 0, len(entries))
	for _, e := range entries {
		n, err := p.replaceOne(ctx, e)
		results = append(results, ReplaceResult{Path: e.Path, Replacements: n, Err: err})
	}
	return results, nil
}

func (p *Polyfill) replaceOne(ctx context.Context, e ReplaceEntry) (int, error) {
	if e.Old == "" {
		return 0, sandboxerr.InvalidArgument("replacement for %s has an empty search string", e.Path)
	}
	data, err := p.readFile(ctx, e.Path, nil)
	if err != nil {
		return 0, err
	}
	text := string(data)
	count := strings.Count(text, e.Old)
	limit := -1
	if e.Limit > 0 {
		limit = e.Limit
		count = min(count, e.Limit)
	}
	if count == 0 {
		return 0, nil
	}
	updated := strings.Replace(text, e.Old, e.New, limit)
	if _, err := p.writeFile(ctx, WriteEntry{Path: e.Path, Data: []byte(updated)}); err != nil {
		return 0, err
	}
	return count, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
