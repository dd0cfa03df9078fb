// Package capture collects the output of provider commands with a size cap.
package capture

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/jkaninda/polybox/internal/sandbox"
)

// Capture holds capped stdout and stderr of one command. Writes to either
// stream are serialized, so handlers never run concurrently.
type Capture struct {
	mu             sync.Mutex
	stdout, stderr bytes.Buffer
	out, err       *limitedWriter
	onOut, onErr   func(string)
}

// New returns a capture keeping at most limit bytes per stream.
func New(limit int) *Capture {
	return NewStreaming(limit, nil, nil)
}

// NewStreaming returns a capture that also forwards every chunk to the given
// handlers as it is written. Forwarded chunks are not capped.
func NewStreaming(limit int, onStdout, onStderr func(string)) *Capture {
	c := &Capture{onOut: onStdout, onErr: onStderr}
	c.out = &limitedWriter{w: &c.stdout, remaining: limit}
	c.err = &limitedWriter{w: &c.stderr, remaining: limit}
	return c
}

func (c *Capture) Stdout() io.Writer { return &stream{c: c, lw: c.out, emit: c.onOut} }

func (c *Capture) Stderr() io.Writer { return &stream{c: c, lw: c.err, emit: c.onErr} }

// Truncated reports whether either stream hit the cap.
func (c *Capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.truncated || c.err.truncated
}

// Result builds the execution result from what was captured.
func (c *Capture) Result(exitCode int, duration time.Duration) *sandbox.ExecuteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &sandbox.ExecuteResult{
		Stdout:    c.stdout.String(),
		Stderr:    c.stderr.String(),
		ExitCode:  exitCode,
		Truncated: c.out.truncated || c.err.truncated,
		Duration:  duration,
	}
}

type stream struct {
	c    *Capture
	lw   *limitedWriter
	emit func(string)
}

func (s *stream) Write(p []byte) (int, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.emit != nil && len(p) > 0 {
		s.emit(string(p))
	}
	return s.lw.Write(p)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded and flagged as truncation. It always reports the
// full length as written so the copying goroutine never fails.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
