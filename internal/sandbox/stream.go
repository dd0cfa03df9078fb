package sandbox

import (
	"context"
	"io"
	"log/slog"
)

// FileStream yields a remote file as consecutive chunks. Ranges are fetched
// lazily; when the size could not be determined up front the whole file is
// delivered as one chunk.
type FileStream struct {
	path      string
	size      int64
	sizeKnown bool
	chunkSize int64
	offset    int64
	done      bool

	fetchRange func(ctx context.Context, rng *ByteRange) ([]byte, error)
}

// NewFileStream builds a stream from a range fetcher. size < 0 means
// unknown. Providers with a native ranged read use this to implement
// FileStreamer.
func NewFileStream(path string, size, chunkSize int64, fetch func(ctx context.Context, rng *ByteRange) ([]byte, error)) *FileStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &FileStream{
		path:       path,
		size:       max(size, 0),
		sizeKnown:  size >= 0,
		chunkSize:  chunkSize,
		fetchRange: fetch,
	}
}

// Path returns the remote path being streamed.
func (s *FileStream) Path() string { return s.path }

// Size returns the file size and whether it is known.
func (s *FileStream) Size() (int64, bool) { return s.size, s.sizeKnown }

// Next returns the next chunk, or io.EOF once the file is exhausted.
func (s *FileStream) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.sizeKnown {
		s.done = true
		data, err := s.fetchRange(ctx, nil)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, io.EOF
		}
		s.offset = int64(len(data))
		return data, nil
	}

	if s.offset >= s.size {
		s.done = true
		return nil, io.EOF
	}
	end := min(s.offset+s.chunkSize, s.size)
	data, err := s.fetchRange(ctx, &ByteRange{Start: s.offset, End: &end})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		// The file shrank underneath us.
		s.done = true
		return nil, io.EOF
	}
	s.offset += int64(len(data))
	return data, nil
}

// Reader exposes the stream as an io.Reader bound to ctx.
func (s *FileStream) Reader(ctx context.Context) io.Reader {
	return &streamReader{ctx: ctx, stream: s}
}

type streamReader struct {
	ctx     context.Context
	stream  *FileStream
	pending []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		chunk, err := r.stream.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// ReadStream opens path for chunked reading. If the size query fails the
// stream falls back to a single unranged read, which then reports the real
// error (for example a missing file) from Next.
func (p *Polyfill) ReadStream(ctx context.Context, path string) (*FileStream, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	size, err := p.fileSize(ctx, path)
	if err != nil {
		p.logger.Debug("stream size unavailable, falling back to a single read",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		size = -1
	}
	return NewFileStream(path, size, p.chunkSize, func(ctx context.Context, rng *ByteRange) ([]byte, error) {
		return p.readFile(ctx, path, rng)
	}), nil
}
