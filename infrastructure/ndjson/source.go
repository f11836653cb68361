package ndjson

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize is the read buffer used by ReaderSource when none is set.
const DefaultChunkSize = 4096

// ChunkSource delivers raw byte chunks in order. Next returns done=true once
// the source is exhausted; the chunk returned with done=true is empty.
// Release must be called exactly once when the consumer is finished with the
// source, whatever the outcome.
type ChunkSource interface {
	Next(ctx context.Context) (chunk []byte, done bool, err error)
	Release() error
}

// ReaderSource adapts an io.Reader (typically an HTTP response body) to a
// ChunkSource. The returned chunk aliases an internal buffer and is only
// valid until the next call to Next.
type ReaderSource struct {
	r    io.Reader
	buf  []byte
	once sync.Once
	err  error
}

// NewReaderSource wraps r. Release closes r when it implements io.Closer.
func NewReaderSource(r io.Reader, chunkSize int) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ReaderSource{r: r, buf: make([]byte, chunkSize)}
}

func (s *ReaderSource) Next(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			// Hand the bytes over now; a trailing io.EOF is seen on the next call.
			return s.buf[:n], false, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, true, nil
			}
			return nil, false, err
		}
		// n == 0 && err == nil is allowed by io.Reader; read again.
	}
}

func (s *ReaderSource) Release() error {
	s.once.Do(func() {
		if closer, ok := s.r.(io.Closer); ok {
			s.err = closer.Close()
		}
	})
	return s.err
}

// SliceSource replays a fixed list of chunks.
type SliceSource struct {
	chunks   [][]byte
	pos      int
	released bool
}

func NewSliceSource(chunks ...[]byte) *SliceSource {
	return &SliceSource{chunks: chunks}
}

// StringChunks is a convenience for building a SliceSource from strings.
func StringChunks(chunks ...string) *SliceSource {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = []byte(c)
	}
	return NewSliceSource(out...)
}

func (s *SliceSource) Next(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= len(s.chunks) {
		return nil, true, nil
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, false, nil
}

func (s *SliceSource) Release() error {
	s.released = true
	return nil
}

// Released reports whether Release has been called.
func (s *SliceSource) Released() bool {
	return s.released
}
