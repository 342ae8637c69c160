package capture

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ClosedMarker is written by Close as the last chunk of every captured log.
const ClosedMarker = "--- LOG CLOSED"

// ChunkFunc receives every chunk written to a Sink, in write order.
type ChunkFunc func(chunk string) error

var _ io.WriteCloser = (*Sink)(nil)

// Sink duplicates every write to a pass-through writer, an in-memory buffer and
// an optional chunk callback. Failures of the pass-through or the callback never
// fail the write and never drop the chunk from the buffer.
//
// After the first callback error, later chunks are no longer passed to the
// callback; the error is kept for StreamErr.
type Sink struct {
	mu          sync.Mutex
	passthrough io.Writer
	onChunk     ChunkFunc
	buf         bytes.Buffer

	passErr   error
	streamErr error
}

// NewSink creates a sink. passthrough and onChunk may be nil.
func NewSink(passthrough io.Writer, onChunk ChunkFunc) *Sink {
	return &Sink{passthrough: passthrough, onChunk: onChunk}
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.passthrough != nil {
		if _, err := s.passthrough.Write(p); err != nil && s.passErr == nil {
			s.passErr = err
			slog.Warn("Log pass-through write failed", "error", err)
		}
	}

	s.buf.Write(p)

	if s.onChunk != nil && s.streamErr == nil {
		if err := s.callback(string(p)); err != nil {
			s.streamErr = err
			slog.Warn("Log chunk callback failed, streaming stopped", "error", err)
		}
	}
	return len(p), nil
}

func (s *Sink) callback(chunk string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk callback panic: %v", r)
		}
	}()
	return s.onChunk(chunk)
}

// Close writes ClosedMarker.
func (s *Sink) Close() error {
	_, err := s.Write([]byte(ClosedMarker))
	return err
}

// Results returns everything written so far.
func (s *Sink) Results() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// StreamErr returns the first error returned by the chunk callback.
func (s *Sink) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// PassthroughErr returns the first error returned by the pass-through writer.
func (s *Sink) PassthroughErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passErr
}
