package core

import (
	"sync"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// ChunkStream carries the output of one adapter call.
//
// The adapter owns the producing side: it calls Push for each chunk, Report for
// consumed quantities, and exactly one of Finish or Fail when it stops. Push and
// Finish must be called from a single goroutine.
//
// The consumer reads Chunks until the channel is closed, then reads Err and
// Usage. Close tells the adapter that the consumer is no longer reading; the
// adapter is expected to stop, report what it consumed, and Finish.
type ChunkStream struct {
	chunks     chan types.StreamChunk
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once

	mu    sync.Mutex
	err   error
	usage []types.Observation
}

// NewChunkStream creates a stream with the given chunk buffer.
func NewChunkStream(buffer int) *ChunkStream {
	if buffer < 0 {
		buffer = 0
	}
	return &ChunkStream{
		chunks: make(chan types.StreamChunk, buffer),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of chunks. It is closed after Finish or Fail.
func (s *ChunkStream) Chunks() <-chan types.StreamChunk {
	return s.chunks
}

// Push sends a chunk. Returns false if the consumer closed the stream.
func (s *ChunkStream) Push(chunk types.StreamChunk) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// Report records consumed quantities for the call.
func (s *ChunkStream) Report(obs ...types.Observation) {
	if len(obs) == 0 {
		return
	}
	s.mu.Lock()
	s.usage = append(s.usage, obs...)
	s.mu.Unlock()
}

// Finish closes the chunk channel.
func (s *ChunkStream) Finish() {
	s.finishOnce.Do(func() { close(s.chunks) })
}

// Fail records err and closes the chunk channel.
func (s *ChunkStream) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Finish()
}

// Err returns the error passed to Fail, if any.
func (s *ChunkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage returns every observation reported so far.
func (s *ChunkStream) Usage() []types.Observation {
	return s.UsageSince(0)
}

// UsageSince returns observations reported after the first n.
func (s *ChunkStream) UsageSince(n int) []types.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.usage) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return append([]types.Observation(nil), s.usage[n:]...)
}

// Close signals that the consumer stopped reading.
func (s *ChunkStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done returns a channel closed by Close.
func (s *ChunkStream) Done() <-chan struct{} {
	return s.done
}
