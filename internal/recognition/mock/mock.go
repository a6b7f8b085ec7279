// Package mock provides test doubles for the recognition package interfaces.
//
// Use Engine to observe which streams were opened and Stream to feed engine
// events and inspect delivered audio.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/speakeasy/internal/recognition"
)

// ErrStreamClosed is returned by Write after Close.
var ErrStreamClosed = errors.New("mock: stream closed")

// OpenCall records a single invocation of Engine.Open.
type OpenCall struct {
	Cfg recognition.StreamConfig
}

// Engine is a mock implementation of recognition.Engine.
type Engine struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	// Streams records every stream returned by Open, in order.
	Streams []*Stream
}

// Open records the call and returns a new Stream or OpenErr.
func (e *Engine) Open(ctx context.Context, cfg recognition.StreamConfig) (recognition.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenCalls = append(e.OpenCalls, OpenCall{Cfg: cfg})
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := NewStream()
	e.Streams = append(e.Streams, s)
	return s, nil
}

// SetOpenErr sets OpenErr. Thread-safe.
func (e *Engine) SetOpenErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenErr = err
}

// LastStream returns the most recently opened stream, or nil.
func (e *Engine) LastStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Streams) == 0 {
		return nil
	}
	return e.Streams[len(e.Streams)-1]
}

// OpenCount returns the number of Open calls.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.OpenCalls)
}

var _ recognition.Engine = (*Engine)(nil)

// Stream is a mock implementation of recognition.Stream.
type Stream struct {
	mu     sync.Mutex
	events chan recognition.Event
	closed bool

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// Written records every chunk passed to Write.
	Written [][]byte

	AudioClosed bool
	StopCalls   int
	CloseCalls  int
}

// NewStream returns a stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan recognition.Event, 64)}
}

// Emit delivers an event to the consumer. Events after Close are dropped.
func (s *Stream) Emit(ev recognition.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Write records the chunk.
func (s *Stream) Write(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Written = append(s.Written, cp)
	return nil
}

// Events returns the event channel.
func (s *Stream) Events() <-chan recognition.Event {
	return s.events
}

// CloseAudio records that audio input ended.
func (s *Stream) CloseAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AudioClosed = true
	return nil
}

// Stop records the call and returns StopErr.
func (s *Stream) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	return s.StopErr
}

// Close closes the event channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WrittenCount returns the number of recorded chunks.
func (s *Stream) WrittenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Written)
}

var _ recognition.Stream = (*Stream)(nil)
