// Package recognition connects exercise sessions to a streaming speech
// recognition engine and turns engine events into client feedback.
package recognition

import (
	"context"
	"encoding/json"
)

// StreamConfig describes a recognition stream for one exercise.
type StreamConfig struct {
	// ReferenceText is the phrase the speaker is expected to say.
	ReferenceText string
	Language      string
	SampleRate    int
}

// EventKind identifies an engine event.
type EventKind string

const (
	EventPartial  EventKind = "partial"
	EventFinal    EventKind = "final"
	EventNoMatch  EventKind = "nomatch"
	EventCanceled EventKind = "canceled"
	EventStopped  EventKind = "stopped"
)

// Event is one asynchronous notification from the engine.
type Event struct {
	Kind EventKind
	// Text is the recognized text for partial and final events.
	Text string
	// Result is the engine's pronunciation assessment for final events.
	Result json.RawMessage
	// Err describes why a stream was canceled.
	Err error
}

// Stream is an open recognition stream. It is returned only after the engine
// has confirmed the start of recognition.
type Stream interface {
	// Write pushes decoded audio bytes into the stream.
	Write(ctx context.Context, chunk []byte) error

	// Events returns the event channel. It is closed when the stream ends.
	Events() <-chan Event

	// CloseAudio signals the end of audio input.
	CloseAudio() error

	// Stop asks the engine to stop recognition.
	Stop(ctx context.Context) error

	// Close releases the stream. Calling Close more than once is safe.
	Close() error
}

// Engine opens recognition streams.
type Engine interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
