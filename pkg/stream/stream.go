// Package stream defines the push channel that delivers transaction payloads
// for one creation job.
package stream

import (
	"context"
	"errors"
)

// DoneSignal is the message payload that marks the end of a job.
const DoneSignal = "done"

// EventKind classifies an Event.
type EventKind int

const (
	// EventOpen is delivered once the channel is connected.
	EventOpen EventKind = iota
	// EventMessage carries one payload in Data.
	EventMessage
	// EventError reports a failed or interrupted channel in Err. No events
	// follow it.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification from a Stream.
type Event struct {
	Kind EventKind
	Data string
	Err  error
}

// Done reports whether e is the end-of-job message.
func (e Event) Done() bool {
	return e.Kind == EventMessage && e.Data == DoneSignal
}

// Stream is an open channel for one job. Events are delivered in the order
// the server sent them and the channel is closed after the last one. Close
// stops delivery and may be called more than once.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Transport opens streams.
type Transport interface {
	Open(ctx context.Context, jobID string) (Stream, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, jobID string) (Stream, error)

func (f TransportFunc) Open(ctx context.Context, jobID string) (Stream, error) {
	return f(ctx, jobID)
}

var (
	// ErrStreamEnded is reported when the server closes the channel before
	// sending the done message.
	ErrStreamEnded = errors.New("stream: ended before done")

	// ErrEmptyJobID is returned by Open for a blank job id.
	ErrEmptyJobID = errors.New("stream: empty job id")
)
