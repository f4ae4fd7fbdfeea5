// Package pubsub reads job streams straight from the Redis channel the
// worker publishes to.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/stream"
)

// DoneMessage is what the worker publishes after the last record.
const DoneMessage = "[DONE]"

// DefaultChannelPrefix names job channels job:{id}.
const DefaultChannelPrefix = "job:"

// Transport implements stream.Transport over Redis pub/sub. Messages
// published before Open subscribes are lost.
type Transport struct {
	client rueidis.Client
	prefix string
	buffer int
}

// NewTransport creates a transport on client. An empty prefix selects
// DefaultChannelPrefix.
func NewTransport(client rueidis.Client, prefix string) *Transport {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Transport{client: client, prefix: prefix, buffer: 16}
}

// Channel returns the channel of jobID.
func (t *Transport) Channel(jobID string) string {
	return t.prefix + jobID
}

// Open subscribes to the job channel. DoneMessage is delivered as
// stream.DoneSignal and ends the stream.
func (t *Transport) Open(ctx context.Context, jobID string) (stream.Stream, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, stream.ErrEmptyJobID
	}

	pipe := stream.NewPipe(ctx, t.buffer, nil)
	logger := logging.Global().Named("pubsub").With(logging.JobID(jobID))
	go t.receive(pipe, t.Channel(jobID), logger)
	return pipe, nil
}

func (t *Transport) receive(pipe *stream.Pipe, channel string, logger *logging.Logger) {
	defer pipe.Finish()

	ctx, stop := context.WithCancel(pipe.Context())
	defer stop()

	if !pipe.Send(stream.Event{Kind: stream.EventOpen}) {
		return
	}

	done := false
	err := t.client.Receive(ctx, t.client.B().Subscribe().Channel(channel).Build(), func(msg rueidis.PubSubMessage) {
		if done {
			return
		}
		data := msg.Message
		if data == DoneMessage {
			data = stream.DoneSignal
			done = true
		}
		if !pipe.Send(stream.Event{Kind: stream.EventMessage, Data: data}) || done {
			stop()
		}
	})

	switch {
	case done || pipe.Context().Err() != nil:
		return
	case err == nil:
		pipe.Send(stream.Event{Kind: stream.EventError, Err: stream.ErrStreamEnded})
	case errors.Is(err, context.Canceled):
		return
	default:
		logger.Warn("subscription failed", zap.String("channel", channel), zap.Error(err))
		pipe.Send(stream.Event{Kind: stream.EventError, Err: fmt.Errorf("pubsub: %w", err)})
	}
}

// Publish sends one payload to the job channel. Workers and tests use it.
func (t *Transport) Publish(ctx context.Context, jobID, payload string) error {
	return t.client.Do(ctx, t.client.B().Publish().Channel(t.Channel(jobID)).Message(payload).Build()).Error()
}

// PublishDone ends the job stream.
func (t *Transport) PublishDone(ctx context.Context, jobID string) error {
	return t.Publish(ctx, jobID, DoneMessage)
}
