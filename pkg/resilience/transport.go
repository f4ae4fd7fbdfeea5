package resilience

import (
	"context"

	"github.com/BuddyLim/smartfi/pkg/stream"
)

// Transport guards the opening of streams. An open stream is not affected
// by later breaker transitions.
type Transport struct {
	inner stream.Transport
	guard *Guard
}

func NewTransport(inner stream.Transport, guard *Guard) *Transport {
	return &Transport{inner: inner, guard: guard}
}

func (t *Transport) Open(ctx context.Context, jobID string) (stream.Stream, error) {
	var s stream.Stream
	err := t.guard.Run("open", func() error {
		var err error
		s, err = t.inner.Open(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
