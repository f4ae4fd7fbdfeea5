package stream

import (
	"context"
	"sync"
)

// Pipe is a Stream fed by a producer goroutine. Transports use it to turn a
// blocking reader into an event channel.
type Pipe struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   func() error
	closeErr  error
	done      chan struct{}
}

// NewPipe creates a Pipe whose context derives from parent. onClose, when
// set, runs once on Close to release the underlying connection.
func NewPipe(parent context.Context, buffer int, onClose func() error) *Pipe {
	ctx, cancel := context.WithCancel(parent)
	return &Pipe{
		events:  make(chan Event, buffer),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

// Context is cancelled when the pipe is closed.
func (p *Pipe) Context() context.Context {
	return p.ctx
}

// Send delivers e. It returns false once the pipe is closed.
func (p *Pipe) Send(e Event) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.events <- e:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Finish closes the event channel. The producer calls it exactly once when
// it stops sending.
func (p *Pipe) Finish() {
	close(p.events)
	close(p.done)
}

func (p *Pipe) Events() <-chan Event {
	return p.events
}

// Close stops the producer and releases the connection.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.onClose != nil {
			p.closeErr = p.onClose()
		}
	})
	return p.closeErr
}

// Finished is closed after the producer has called Finish.
func (p *Pipe) Finished() <-chan struct{} {
	return p.done
}
