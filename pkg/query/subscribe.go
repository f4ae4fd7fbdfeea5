package query

import (
	"sync"
	"time"
)

// Invalidation tells subscribers that the lists under Prefix are stale.
type Invalidation struct {
	Prefix  string    `json:"prefix"`
	Removed int       `json:"removed"`
	At      time.Time `json:"at"`
}

// Subscription receives invalidations on C until Close. Notifications that
// find the buffer full are dropped.
type Subscription struct {
	C <-chan Invalidation

	ch     chan Invalidation
	client *Client
	once   sync.Once
}

// Subscribe registers a subscriber with the given buffer size. Subscribing
// to a closed client returns a subscription whose channel is closed.
func (c *Client) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Invalidation, buffer)
	sub := &Subscription{C: ch, ch: ch, client: c}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		sub.close()
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.client.subMu.Lock()
	defer s.client.subMu.Unlock()

	delete(s.client.subs, s)
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func (c *Client) notify(inv Invalidation) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for sub := range c.subs {
		select {
		case sub.ch <- inv:
		default:
			c.logger.Debug("dropping invalidation for a slow subscriber")
		}
	}
}
