package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/ledger"
)

// StreamPublisher appends drained records to the stream list and marks the
// user's transaction lists stale. It implements drain.Publisher. Only the
// append decides the outcome: a record that reached the stream list is never
// handed back for a retry.
type StreamPublisher struct {
	Client *Client
	Keys   cache.Keys
	UserID int64
}

// NewStreamPublisher creates a publisher for userID.
func NewStreamPublisher(client *Client, keys cache.Keys, userID int64) *StreamPublisher {
	return &StreamPublisher{Client: client, Keys: keys, UserID: userID}
}

func (p *StreamPublisher) Publish(ctx context.Context, rec ledger.Record) error {
	if _, err := p.Client.Append(ctx, p.Keys.Stream(), rec); err != nil {
		return err
	}
	key := p.Keys.Transactions(p.UserID)
	if _, err := p.Client.Invalidate(ctx, key); err != nil {
		p.Client.logger.Warn("failed to invalidate transactions after publish",
			zap.Int64("record_id", rec.ID), zap.String("key", key), zap.Error(err))
	}
	return nil
}
