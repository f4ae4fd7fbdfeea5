package cache

import (
	"context"
	"time"
)

// CacheLayer stores encoded query results under string keys.
// Values are opaque bytes; callers own the encoding.
type CacheLayer interface {
	// Get returns the value stored under key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl selects the layer default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the layer in logs and metrics.
	Name() string

	Close() error
}

// PrefixDeleter is implemented by layers that can drop a whole key family at once.
type PrefixDeleter interface {
	// DeletePrefix removes every key matching prefix at a segment boundary
	// and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// KeyLister is implemented by layers that can enumerate their keys.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}
