package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
)

// ResilientLayer wraps a CacheLayer with a Guard. Misses do not count
// against the breaker.
type ResilientLayer struct {
	layer   cache.CacheLayer
	guard   *Guard
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewResilientLayer wraps layer. An empty config.Name takes the layer name.
func NewResilientLayer(layer cache.CacheLayer, config Config) *ResilientLayer {
	if config.Name == "" {
		config.Name = layer.Name()
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool {
			return defaultIsSuccessful(err) || cache.IsNotFound(err)
		}
	}

	rl := &ResilientLayer{
		layer:   layer,
		guard:   NewGuard(config),
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logging.Global().Named("resilience").Named(layer.Name()),
	}

	rl.logger.Info("resilient layer initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreaker.MaxRequests),
		zap.Duration("circuit_timeout", config.CircuitBreaker.Timeout),
	)
	return rl
}

// Name returns the name of the underlying cache layer.
func (rl *ResilientLayer) Name() string {
	return rl.layer.Name()
}

// State returns the breaker state of the layer.
func (rl *ResilientLayer) State() metrics.CircuitState {
	return rl.guard.State()
}

// translate maps guard errors onto the cache sentinels.
func translate(err error) error {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return cache.ErrCircuitOpen
	case errors.Is(err, ErrTimeout):
		return cache.ErrTimeout
	}
	return err
}

func (rl *ResilientLayer) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	var value []byte
	err := rl.guard.Do(ctx, "get", func(ctx context.Context) error {
		var err error
		value, err = rl.layer.Get(ctx, key)
		return err
	})
	rl.metrics.RecordGet(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		if !cache.IsNotFound(err) {
			rl.logger.Error("get operation failed", zap.String("key", key), zap.Error(err))
		}
		return nil, translate(err)
	}
	return value, nil
}

func (rl *ResilientLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()

	err := rl.guard.Do(ctx, "set", func(ctx context.Context) error {
		return rl.layer.Set(ctx, key, value, ttl)
	})
	rl.metrics.RecordSet(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		rl.logger.Error("set operation failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err),
		)
		return translate(err)
	}
	return nil
}

func (rl *ResilientLayer) Delete(ctx context.Context, key string) error {
	start := time.Now()

	err := rl.guard.Do(ctx, "delete", func(ctx context.Context) error {
		return rl.layer.Delete(ctx, key)
	})
	rl.metrics.RecordDelete(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		rl.logger.Error("delete operation failed", zap.String("key", key), zap.Error(err))
		return translate(err)
	}
	return nil
}

// DeletePrefix forwards to the inner layer, or returns cache.ErrUnsupported
// when it cannot delete by prefix.
func (rl *ResilientLayer) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pd, ok := rl.layer.(cache.PrefixDeleter)
	if !ok {
		return 0, cache.ErrUnsupported
	}

	var removed int
	err := rl.guard.Do(ctx, "delete_prefix", func(ctx context.Context) error {
		var err error
		removed, err = pd.DeletePrefix(ctx, prefix)
		return err
	})
	return removed, translate(err)
}

// Keys forwards to the inner layer, or returns cache.ErrUnsupported.
func (rl *ResilientLayer) Keys(ctx context.Context, prefix string) ([]string, error) {
	kl, ok := rl.layer.(cache.KeyLister)
	if !ok {
		return nil, cache.ErrUnsupported
	}

	var keys []string
	err := rl.guard.Do(ctx, "keys", func(ctx context.Context) error {
		var err error
		keys, err = kl.Keys(ctx, prefix)
		return err
	})
	return keys, translate(err)
}

// Close closes the underlying cache layer.
func (rl *ResilientLayer) Close() error {
	return rl.layer.Close()
}
