// Package chain stacks cache layers from fastest to slowest. Reads fall
// through the stack and copy hits back up; writes and invalidations reach
// every layer.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
	"github.com/BuddyLim/smartfi/pkg/resilience"
)

// ErrNoLayers is returned by New without layers.
var ErrNoLayers = errors.New("chain: at least one layer required")

// Config configures a Chain.
type Config struct {
	// Name identifies the chain in logs.
	// Default: "chain"
	Name string `mapstructure:"name"`

	// TTL splits a requested TTL across layers.
	// Default: UniformTTL
	TTL TTLStrategy `mapstructure:"-"`

	// WarmTTL is the base TTL of values copied into upper layers after a
	// hit further down.
	// Default: 1h
	WarmTTL time.Duration `mapstructure:"warm_ttl"`

	// FirstLayerTimeout bounds calls to L1; LayerTimeout bounds the others.
	// Defaults: 100ms and 1s
	FirstLayerTimeout time.Duration `mapstructure:"first_layer_timeout"`
	LayerTimeout      time.Duration `mapstructure:"layer_timeout"`

	Metrics metrics.MetricsCollector `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "chain"
	}
	if c.TTL == nil {
		c.TTL = UniformTTL{}
	}
	if c.WarmTTL <= 0 {
		c.WarmTTL = time.Hour
	}
	if c.FirstLayerTimeout <= 0 {
		c.FirstLayerTimeout = 100 * time.Millisecond
	}
	if c.LayerTimeout <= 0 {
		c.LayerTimeout = time.Second
	}
	return c
}

// Chain is a CacheLayer over several layers, each behind its own circuit
// breaker.
type Chain struct {
	layers []*resilience.ResilientLayer
	config Config
	sf     singleflight.Group
	logger *logging.Logger
}

// New wraps layers, ordered L1 first, in a chain.
func New(config Config, layers ...cache.CacheLayer) (*Chain, error) {
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	config = config.withDefaults()

	wrapped := make([]*resilience.ResilientLayer, len(layers))
	for i, layer := range layers {
		rc := resilience.DefaultConfig(layer.Name())
		rc.Metrics = config.Metrics
		if i == 0 {
			rc = rc.WithTimeout(config.FirstLayerTimeout)
		} else {
			rc = rc.WithTimeout(config.LayerTimeout)
		}
		wrapped[i] = resilience.NewResilientLayer(layer, rc)
	}

	return &Chain{
		layers: wrapped,
		config: config,
		logger: logging.Global().Named(config.Name),
	}, nil
}

// Get returns the value of key from the first layer holding it and copies
// it into the layers above before returning. Concurrent Gets of one key
// share a single walk.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		return c.getWithFallback(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	value := v.([]byte)
	if shared {
		value = append([]byte(nil), value...)
	}
	return value, nil
}

func (c *Chain) getWithFallback(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := layer.Get(ctx, key)
		if err != nil {
			if !cache.IsNotFound(err) {
				c.logger.Debug("layer read failed", zap.String("layer", layer.Name()), zap.String("key", key), zap.Error(err))
			}
			lastErr = err
			continue
		}

		if i > 0 {
			c.warm(ctx, key, value, i)
		}
		return value, nil
	}

	if lastErr == nil || cache.IsNotFound(lastErr) {
		return nil, cache.ErrKeyNotFound
	}
	return nil, lastErr
}

// warm copies value into every layer above hit.
func (c *Chain) warm(ctx context.Context, key string, value []byte, hit int) {
	for i := hit - 1; i >= 0; i-- {
		ttl := c.config.TTL.TTL(i, len(c.layers), c.config.WarmTTL)
		if err := c.layers[i].Set(ctx, key, value, ttl); err != nil {
			c.logger.Debug("warm-up failed", zap.String("layer", c.layers[i].Name()), zap.String("key", key), zap.Error(err))
		}
	}
}

// Set writes value to every layer. All layers are attempted; the returned
// error combines their failures.
func (c *Chain) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var errs error
	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, layer.Set(ctx, key, value, c.config.TTL.TTL(i, len(c.layers), ttl)))
	}
	return errs
}

// Delete removes key from every layer.
func (c *Chain) Delete(ctx context.Context, key string) error {
	var errs error
	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, layer.Delete(ctx, key))
	}
	return errs
}

// DeletePrefix removes the keys under prefix from every layer and returns
// the largest count removed from one layer. A layer without prefix deletion
// only loses the exact key.
func (c *Chain) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		errs    error
		removed int
	)
	for _, layer := range c.layers {
		n, err := layer.DeletePrefix(ctx, prefix)
		if errors.Is(err, cache.ErrUnsupported) {
			n, err = 0, layer.Delete(ctx, prefix)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if n > removed {
			removed = n
		}
	}
	return removed, errs
}

// Keys returns the sorted union of the keys under prefix across the layers
// that can list them.
func (c *Chain) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		errs   error
		listed bool
	)
	seen := make(map[string]struct{})
	for _, layer := range c.layers {
		keys, err := layer.Keys(ctx, prefix)
		if errors.Is(err, cache.ErrUnsupported) {
			continue
		}
		listed = true
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if !listed {
		return nil, cache.ErrUnsupported
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, errs
}

// Close closes every layer.
func (c *Chain) Close() error {
	var errs error
	for _, layer := range c.layers {
		errs = multierr.Append(errs, layer.Close())
	}
	return errs
}

func (c *Chain) Name() string {
	return c.config.Name
}

// Layers returns the wrapped layers, L1 first.
func (c *Chain) Layers() []*resilience.ResilientLayer {
	return append([]*resilience.ResilientLayer(nil), c.layers...)
}

func (c *Chain) Len() int {
	return len(c.layers)
}

func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return fmt.Sprintf("chain(%d layers): %s", len(c.layers), strings.Join(names, " -> "))
}
