// Package query keeps the record lists the feed renders. Lists are stored
// as JSON arrays in a cache layer under the keys built by cache.Keys.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BuddyLim/smartfi/pkg/bucket"
	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
)

// Loader fetches the authoritative list for a key on a miss.
type Loader func(ctx context.Context) ([]ledger.Record, error)

// Config configures a Client.
type Config struct {
	// TTL applies to every list written. Zero selects the layer default.
	TTL time.Duration `mapstructure:"ttl"`

	// ExpectedRecords sizes the per-key duplicate filter.
	// Default: 10000
	ExpectedRecords uint `mapstructure:"expected_records"`

	// FalsePositiveRate of the duplicate filter.
	// Default: 0.01
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`

	Metrics metrics.MetricsCollector `mapstructure:"-"`
}

// Client reads and writes record lists. Writes to one client are
// serialised; Fetch collapses concurrent loads of the same key.
type Client struct {
	layer   cache.CacheLayer
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	sf      singleflight.Group

	mu      sync.Mutex
	filters map[string]*bloom.BloomFilter

	subMu  sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a client over layer. The client owns layer and closes it.
func New(layer cache.CacheLayer, config Config) *Client {
	if config.ExpectedRecords == 0 {
		config.ExpectedRecords = 10000
	}
	if config.FalsePositiveRate <= 0 || config.FalsePositiveRate >= 1 {
		config.FalsePositiveRate = 0.01
	}

	return &Client{
		layer:   layer,
		config:  config,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logging.Global().Named("query"),
		filters: make(map[string]*bloom.BloomFilter),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Layer returns the underlying cache layer.
func (c *Client) Layer() cache.CacheLayer {
	return c.layer
}

// load returns the list under key and whether it was present.
func (c *Client) load(ctx context.Context, key string) ([]ledger.Record, bool, error) {
	data, err := c.layer.Get(ctx, key)
	if cache.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var recs []ledger.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, false, fmt.Errorf("query: decode %s: %w", key, cache.ErrInvalidValue)
	}
	return recs, true, nil
}

func (c *Client) store(ctx context.Context, key string, recs []ledger.Record) error {
	if recs == nil {
		recs = []ledger.Record{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("query: encode %s: %w", key, err)
	}
	return c.layer.Set(ctx, key, data, c.config.TTL)
}

// Records returns the list under key. A missing key yields an empty list.
func (c *Client) Records(ctx context.Context, key string) ([]ledger.Record, error) {
	recs, _, err := c.load(ctx, key)
	return recs, err
}

// Append adds rec to the end of the list under key. A record whose id is
// already in the list is ignored and Append returns false. Records without
// an id are always appended.
func (c *Client) Append(ctx context.Context, key string, rec ledger.Record) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs, _, err := c.load(ctx, key)
	if err != nil {
		return false, err
	}

	filter := c.filterFor(key, recs)
	if rec.ID != 0 {
		id := strconv.FormatInt(rec.ID, 10)
		if filter.TestString(id) && contains(recs, rec.ID) {
			c.logger.Debug("skipping duplicate record", zap.String("key", key), zap.Int64("record_id", rec.ID))
			return false, nil
		}
	}

	if err := c.store(ctx, key, append(recs, rec)); err != nil {
		return false, err
	}
	if rec.ID != 0 {
		filter.AddString(strconv.FormatInt(rec.ID, 10))
	}
	return true, nil
}

// filterFor returns the duplicate filter of key, seeding it from recs the
// first time. Caller holds mu.
func (c *Client) filterFor(key string, recs []ledger.Record) *bloom.BloomFilter {
	if f, ok := c.filters[key]; ok {
		return f
	}
	f := bloom.NewWithEstimates(c.config.ExpectedRecords, c.config.FalsePositiveRate)
	for _, r := range recs {
		if r.ID != 0 {
			f.AddString(strconv.FormatInt(r.ID, 10))
		}
	}
	c.filters[key] = f
	return f
}

func contains(recs []ledger.Record, id int64) bool {
	for _, r := range recs {
		if r.ID == id {
			return true
		}
	}
	return false
}

// SetRecords replaces the list under key.
func (c *Client) SetRecords(ctx context.Context, key string, recs []ledger.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store(ctx, key, recs); err != nil {
		return err
	}
	delete(c.filters, key)
	return nil
}

// Reset removes the list under key.
func (c *Client) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.filters, key)
	return c.layer.Delete(ctx, key)
}

// Invalidate drops every list whose key equals prefix or extends it by whole
// segments, then notifies subscribers. Layers that cannot delete by prefix
// only lose the exact key.
func (c *Client) Invalidate(ctx context.Context, prefix string) (int, error) {
	c.mu.Lock()
	removed, err := c.deletePrefix(ctx, prefix)
	for key := range c.filters {
		if cache.HasKeyPrefix(key, prefix) {
			delete(c.filters, key)
		}
	}
	c.mu.Unlock()

	if err != nil {
		return removed, err
	}

	c.metrics.RecordInvalidate(prefix, removed)
	c.notify(Invalidation{Prefix: prefix, Removed: removed, At: time.Now()})
	return removed, nil
}

func (c *Client) deletePrefix(ctx context.Context, prefix string) (int, error) {
	if pd, ok := c.layer.(cache.PrefixDeleter); ok {
		removed, err := pd.DeletePrefix(ctx, prefix)
		if !errors.Is(err, cache.ErrUnsupported) {
			return removed, err
		}
	}

	if _, err := c.layer.Get(ctx, prefix); err != nil {
		if cache.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if err := c.layer.Delete(ctx, prefix); err != nil {
		return 0, err
	}
	return 1, nil
}

// Fetch returns the list under key, calling load on a miss and storing its
// result. Concurrent misses on one key share a single load.
func (c *Client) Fetch(ctx context.Context, key string, load Loader) ([]ledger.Record, error) {
	recs, ok, err := c.load(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrInvalidValue) {
		c.logger.Warn("cache read failed, loading from source", zap.String("key", key), zap.Error(err))
	}
	if ok {
		return recs, nil
	}

	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		recs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.SetRecords(ctx, key, recs); err != nil {
			c.logger.Warn("failed to cache loaded list", zap.String("key", key), zap.Error(err))
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}

	recs = v.([]ledger.Record)
	if shared {
		recs = append([]ledger.Record(nil), recs...)
	}
	return recs, nil
}

// RenderList returns the grouped render list of the records under key.
func (c *Client) RenderList(ctx context.Context, key string) ([]bucket.Entry, error) {
	recs, err := c.Records(ctx, key)
	if err != nil {
		return nil, err
	}
	return bucket.Group(recs), nil
}

// Close ends every subscription and closes the layer.
func (c *Client) Close() error {
	c.subMu.Lock()
	if c.closed {
		c.subMu.Unlock()
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		sub.close()
	}
	c.subs = nil
	c.subMu.Unlock()

	return c.layer.Close()
}
