package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/BuddyLim/smartfi/pkg/cache"
)

// RedisCache is a CacheLayer backed by Redis. It lets several processes
// share one feed.
type RedisCache struct {
	client rueidis.Client
	owned  bool
	config RedisCacheConfig
}

type RedisCacheConfig struct {
	Name string
	// Addr is the Redis server address for single node mode.
	// Example: "localhost:6379"
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number. Cluster mode only supports 0.
	DB          int
	KeyPrefix   string
	DefaultTTL  time.Duration
	DialTimeout time.Duration
	// WriteTimeout bounds a single connection write.
	WriteTimeout time.Duration
	// SentinelAddrs enables sentinel mode when set.
	SentinelAddrs     []string
	SentinelMasterSet string
	SentinelUsername  string
	SentinelPassword  string
}

func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "smartfi:",
		DefaultTTL:   time.Hour,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient builds a rueidis client from config and checks it with PING.
func NewClient(config RedisCacheConfig) (rueidis.Client, error) {
	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	opts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		opts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return client, nil
}

// NewRedisCache connects to Redis and returns a layer that owns the client.
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	r := NewRedisCacheFromClient(client, config)
	r.owned = true
	return r, nil
}

// NewRedisCacheFromClient wraps an existing client. Close leaves the client open.
func NewRedisCacheFromClient(client rueidis.Client, config RedisCacheConfig) *RedisCache {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = time.Hour
	}
	return &RedisCache{client: client, config: config}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	resp := r.client.Do(ctx, r.client.B().Get().Key(r.config.KeyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}
	return data, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		return cache.ErrInvalidValue
	}
	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}

	cmd := r.client.B().Set().Key(r.config.KeyPrefix + key).Value(rueidis.BinaryString(value)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	if err := r.client.Do(ctx, r.client.B().Del().Key(r.config.KeyPrefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys returns the keys under prefix without the configured KeyPrefix.
func (r *RedisCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp := r.client.Do(ctx, r.client.B().Keys().Pattern(r.config.KeyPrefix+prefix+"*").Build())
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}

	raw, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("redis keys: failed to read response: %w", err)
	}

	prefixLen := len(r.config.KeyPrefix)
	keys := make([]string, 0, len(raw))
	for _, full := range raw {
		if len(full) < prefixLen {
			continue
		}
		if key := full[prefixLen:]; cache.HasKeyPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeletePrefix removes every key under prefix.
func (r *RedisCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.config.KeyPrefix + key
	}

	removed, err := r.client.Do(ctx, r.client.B().Del().Key(full...).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis delete prefix: %w", err)
	}
	return int(removed), nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisCache) Name() string {
	return r.config.Name
}

func (r *RedisCache) Close() error {
	if r.owned {
		r.client.Close()
	}
	return nil
}
