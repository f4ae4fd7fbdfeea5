package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/rueidis"
	"go.uber.org/multierr"

	"github.com/BuddyLim/smartfi/pkg/api"
	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/cache/memory"
	"github.com/BuddyLim/smartfi/pkg/cache/redis"
	"github.com/BuddyLim/smartfi/pkg/chain"
	"github.com/BuddyLim/smartfi/pkg/drain"
	"github.com/BuddyLim/smartfi/pkg/metrics"
	metricsmemory "github.com/BuddyLim/smartfi/pkg/metrics/memory"
	metricsprom "github.com/BuddyLim/smartfi/pkg/metrics/prometheus"
	"github.com/BuddyLim/smartfi/pkg/query"
	"github.com/BuddyLim/smartfi/pkg/resilience"
	"github.com/BuddyLim/smartfi/pkg/session"
	"github.com/BuddyLim/smartfi/pkg/store/postgres"
	"github.com/BuddyLim/smartfi/pkg/stream"
	"github.com/BuddyLim/smartfi/pkg/stream/pubsub"
	"github.com/BuddyLim/smartfi/pkg/stream/sse"
	"github.com/BuddyLim/smartfi/pkg/upstream"
)

// app holds the components one command wires together.
type app struct {
	cfg      Config
	keys     cache.Keys
	metrics  metrics.MetricsCollector
	registry *prometheus.Registry
	feed     *query.Client
	upstream *upstream.Client
	redis    rueidis.Client

	closers []func() error
}

func newApp(ctx context.Context, cfg Config) (a *app, err error) {
	a = &app{cfg: cfg, keys: cache.NewKeys(cfg.Namespace)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	switch cfg.Metrics {
	case "prometheus":
		pc := metricsprom.NewPrometheusCollector("txstream")
		a.registry = prometheus.NewRegistry()
		if err := pc.Register(a.registry); err != nil {
			return a, fmt.Errorf("register metrics: %w", err)
		}
		a.metrics = pc
	default:
		a.metrics = metricsmemory.NewMemoryCollector()
	}

	layer, err := a.cacheLayer()
	if err != nil {
		return a, err
	}
	qc := cfg.Query
	qc.Metrics = a.metrics
	if qc.TTL == 0 {
		qc.TTL = cfg.Cache.TTL
	}
	a.feed = query.New(layer, qc)
	a.closers = append(a.closers, a.feed.Close)

	guardCfg := resilience.DefaultConfig("upstream").WithTimeout(cfg.Upstream.Timeout)
	guardCfg.Metrics = a.metrics
	a.upstream = upstream.NewClient(cfg.Upstream.BaseURL, resilience.NewGuard(guardCfg))
	return a, nil
}

func (a *app) redisClient() (rueidis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redis.NewClient(a.redisConfig())
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})
	return client, nil
}

func (a *app) redisConfig() redis.RedisCacheConfig {
	rc := redis.DefaultRedisCacheConfig()
	rc.Addr = a.cfg.Cache.RedisAddr
	rc.Password = a.cfg.Cache.RedisPassword
	rc.DB = a.cfg.Cache.RedisDB
	rc.KeyPrefix = a.cfg.Cache.RedisPrefix
	if a.cfg.Cache.TTL > 0 {
		rc.DefaultTTL = a.cfg.Cache.TTL
	}
	return rc
}

// cacheLayer builds the layer behind the feed. The feed closes it.
func (a *app) cacheLayer() (cache.CacheLayer, error) {
	mem := func() cache.CacheLayer {
		return memory.NewMemoryCache(memory.MemoryCacheConfig{
			Name:       "memory",
			MaxSize:    a.cfg.Cache.MaxEntries,
			DefaultTTL: a.cfg.Cache.TTL,
		})
	}

	switch a.cfg.Cache.Backend {
	case "redis", "chain":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		shared := redis.NewRedisCacheFromClient(client, a.redisConfig())
		if a.cfg.Cache.Backend == "redis" {
			rc := resilience.DefaultConfig(shared.Name())
			rc.Metrics = a.metrics
			return resilience.NewResilientLayer(shared, rc), nil
		}
		return chain.New(chain.Config{
			Name:    "feed",
			TTL:     chain.DecayingTTL{Factor: a.cfg.Cache.DecayFactor},
			WarmTTL: a.cfg.Cache.TTL,
			Metrics: a.metrics,
		}, mem(), shared)
	default:
		return mem(), nil
	}
}

func (a *app) transport() (stream.Transport, error) {
	var inner stream.Transport
	switch a.cfg.Transport {
	case "pubsub":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		inner = pubsub.NewTransport(client, a.cfg.Cache.ChannelPrefix)
	default:
		inner = &sse.Transport{BaseURL: a.cfg.Upstream.BaseURL}
	}

	gc := resilience.DefaultConfig("transport")
	gc.Metrics = a.metrics
	return resilience.NewTransport(inner, resilience.NewGuard(gc)), nil
}

// source returns where steady-state transaction lists are loaded from.
func (a *app) source(ctx context.Context) (api.TransactionSource, error) {
	if a.cfg.Source != "postgres" {
		return a.upstream, nil
	}
	src, err := postgres.Open(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, src.Close)
	return src, nil
}

func (a *app) sessions() (*session.Controller, error) {
	t, err := a.transport()
	if err != nil {
		return nil, err
	}
	ctrl, err := session.New(session.Config{
		UserID:  a.cfg.UserID,
		Drain:   a.cfg.Drain,
		Metrics: a.metrics,
	}, t, func(userID int64) drain.Publisher {
		return query.NewStreamPublisher(a.feed, a.keys, userID)
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctrl.Close()
		return nil
	})
	return ctrl, nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
