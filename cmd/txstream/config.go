package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/BuddyLim/smartfi/pkg/api"
	"github.com/BuddyLim/smartfi/pkg/drain"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/query"
	"github.com/BuddyLim/smartfi/pkg/store/postgres"
)

// Config is the txstream.yaml layout. Every key can be overridden with a
// TXSTREAM_ environment variable, dots replaced by underscores.
type Config struct {
	UserID    int64  `mapstructure:"user_id"`
	Namespace string `mapstructure:"namespace"`

	// Transport is sse or pubsub.
	Transport string `mapstructure:"transport"`
	// Source is upstream or postgres.
	Source string `mapstructure:"source"`
	// Metrics is memory or prometheus.
	Metrics string `mapstructure:"metrics"`

	Logging  logging.Config   `mapstructure:"logging"`
	Upstream UpstreamConfig   `mapstructure:"upstream"`
	Cache    CacheConfig      `mapstructure:"cache"`
	Query    query.Config     `mapstructure:"query"`
	Drain    drain.Config     `mapstructure:"drain"`
	Postgres postgres.Config  `mapstructure:"postgres"`
	API      api.ServerConfig `mapstructure:"api"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	// Backend is memory, redis or chain (memory in front of redis).
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	// DecayFactor shortens the memory TTL of the chain backend.
	DecayFactor float64 `mapstructure:"decay_factor"`

	ChannelPrefix string `mapstructure:"channel_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_id", 1)
	v.SetDefault("transport", "sse")
	v.SetDefault("source", "upstream")
	v.SetDefault("metrics", "memory")

	v.SetDefault("upstream.base_url", "http://localhost:8000")
	v.SetDefault("upstream.timeout", 5*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_prefix", "smartfi:")
	v.SetDefault("cache.decay_factor", 0.5)

	d := drain.DefaultConfig()
	v.SetDefault("drain.name", d.Name)
	v.SetDefault("drain.interval", d.Interval)
	v.SetDefault("drain.max_publish_attempts", d.MaxPublishAttempts)
	v.SetDefault("drain.publish_timeout", d.PublishTimeout)

	pg := postgres.DefaultConfig()
	v.SetDefault("postgres.host", pg.Host)
	v.SetDefault("postgres.port", pg.Port)
	v.SetDefault("postgres.user", pg.User)
	v.SetDefault("postgres.password", pg.Password)
	v.SetDefault("postgres.database", pg.Database)
	v.SetDefault("postgres.sslmode", pg.SSLMode)
	v.SetDefault("postgres.max_open_conns", pg.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", pg.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", pg.ConnMaxLifetime)

	srv := api.DefaultServerConfig()
	v.SetDefault("api.address", srv.Address)
	v.SetDefault("api.read_timeout", srv.ReadTimeout)
	v.SetDefault("api.write_timeout", srv.WriteTimeout)
	v.SetDefault("api.idle_timeout", srv.IdleTimeout)
	v.SetDefault("api.request_timeout", srv.RequestTimeout)

	lg := logging.DefaultConfig()
	v.SetDefault("logging.level", lg.Level)
	v.SetDefault("logging.format", lg.Format)
}

// loadConfig decodes v and checks the enumerated settings.
func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.API.UserID == 0 {
		cfg.API.UserID = cfg.UserID
	}

	checks := []struct {
		key, value string
		allowed    []string
	}{
		{"transport", cfg.Transport, []string{"sse", "pubsub"}},
		{"source", cfg.Source, []string{"upstream", "postgres"}},
		{"metrics", cfg.Metrics, []string{"memory", "prometheus"}},
		{"cache.backend", cfg.Cache.Backend, []string{"memory", "redis", "chain"}},
	}
	for _, c := range checks {
		if !oneOf(c.value, c.allowed) {
			return Config{}, fmt.Errorf("invalid %s %q (want one of %v)", c.key, c.value, c.allowed)
		}
	}
	return cfg, nil
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
