package resilience

import (
	"time"

	"github.com/BuddyLim/smartfi/pkg/metrics"
)

// Config configures a Guard.
type Config struct {
	// Name labels the breaker in logs and metrics.
	Name string `mapstructure:"name"`

	// Timeout bounds each call made through Guard.Do. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`

	// CircuitBreaker configures the breaker behaviour
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// IsSuccessful decides whether an error counts against the breaker.
	// Default: only nil and context.Canceled are successes
	IsSuccessful func(err error) bool `mapstructure:"-"`

	// Metrics receives breaker state changes.
	Metrics metrics.MetricsCollector `mapstructure:"-"`
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 1
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 10s
	Timeout time.Duration `mapstructure:"timeout"`

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool `mapstructure:"-"`
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// ConsecutiveFailures returns a ReadyToTrip that trips after n failures in a row.
func ConsecutiveFailures(n uint32) func(Counts) bool {
	return func(counts Counts) bool {
		return counts.ConsecutiveFailures >= n
	}
}

// DefaultConfig returns the settings used for the upstream and the feed cache.
func DefaultConfig(name string) Config {
	return Config{
		Name:    name,
		Timeout: 5 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: ConsecutiveFailures(5),
		},
	}
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c Config) WithCircuitBreakerTimeout(timeout time.Duration) Config {
	c.CircuitBreaker.Timeout = timeout
	return c
}
