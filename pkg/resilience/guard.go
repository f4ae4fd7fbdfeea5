// Package resilience puts a circuit breaker and a deadline in front of the
// feed cache, the stream transport and the upstream API.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("resilience: circuit breaker open")

	// ErrTimeout is returned when a call outlives Config.Timeout.
	ErrTimeout = errors.New("resilience: operation timeout")
)

// Guard runs calls through a gobreaker circuit breaker.
type Guard struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewGuard creates a guard from config.
func NewGuard(config Config) *Guard {
	if config.Name == "" {
		config.Name = "guard"
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	g := &Guard{
		name:    config.Name,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logging.Global().Named("resilience").Named(config.Name),
	}

	cbConfig := config.CircuitBreaker
	settings := gobreaker.Settings{
		Name:         config.Name,
		MaxRequests:  cbConfig.MaxRequests,
		Interval:     cbConfig.Interval,
		Timeout:      cbConfig.Timeout,
		IsSuccessful: config.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cbConfig.ReadyToTrip != nil {
				return cbConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			g.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}
	g.cb = gobreaker.NewCircuitBreaker(settings)

	return g
}

func defaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

func (g *Guard) Name() string {
	return g.name
}

// State returns the current breaker state.
func (g *Guard) State() metrics.CircuitState {
	return toCircuitState(g.cb.State())
}

// Do runs fn with the guard's deadline applied to ctx. A rejected call
// returns ErrCircuitOpen; a call that ran past the deadline returns
// ErrTimeout. Other errors from fn are returned unchanged.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	parent := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := g.execute(func() error { return fn(ctx) })
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return err
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		g.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.Duration("timeout", g.timeout),
			zap.Duration("elapsed", time.Since(start)),
		)
		return ErrTimeout
	}
	return err
}

// Run runs fn through the breaker without a deadline. It suits calls whose
// context must outlive the call, such as opening a stream.
func (g *Guard) Run(op string, fn func() error) error {
	err := g.execute(fn)
	if errors.Is(err, ErrCircuitOpen) {
		g.logger.Debug("call rejected", zap.String("operation", op))
	}
	return err
}

func (g *Guard) execute(fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.Warn("circuit breaker open - request rejected")
		return ErrCircuitOpen
	}
	return err
}
