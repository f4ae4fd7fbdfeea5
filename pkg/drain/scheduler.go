// Package drain paces decoded records into the feed cache. Records are queued
// as fast as the stream delivers them and published one per tick so the feed
// grows at a readable rate.
package drain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
)

// Publisher receives records in queue order.
type Publisher interface {
	Publish(ctx context.Context, rec ledger.Record) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, rec ledger.Record) error

func (f PublisherFunc) Publish(ctx context.Context, rec ledger.Record) error {
	return f(ctx, rec)
}

// Config configures a Scheduler.
type Config struct {
	// Name labels the queue in metrics and logs.
	// Default: "stream"
	Name string `mapstructure:"name"`

	// Interval is the pause between two publishes.
	// Default: 200ms
	Interval time.Duration `mapstructure:"interval"`

	// MaxPublishAttempts bounds how often the head record is retried before
	// it is dropped. This is the only way a record leaves the queue unpublished
	// other than Cancel; it keeps a dead cache from blocking the queue forever.
	// Dropped records are counted in Stats.Failed.
	// Default: 3
	MaxPublishAttempts int `mapstructure:"max_publish_attempts"`

	// PublishTimeout bounds a single Publish call.
	// Default: 5s
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	// Metrics receives queue measurements.
	// Default: metrics.NoOpCollector
	Metrics metrics.MetricsCollector `mapstructure:"-"`
}

// DefaultConfig returns the pacing used by the feed.
func DefaultConfig() Config {
	return Config{
		Name:               "stream",
		Interval:           200 * time.Millisecond,
		MaxPublishAttempts: 3,
		PublishTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxPublishAttempts <= 0 {
		c.MaxPublishAttempts = d.MaxPublishAttempts
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	c.Metrics = metrics.OrNoOp(c.Metrics)
	return c
}

// Scheduler is a FIFO of records drained by a ticker. A drain cycle starts
// with the first Enqueue on an idle scheduler and ends on the first tick that
// finds the queue empty. Cancel must not be called from inside Publish.
type Scheduler struct {
	publisher Publisher
	config    Config
	logger    *logging.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	stop       chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	queue    []ledger.Record
	attempts int
	running  bool
	closed   bool
	idle     chan struct{}

	enqueued  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
	ticks     atomic.Int64
}

// New creates an idle scheduler.
func New(publisher Publisher, config Config) (*Scheduler, error) {
	if publisher == nil {
		return nil, ErrNoPublisher
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		publisher:  publisher,
		config:     config,
		logger:     logging.Global().Named("drain").With(zap.String("queue", config.Name)),
		ctx:        ctx,
		cancelFunc: cancel,
		stop:       make(chan struct{}),
	}, nil
}

// Enqueue appends rec to the queue and starts a drain cycle if none is running.
func (s *Scheduler) Enqueue(rec ledger.Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.queue = append(s.queue, rec)
	depth := len(s.queue)
	start := !s.running
	if start {
		s.running = true
		s.idle = make(chan struct{})
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.enqueued.Add(1)
	s.config.Metrics.RecordEnqueue(s.config.Name)
	s.config.Metrics.RecordQueueDepth(s.config.Name, depth)

	if start {
		s.logger.Debug("drain cycle started")
		go s.drain()
	}
	return nil
}

func (s *Scheduler) drain() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.tick() {
				return
			}
		}
	}
}

// tick publishes at most one record. It returns false when the cycle is over.
func (s *Scheduler) tick() bool {
	s.ticks.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) == 0 {
		s.running = false
		s.signalIdle()
		s.mu.Unlock()
		s.logger.Debug("drain cycle finished")
		return false
	}
	rec := s.queue[0]
	s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.config.PublishTimeout)
	err := s.publisher.Publish(ctx, rec)
	cancel()
	s.config.Metrics.RecordPublish(s.config.Name, err == nil, time.Since(start))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if err != nil {
		s.attempts++
		if s.attempts < s.config.MaxPublishAttempts {
			s.logger.Warn("publish failed, retrying next tick",
				zap.Int64("record_id", rec.ID),
				zap.Int("attempt", s.attempts),
				zap.Error(err))
			return true
		}
		s.failed.Add(1)
		s.logger.Error("dropping record after repeated publish failures",
			zap.Int64("record_id", rec.ID),
			zap.Int("attempts", s.attempts),
			zap.Error(err))
	} else {
		s.published.Add(1)
	}

	s.queue[0] = ledger.Record{}
	s.queue = s.queue[1:]
	s.attempts = 0
	s.config.Metrics.RecordQueueDepth(s.config.Name, len(s.queue))
	return true
}

// signalIdle wakes Wait callers. Caller holds mu.
func (s *Scheduler) signalIdle() {
	if s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Wait blocks until the current drain cycle has emptied the queue, the
// scheduler is cancelled, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel discards the queue and stops the ticker. It waits for an in-flight
// publish, so no record is published after it returns. Calling it again is a
// no-op.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	discarded := len(s.queue)
	s.queue = nil
	s.running = false
	s.signalIdle()
	s.mu.Unlock()

	s.cancelFunc()
	close(s.stop)
	s.wg.Wait()

	s.discarded.Add(int64(discarded))
	if discarded > 0 {
		s.config.Metrics.RecordDiscarded(s.config.Name, discarded)
	}
	s.config.Metrics.RecordQueueDepth(s.config.Name, 0)
	s.logger.Debug("scheduler cancelled", zap.Int("discarded", discarded))
}

// Running reports whether a drain cycle is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Len returns the number of queued records.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	depth, running, closed := len(s.queue), s.running, s.closed
	s.mu.Unlock()

	return Stats{
		QueueDepth: depth,
		Enqueued:   s.enqueued.Load(),
		Published:  s.published.Load(),
		Failed:     s.failed.Load(),
		Discarded:  s.discarded.Load(),
		Ticks:      s.ticks.Load(),
		Running:    running,
		Cancelled:  closed,
	}
}
