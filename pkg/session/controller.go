// Package session runs one ingestion episode at a time: it opens the job
// stream, decodes each payload into a record and hands it to the drain
// scheduler.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/drain"
	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
	"github.com/BuddyLim/smartfi/pkg/stream"
)

// State is the controller state.
type State string

const (
	Idle      State = "idle"
	Streaming State = "streaming"
)

var (
	// ErrEmptyJobID is returned by Start without a job id.
	ErrEmptyJobID = errors.New("session: empty job id")

	// ErrNoTransport is returned by New without a transport.
	ErrNoTransport = errors.New("session: transport is required")

	// ErrNoPublisher is returned by New without a publisher factory.
	ErrNoPublisher = errors.New("session: publisher factory is required")
)

// PublisherFactory builds the publisher a new scheduler drains into.
type PublisherFactory func(userID int64) drain.Publisher

// Config configures a Controller.
type Config struct {
	// UserID owns the records of every session.
	UserID int64 `mapstructure:"user_id"`

	// Drain paces publishing.
	Drain drain.Config `mapstructure:"drain"`

	Metrics metrics.MetricsCollector `mapstructure:"-"`
}

// Result describes a finished session.
type Result struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
	// Err is set for failed sessions.
	Err error `json:"-"`
	// Received counts decoded records handed to the scheduler.
	Received int `json:"received"`
	// Malformed counts payloads that could not be decoded.
	Malformed int           `json:"malformed"`
	Duration  time.Duration `json:"duration"`
}

// Status is a snapshot of the controller.
type Status struct {
	State     State       `json:"state"`
	JobID     string      `json:"job_id,omitempty"`
	Loading   bool        `json:"loading"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	Queue     drain.Stats `json:"queue"`
}

type session struct {
	jobID     string
	stream    stream.Stream
	scheduler *drain.Scheduler
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *logging.Logger

	// Guarded by Controller.mu.
	finished  bool
	received  int
	malformed int
}

// Controller drives sessions. It is Idle until Start and returns to Idle on
// done, on a transport error and on Cancel. Records queued by a session that
// ended with done or an error keep draining until the next Start or Cancel,
// which discard them.
type Controller struct {
	config       Config
	transport    stream.Transport
	newPublisher PublisherFactory
	metrics      metrics.MetricsCollector
	logger       *logging.Logger

	// startMu serialises Start so only one stream is ever open.
	startMu sync.Mutex

	mu        sync.Mutex
	active    *session
	last      *session
	scheduler *drain.Scheduler
	onFinish  []func(Result)
}

// New creates an idle controller.
func New(config Config, transport stream.Transport, newPublisher PublisherFactory) (*Controller, error) {
	if transport == nil {
		return nil, ErrNoTransport
	}
	if newPublisher == nil {
		return nil, ErrNoPublisher
	}
	if config.Drain.Metrics == nil {
		config.Drain.Metrics = config.Metrics
	}

	return &Controller{
		config:       config,
		transport:    transport,
		newPublisher: newPublisher,
		metrics:      metrics.OrNoOp(config.Metrics),
		logger:       logging.Global().Named("session").With(logging.UserID(config.UserID)),
	}, nil
}

// OnFinish registers fn to run after every session ends. Callbacks run on
// the goroutine that ended the session and must not call Start or Cancel.
func (c *Controller) OnFinish(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFinish = append(c.onFinish, fn)
}

// Start cancels any streaming session and discards records still queued,
// then opens the stream of jobID. The stream outlives ctx; only its values
// are kept.
func (c *Controller) Start(ctx context.Context, jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ErrEmptyJobID
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.Cancel()

	logger := c.logger.With(logging.JobID(jobID))
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s, err := c.transport.Open(sctx, jobID)
	if err != nil {
		cancel()
		logger.Warn("failed to open stream", zap.Error(err))
		c.report(Result{JobID: jobID, Outcome: metrics.OutcomeFailed, Err: err})
		return err
	}

	c.mu.Lock()
	scheduler := c.scheduler
	if scheduler == nil {
		scheduler, err = drain.New(c.newPublisher(c.config.UserID), c.config.Drain)
		if err != nil {
			c.mu.Unlock()
			cancel()
			s.Close()
			return err
		}
		c.scheduler = scheduler
	}
	sess := &session{
		jobID:     jobID,
		stream:    s,
		scheduler: scheduler,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger,
	}
	c.active = sess
	c.last = sess
	c.mu.Unlock()

	logger.Info("session started")
	go c.run(sctx, sess)
	return nil
}

func (c *Controller) run(ctx context.Context, sess *session) {
	defer close(sess.done)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sess.stream.Events():
			if !ok {
				c.finish(sess, metrics.OutcomeFailed, stream.ErrStreamEnded)
				return
			}
			switch e.Kind {
			case stream.EventOpen:
				sess.logger.Debug("stream open")
			case stream.EventError:
				c.finish(sess, metrics.OutcomeFailed, e.Err)
				return
			case stream.EventMessage:
				if e.Done() {
					c.finish(sess, metrics.OutcomeDone, nil)
					return
				}
				if !c.handle(sess, e.Data) {
					return
				}
			}
		}
	}
}

// handle decodes and enqueues one payload. It returns false once the
// scheduler no longer accepts records.
func (c *Controller) handle(sess *session, payload string) bool {
	rec, err := ledger.Decode(payload)
	if err != nil {
		c.metrics.RecordDecode(metrics.DecodeMalformed)
		sess.logger.Warn("skipping undecodable payload", zap.Int("length", len(payload)), zap.Error(err))
		c.mu.Lock()
		sess.malformed++
		c.mu.Unlock()
		return true
	}
	c.metrics.RecordDecode(metrics.DecodeOK)

	if err := sess.scheduler.Enqueue(rec); err != nil {
		return false
	}
	c.mu.Lock()
	sess.received++
	c.mu.Unlock()
	return true
}

// finish ends sess once. A cancelled session also discards its queue.
func (c *Controller) finish(sess *session, outcome string, err error) {
	c.mu.Lock()
	if sess.finished {
		c.mu.Unlock()
		return
	}
	sess.finished = true
	if c.active == sess {
		c.active = nil
	}
	if outcome == metrics.OutcomeCancelled && c.scheduler == sess.scheduler {
		c.scheduler = nil
	}
	result := Result{
		JobID:     sess.jobID,
		Outcome:   outcome,
		Err:       err,
		Received:  sess.received,
		Malformed: sess.malformed,
		Duration:  time.Since(sess.startedAt),
	}
	c.mu.Unlock()

	sess.cancel()
	if cerr := sess.stream.Close(); cerr != nil {
		sess.logger.Debug("stream close failed", zap.Error(cerr))
	}
	if outcome == metrics.OutcomeCancelled {
		sess.scheduler.Cancel()
	}

	switch outcome {
	case metrics.OutcomeFailed:
		sess.logger.Warn("session failed", zap.Int("received", result.Received), zap.Error(err))
	default:
		sess.logger.Info("session finished",
			zap.String("outcome", outcome),
			zap.Int("received", result.Received),
			zap.Int("malformed", result.Malformed),
			zap.Duration("duration", result.Duration),
		)
	}
	c.report(result)
}

func (c *Controller) report(result Result) {
	c.metrics.RecordSession(result.Outcome, result.Received, result.Duration)

	c.mu.Lock()
	callbacks := append([]func(Result){}, c.onFinish...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(result)
	}
}

// Cancel ends the streaming session, if any, and discards the queue, also
// when the session already ended and its records are still draining. No
// record is published after it returns. It is safe to call at any time and
// more than once.
func (c *Controller) Cancel() {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()

	if sess != nil {
		c.finish(sess, metrics.OutcomeCancelled, nil)
		<-sess.done
	}

	c.mu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()
	if scheduler != nil {
		scheduler.Cancel()
	}
}

// Close cancels the streaming session and stops any drain still running.
func (c *Controller) Close() {
	c.Cancel()
}

// Wait blocks until the latest session has ended and its queue has drained,
// or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	sess := c.last
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return sess.scheduler.Wait(ctx)
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	sess := c.active
	scheduler := c.scheduler
	c.mu.Unlock()

	st := Status{State: Idle}
	if scheduler != nil {
		st.Queue = scheduler.Stats()
	}
	if sess != nil {
		st.State = Streaming
		st.JobID = sess.jobID
		st.Loading = true
		st.StartedAt = sess.startedAt
	}
	return st
}
