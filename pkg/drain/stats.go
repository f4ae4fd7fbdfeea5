package drain

import "errors"

// Stats is a snapshot of a Scheduler.
type Stats struct {
	// QueueDepth is the number of records waiting to be published.
	QueueDepth int `json:"queue_depth"`

	// Enqueued is the number of records accepted by Enqueue.
	Enqueued int64 `json:"enqueued"`

	// Published is the number of records handed to the publisher successfully.
	Published int64 `json:"published"`

	// Failed is the number of records dropped after MaxPublishAttempts.
	Failed int64 `json:"failed"`

	// Discarded is the number of queued records thrown away by Cancel.
	Discarded int64 `json:"discarded"`

	// Ticks is the number of timer firings handled, including the one that
	// found the queue empty and ended a cycle.
	Ticks int64 `json:"ticks"`

	Running   bool `json:"running"`
	Cancelled bool `json:"cancelled"`
}

var (
	// ErrSchedulerClosed is returned by Enqueue after Cancel.
	ErrSchedulerClosed = errors.New("drain: scheduler is closed")

	// ErrNoPublisher is returned by New when no publisher is given.
	ErrNoPublisher = errors.New("drain: publisher is required")
)
