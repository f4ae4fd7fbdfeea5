package memory

import (
	"sync"
	"time"

	"github.com/BuddyLim/smartfi/pkg/metrics"
)

// MemoryCollector keeps every measurement in memory. It backs tests and the
// JSON metrics endpoint.
type MemoryCollector struct {
	mu sync.RWMutex

	layers   map[string]*LayerMetrics
	queues   map[string]*QueueMetrics
	circuits map[string]*CircuitMetrics
	sessions map[string]*SessionMetrics

	invalidations map[string]int64
	decodes       map[string]int64
}

// LayerMetrics holds feed cache metrics for one layer.
type LayerMetrics struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`

	GetLatencies []time.Duration `json:"-"`
	SetLatencies []time.Duration `json:"-"`
}

// QueueMetrics holds drain scheduler metrics for one queue.
type QueueMetrics struct {
	Depth         int   `json:"depth"`
	MaxDepth      int   `json:"max_depth"`
	Enqueued      int64 `json:"enqueued"`
	Published     int64 `json:"published"`
	PublishErrors int64 `json:"publish_errors"`
	Discarded     int64 `json:"discarded"`

	PublishLatencies []time.Duration `json:"-"`
}

// CircuitMetrics holds the breaker state of one guarded dependency.
type CircuitMetrics struct {
	State metrics.CircuitState `json:"state"`
	Opens int64                `json:"opens"`
}

// SessionMetrics aggregates finished sessions with one outcome.
type SessionMetrics struct {
	Count         int64         `json:"count"`
	Records       int64         `json:"records"`
	TotalDuration time.Duration `json:"total_duration"`
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.reset()
	return mc
}

func (mc *MemoryCollector) reset() {
	mc.layers = make(map[string]*LayerMetrics)
	mc.queues = make(map[string]*QueueMetrics)
	mc.circuits = make(map[string]*CircuitMetrics)
	mc.sessions = make(map[string]*SessionMetrics)
	mc.invalidations = make(map[string]int64)
	mc.decodes = make(map[string]int64)
}

// layer returns the metrics of name. Caller holds mu.
func (mc *MemoryCollector) layer(name string) *LayerMetrics {
	lm, ok := mc.layers[name]
	if !ok {
		lm = &LayerMetrics{}
		mc.layers[name] = lm
	}
	return lm
}

// queue returns the metrics of name. Caller holds mu.
func (mc *MemoryCollector) queue(name string) *QueueMetrics {
	qm, ok := mc.queues[name]
	if !ok {
		qm = &QueueMetrics{}
		mc.queues[name] = qm
	}
	return qm
}

func (mc *MemoryCollector) RecordGet(layer string, hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	if hit {
		lm.Hits++
	} else {
		lm.Misses++
	}
	lm.GetLatencies = append(lm.GetLatencies, duration)
}

func (mc *MemoryCollector) RecordSet(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Sets++
	if !success {
		lm.Errors++
	}
	lm.SetLatencies = append(lm.SetLatencies, duration)
}

func (mc *MemoryCollector) RecordDelete(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Deletes++
	if !success {
		lm.Errors++
	}
}

func (mc *MemoryCollector) RecordInvalidate(prefix string, removed int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.invalidations[prefix]++
}

// RecordCircuitState counts transitions into the open state.
func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	cm, ok := mc.circuits[name]
	if !ok {
		cm = &CircuitMetrics{}
		mc.circuits[name] = cm
	}
	if cm.State != metrics.CircuitOpen && state == metrics.CircuitOpen {
		cm.Opens++
	}
	cm.State = state
}

func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	qm := mc.queue(queue)
	qm.Depth = depth
	if depth > qm.MaxDepth {
		qm.MaxDepth = depth
	}
}

func (mc *MemoryCollector) RecordEnqueue(queue string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Enqueued++
}

func (mc *MemoryCollector) RecordPublish(queue string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	qm := mc.queue(queue)
	if success {
		qm.Published++
	} else {
		qm.PublishErrors++
	}
	qm.PublishLatencies = append(qm.PublishLatencies, duration)
}

func (mc *MemoryCollector) RecordDiscarded(queue string, count int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Discarded += int64(count)
}

func (mc *MemoryCollector) RecordSession(outcome string, received int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm, ok := mc.sessions[outcome]
	if !ok {
		sm = &SessionMetrics{}
		mc.sessions[outcome] = sm
	}
	sm.Count++
	sm.Records += int64(received)
	sm.TotalDuration += duration
}

func (mc *MemoryCollector) RecordDecode(status string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.decodes[status]++
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Layers        map[string]LayerMetrics   `json:"layers"`
	Queues        map[string]QueueMetrics   `json:"queues"`
	Circuits      map[string]CircuitMetrics `json:"circuits"`
	Sessions      map[string]SessionMetrics `json:"sessions"`
	Invalidations map[string]int64          `json:"invalidations"`
	Decodes       map[string]int64          `json:"decodes"`
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Snapshot{
		Layers:        make(map[string]LayerMetrics, len(mc.layers)),
		Queues:        make(map[string]QueueMetrics, len(mc.queues)),
		Circuits:      make(map[string]CircuitMetrics, len(mc.circuits)),
		Sessions:      make(map[string]SessionMetrics, len(mc.sessions)),
		Invalidations: make(map[string]int64, len(mc.invalidations)),
		Decodes:       make(map[string]int64, len(mc.decodes)),
	}
	for k, v := range mc.layers {
		s.Layers[k] = *v
	}
	for k, v := range mc.queues {
		s.Queues[k] = *v
	}
	for k, v := range mc.circuits {
		s.Circuits[k] = *v
	}
	for k, v := range mc.sessions {
		s.Sessions[k] = *v
	}
	for k, v := range mc.invalidations {
		s.Invalidations[k] = v
	}
	for k, v := range mc.decodes {
		s.Decodes[k] = v
	}
	return s
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reset()
}

// Queue returns a copy of the metrics of one queue, or nil.
func (mc *MemoryCollector) Queue(name string) *QueueMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if qm, ok := mc.queues[name]; ok {
		cp := *qm
		return &cp
	}
	return nil
}

// Layer returns a copy of the metrics of one cache layer, or nil.
func (mc *MemoryCollector) Layer(name string) *LayerMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if lm, ok := mc.layers[name]; ok {
		cp := *lm
		return &cp
	}
	return nil
}
