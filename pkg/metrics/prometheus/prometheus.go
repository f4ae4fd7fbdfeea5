package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BuddyLim/smartfi/pkg/metrics"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Feed cache
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheSets     *prometheus.CounterVec
	cacheDeletes  *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	invalidated   *prometheus.CounterVec
	getLatency    *prometheus.HistogramVec
	setLatency    *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Drain scheduler
	queueDepth     *prometheus.GaugeVec
	enqueued       *prometheus.CounterVec
	published      *prometheus.CounterVec
	discarded      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec

	// Stream sessions
	sessions        *prometheus.CounterVec
	sessionRecords  *prometheus.HistogramVec
	sessionDuration *prometheus.HistogramVec
	decodes         *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latency := prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~3s

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	return &PrometheusCollector{
		namespace:     namespace,
		cacheHits:     counter("cache_hits_total", "Total number of feed cache hits per layer", "layer"),
		cacheMisses:   counter("cache_misses_total", "Total number of feed cache misses per layer", "layer"),
		cacheSets:     counter("cache_sets_total", "Total number of feed cache writes per layer", "layer"),
		cacheDeletes:  counter("cache_deletes_total", "Total number of feed cache deletes per layer", "layer"),
		cacheErrors:   counter("cache_errors_total", "Total number of feed cache errors per layer and operation", "layer", "operation"),
		invalidations: counter("invalidations_total", "Total number of invalidation signals per key family", "prefix"),
		invalidated:   counter("invalidated_keys_total", "Total number of keys removed by invalidation per key family", "prefix"),
		getLatency:    histogram("get_duration_seconds", "Feed cache read latency", latency, "layer"),
		setLatency:    histogram("set_duration_seconds", "Feed cache write latency", latency, "layer"),

		circuitOpens: counter("circuit_opens_total", "Total number of circuit breaker opens", "name"),
		circuitState: gauge("circuit_state", "Current circuit breaker state (0=closed, 1=open, 2=half-open)", "name"),

		queueDepth:     gauge("queue_depth", "Records waiting in the ingestion queue", "queue"),
		enqueued:       counter("enqueued_total", "Total number of records enqueued", "queue"),
		published:      counter("published_total", "Total number of publish attempts by status", "queue", "status"),
		discarded:      counter("discarded_total", "Total number of queued records discarded by cancellation", "queue"),
		publishLatency: histogram("publish_duration_seconds", "Latency of publishing one record to the feed", latency, "queue"),

		sessions:        counter("sessions_total", "Total number of finished stream sessions by outcome", "outcome"),
		sessionRecords:  histogram("session_records", "Records received per stream session", prometheus.ExponentialBuckets(1, 2, 10), "outcome"),
		sessionDuration: histogram("session_duration_seconds", "Stream session duration", prometheus.ExponentialBuckets(0.1, 2, 12), "outcome"),
		decodes:         counter("decodes_total", "Total number of decoded stream payloads by status", "status"),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		pc.cacheHits,
		pc.cacheMisses,
		pc.cacheSets,
		pc.cacheDeletes,
		pc.cacheErrors,
		pc.invalidations,
		pc.invalidated,
		pc.getLatency,
		pc.setLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.queueDepth,
		pc.enqueued,
		pc.published,
		pc.discarded,
		pc.publishLatency,
		pc.sessions,
		pc.sessionRecords,
		pc.sessionDuration,
		pc.decodes,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func (pc *PrometheusCollector) RecordGet(layer string, hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.WithLabelValues(layer).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(layer).Inc()
	}
	pc.getLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordSet(layer string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "set").Inc()
	}
	pc.setLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordDelete(layer string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "delete").Inc()
	}
}

func (pc *PrometheusCollector) RecordInvalidate(prefix string, removed int) {
	pc.invalidations.WithLabelValues(prefix).Inc()
	pc.invalidated.WithLabelValues(prefix).Add(float64(removed))
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (pc *PrometheusCollector) RecordEnqueue(queue string) {
	pc.enqueued.WithLabelValues(queue).Inc()
}

func (pc *PrometheusCollector) RecordPublish(queue string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.published.WithLabelValues(queue, status).Inc()
	pc.publishLatency.WithLabelValues(queue).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordDiscarded(queue string, count int) {
	pc.discarded.WithLabelValues(queue).Add(float64(count))
}

func (pc *PrometheusCollector) RecordSession(outcome string, received int, duration time.Duration) {
	pc.sessions.WithLabelValues(outcome).Inc()
	pc.sessionRecords.WithLabelValues(outcome).Observe(float64(received))
	pc.sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordDecode(status string) {
	pc.decodes.WithLabelValues(status).Inc()
}
