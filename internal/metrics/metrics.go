// Package metrics exposes the pipeline's Prometheus instrumentation
// and a process-local stats collector snapshotted by the ops surface.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"auditcore/pkg/types"
)

var (
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_records_total",
			Help: "Records by admission outcome",
		},
		[]string{"outcome"}, // accepted, throttled, backpressured, invalid
	)

	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_buffer_records",
		Help: "Records currently buffered",
	})

	BufferMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_buffer_memory_bytes",
		Help: "Estimated bytes currently buffered",
	})

	BufferPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_buffer_paused",
		Help: "1 while the buffer is above its high watermark",
	})

	BatchesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_batches_dispatched_total",
			Help: "Batch dispatch attempts by result",
		},
		[]string{"result"}, // success, retry, dead_lettered
	)

	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_dlq_batches",
		Help: "Batches currently in the dead letter queue",
	})

	SinkWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditcore_sink_write_duration_seconds",
			Help:    "Sink write latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_sink_errors_total",
			Help: "Sink write errors",
		},
		[]string{"sink", "kind"}, // transient, permanent, circuit_open
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auditcore_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)

	PersistentQueueFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_persistent_queue_files",
		Help: "Batches waiting in the persistent queue directory",
	})

	RateLimitDeferred = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_ratelimit_deferred",
		Help: "High-severity records parked in the priority queue",
	})
)

// SetCircuitState maps a breaker state onto its gauge.
func SetCircuitState(breaker string, state types.CircuitState) {
	v := 0.0
	switch state {
	case types.CircuitHalfOpen:
		v = 1
	case types.CircuitOpen:
		v = 2
	}
	CircuitState.WithLabelValues(breaker).Set(v)
}

// Collector aggregates per-stage snapshots into the immutable
// PipelineStats report served by /stats. All updates take the mutex;
// Snapshot returns a copy.
type Collector struct {
	mutex sync.RWMutex

	accepted     int64
	rateLimited  int64
	backpressure int64
	invalid      int64
	sinkErrors   map[string]int64

	bufferStats    func() types.BufferStats
	limiterStats   func() types.RateLimiterStats
	sequencerStats func() types.SequencerStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{sinkErrors: make(map[string]int64)}
}

// Bind wires the per-stage snapshot sources. Nil sources are allowed.
func (c *Collector) Bind(
	buffer func() types.BufferStats,
	limiter func() types.RateLimiterStats,
	sequencer func() types.SequencerStats,
) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bufferStats = buffer
	c.limiterStats = limiter
	c.sequencerStats = sequencer
}

// RecordAccepted counts an admitted record.
func (c *Collector) RecordAccepted() {
	c.mutex.Lock()
	c.accepted++
	c.mutex.Unlock()
	RecordsTotal.WithLabelValues("accepted").Inc()
}

// RecordThrottled counts a rate-limited record.
func (c *Collector) RecordThrottled() {
	c.mutex.Lock()
	c.rateLimited++
	c.mutex.Unlock()
	RecordsTotal.WithLabelValues("throttled").Inc()
}

// RecordBackpressure counts a push rejected by the paused buffer.
func (c *Collector) RecordBackpressure() {
	c.mutex.Lock()
	c.backpressure++
	c.mutex.Unlock()
	RecordsTotal.WithLabelValues("backpressured").Inc()
}

// RecordInvalid counts a rejected malformed record.
func (c *Collector) RecordInvalid() {
	c.mutex.Lock()
	c.invalid++
	c.mutex.Unlock()
	RecordsTotal.WithLabelValues("invalid").Inc()
}

// RecordSinkError counts a sink failure by kind.
func (c *Collector) RecordSinkError(sink, kind string) {
	c.mutex.Lock()
	c.sinkErrors[sink]++
	c.mutex.Unlock()
	SinkErrorsTotal.WithLabelValues(sink, kind).Inc()
}

// Snapshot assembles an immutable stats report.
func (c *Collector) Snapshot() types.PipelineStats {
	c.mutex.RLock()
	stats := types.PipelineStats{
		Accepted:     c.accepted,
		RateLimited:  c.rateLimited,
		Backpressure: c.backpressure,
		Invalid:      c.invalid,
		SinkErrors:   make(map[string]int64, len(c.sinkErrors)),
		SnapshotAt:   time.Now(),
	}
	for k, v := range c.sinkErrors {
		stats.SinkErrors[k] = v
	}
	bufferStats := c.bufferStats
	limiterStats := c.limiterStats
	sequencerStats := c.sequencerStats
	c.mutex.RUnlock()

	if bufferStats != nil {
		stats.Buffer = bufferStats()
		BufferSize.Set(float64(stats.Buffer.Buffered))
		BufferMemoryBytes.Set(float64(stats.Buffer.MemoryUsage))
		if stats.Buffer.Paused {
			BufferPaused.Set(1)
		} else {
			BufferPaused.Set(0)
		}
	}
	if limiterStats != nil {
		stats.RateLimiter = limiterStats()
	}
	if sequencerStats != nil {
		stats.Sequencer = sequencerStats()
		DLQSize.Set(float64(stats.Sequencer.DLQSize))
	}
	return stats
}
