// Package types defines the shared data model of the audit pipeline:
// log records, batches, the sink contract, and the stats structures
// snapshotted by the metrics layer.
package types

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log record. ERROR is numerically smallest
// (most severe) so threshold comparisons read level <= threshold.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Valid reports whether the level is a member of the enumeration.
func (l Level) Valid() bool {
	return l >= LevelError && l <= LevelDebug
}

// LogRecord is a single audit record. It is immutable after construction;
// downstream stages only read it. Sequence is assigned by the batch
// sequencer when the record's batch is flushed, not at creation.
type LogRecord struct {
	Level         Level                  `json:"level"`
	Module        string                 `json:"module"`
	Message       string                 `json:"message"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TraceID       string                 `json:"trace_id,omitempty"`
	SpanID        string                 `json:"span_id,omitempty"`
	ParentSpanID  string                 `json:"parent_span_id,omitempty"`
	Sequence      uint64                 `json:"sequence,omitempty"`
}

// NewLogRecord constructs a record and validates its required fields.
// The context map is used as-is; callers are expected to hand over a
// sanitized tree they no longer mutate.
func NewLogRecord(level Level, module, message string, context map[string]interface{}) (*LogRecord, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid level %d", int(level))
	}
	if strings.TrimSpace(module) == "" {
		return nil, fmt.Errorf("module must not be empty")
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message must not be empty")
	}
	return &LogRecord{
		Level:     level,
		Module:    module,
		Message:   message,
		Context:   context,
		Timestamp: time.Now(),
	}, nil
}

// DisplayString renders the record as a single human-readable line.
func (r *LogRecord) DisplayString() string {
	base := fmt.Sprintf("[%s] [%s] [%s]: %s",
		r.Timestamp.Format(time.RFC3339Nano), r.Module, r.Level.String(), r.Message)
	if len(r.Context) > 0 {
		return fmt.Sprintf("%s %v", base, r.Context)
	}
	return base
}

// WireObject returns a serialization-ready map of the record.
func (r *LogRecord) WireObject() map[string]interface{} {
	obj := map[string]interface{}{
		"level":     r.Level.String(),
		"module":    r.Module,
		"message":   r.Message,
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
	}
	if len(r.Context) > 0 {
		obj["context"] = r.Context
	}
	if r.CorrelationID != "" {
		obj["correlation_id"] = r.CorrelationID
	}
	if r.TraceID != "" {
		obj["trace_id"] = r.TraceID
	}
	if r.SpanID != "" {
		obj["span_id"] = r.SpanID
	}
	if r.ParentSpanID != "" {
		obj["parent_span_id"] = r.ParentSpanID
	}
	if r.Sequence != 0 {
		obj["sequence"] = r.Sequence
	}
	return obj
}

// BufferEntry is a record held in the adaptive buffer together with its
// byte-size estimate and a monotonically increasing track id.
type BufferEntry struct {
	Record       *LogRecord `json:"record"`
	SizeEstimate int        `json:"size_estimate"`
	TrackID      uint64     `json:"track_id"`
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchSuccess    BatchStatus = "success"
	BatchFailed     BatchStatus = "failed"
)

// Batch is the unit of work downstream of the buffer: an ordered set of
// entries tagged with a unique monotonically increasing sequence number.
// A batch is exclusively owned by the stage currently processing it.
type Batch struct {
	ID          string        `json:"id"`
	SequenceNum uint64        `json:"sequence_num"`
	Entries     []BufferEntry `json:"entries"`
	Status      BatchStatus   `json:"status"`
	RetryCount  int           `json:"retry_count"`
	CreatedAt   time.Time     `json:"created_at"`
	Forced      bool          `json:"forced,omitempty"`
}

// Records returns the batch entries' records in insertion order.
func (b *Batch) Records() []*LogRecord {
	records := make([]*LogRecord, len(b.Entries))
	for i := range b.Entries {
		records[i] = b.Entries[i].Record
	}
	return records
}

// Sink is the transport contract every delivery destination implements.
// Write must be idempotent at batch granularity: redelivery of a batch
// with an already-seen ID must not duplicate output.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch *Batch) error
	Start(ctx context.Context) error
	Stop() error
	IsHealthy() bool
}

// RequestContext carries correlation and trace identity for the task
// currently executing, as supplied by a ContextProvider.
type RequestContext struct {
	CorrelationID string
	TraceID       string
	SpanID        string
	UserID        string
}

// ContextProvider supplies request context at record-construction time.
// Errors from a provider are treated as missing fields, never raised.
type ContextProvider interface {
	Current(ctx context.Context) RequestContext
}

// Circuit breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerStats is a snapshot of a breaker's counters.
type CircuitBreakerStats struct {
	State         CircuitState `json:"state"`
	Failures      int64        `json:"failures"`
	Successes     int64        `json:"successes"`
	Requests      int64        `json:"requests"`
	LastFailure   time.Time    `json:"last_failure,omitempty"`
	LastSuccess   time.Time    `json:"last_success,omitempty"`
	NextRetryTime time.Time    `json:"next_retry_time,omitempty"`
}

// BufferStats is a snapshot of the adaptive buffer counters.
type BufferStats struct {
	Pushed             int64         `json:"pushed"`
	Flushed            int64         `json:"flushed"`
	FlushedBatches     int64         `json:"flushed_batches"`
	ForcedFlushes      int64         `json:"forced_flushes"`
	Rejected           int64         `json:"rejected"`
	Pauses             int64         `json:"pauses"`
	Resumes            int64         `json:"resumes"`
	SerializationFails int64         `json:"serialization_fails"`
	Buffered           int           `json:"buffered"`
	MemoryUsage        int64         `json:"memory_usage"`
	Paused             bool          `json:"paused"`
	LastFlushDuration  time.Duration `json:"last_flush_duration"`
	AvgFlushDuration   time.Duration `json:"avg_flush_duration"`
	Utilization        []float64     `json:"utilization,omitempty"`
}

// RateLimiterStats is a snapshot of admission-control counters.
type RateLimiterStats struct {
	Admitted        int64   `json:"admitted"`
	DeniedGlobal    int64   `json:"denied_global"`
	DeniedModule    int64   `json:"denied_module"`
	Deferred        int64   `json:"deferred"`
	DeferredDropped int64   `json:"deferred_dropped"`
	Drained         int64   `json:"drained"`
	ActiveBuckets   int     `json:"active_buckets"`
	EffectiveRate   float64 `json:"effective_rate"`
	LoadFactor      float64 `json:"load_factor"`
}

// SequencerStats is a snapshot of the batch sequencer counters.
type SequencerStats struct {
	Enqueued     int64  `json:"enqueued"`
	Dispatched   int64  `json:"dispatched"`
	Succeeded    int64  `json:"succeeded"`
	Retried      int64  `json:"retried"`
	DeadLettered int64  `json:"dead_lettered"`
	Pending      int    `json:"pending"`
	DLQSize      int    `json:"dlq_size"`
	NextSequence uint64 `json:"next_sequence"`
}

// PipelineStats aggregates per-stage snapshots for the ops surface.
type PipelineStats struct {
	Accepted     int64            `json:"accepted"`
	RateLimited  int64            `json:"rate_limited"`
	Backpressure int64            `json:"backpressure"`
	Invalid      int64            `json:"invalid"`
	Buffer       BufferStats      `json:"buffer"`
	RateLimiter  RateLimiterStats `json:"rate_limiter"`
	Sequencer    SequencerStats   `json:"sequencer"`
	SinkErrors   map[string]int64 `json:"sink_errors,omitempty"`
	SnapshotAt   time.Time        `json:"snapshot_at"`
}

// HealthStatus is the aggregate health report served by the ops server.
type HealthStatus struct {
	Status     string          `json:"status"` // healthy, degraded, unhealthy
	Components map[string]bool `json:"components"`
	Issues     []string        `json:"issues,omitempty"`
	CheckTime  time.Time       `json:"check_time"`
}
