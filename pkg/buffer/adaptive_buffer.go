// Package buffer implements the adaptive record buffer between
// admission and batching: bounded by count and bytes, watermark-driven
// pause/resume, and flushing through a single dedicated worker so
// producers never block on downstream I/O.
package buffer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

const (
	// urgentFlushDelay is the shortened timer armed when the buffer
	// crosses the high watermark.
	urgentFlushDelay = 100 * time.Millisecond

	// defaultSizeEstimate substitutes for records that fail to
	// serialize during size estimation.
	defaultSizeEstimate = 100

	// maxSizeEstimate caps the per-record byte estimate.
	maxSizeEstimate = 1024

	// utilizationSamples is the ring size of recorded fill fractions.
	utilizationSamples = 32
)

// FlushFunc receives each batch leaving the buffer. It is always
// invoked from the buffer's flush worker, never from a producer.
type FlushFunc func(*types.Batch) error

// Config configures the adaptive buffer.
type Config struct {
	MaxCount      int           `yaml:"max_count"`
	MaxBytes      int64         `yaml:"max_bytes"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	HighFraction  float64       `yaml:"high_fraction"`
	LowFraction   float64       `yaml:"low_fraction"`
}

// Validate checks the watermark ordering invariant.
func (c Config) Validate() error {
	if c.LowFraction <= 0 || c.HighFraction >= 1 || c.LowFraction >= c.HighFraction {
		return apperrors.ConfigError("buffer", "validate",
			"watermarks must satisfy 0 < low_fraction < high_fraction < 1")
	}
	return nil
}

type flushRequest struct {
	forced *types.Batch // pre-evicted batch, nil means snapshot-now
	done   chan error
}

// AdaptiveBuffer is a bounded record buffer with high/low watermark
// backpressure. Push and flush are serialized by a single mutex; flush
// callbacks run on one dedicated worker goroutine in push order.
type AdaptiveBuffer struct {
	config  Config
	logger  *logrus.Logger
	onFlush FlushFunc

	mutex       sync.Mutex
	entries     []types.BufferEntry
	memoryUsage int64
	paused      bool
	closed      bool
	trackSeq    uint64
	timer       *time.Timer
	timerArmed  bool

	drainWaiters []chan struct{}
	onDrain      []func()

	flushCh  chan flushRequest
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	stats       types.BufferStats
	utilization []float64
	utilIndex   int
	flushTotal  time.Duration
}

// New creates and starts an AdaptiveBuffer. onFlush receives every
// batch leaving the buffer, including forced-eviction batches.
func New(config Config, onFlush FlushFunc, logger *logrus.Logger) (*AdaptiveBuffer, error) {
	if config.MaxCount <= 0 {
		config.MaxCount = 1000
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 5 * 1024 * 1024
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.HighFraction == 0 {
		config.HighFraction = 0.8
	}
	if config.LowFraction == 0 {
		config.LowFraction = 0.3
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &AdaptiveBuffer{
		config:      config,
		logger:      logger,
		onFlush:     onFlush,
		entries:     make([]types.BufferEntry, 0, config.MaxCount),
		flushCh:     make(chan flushRequest, 64),
		stopCh:      make(chan struct{}),
		utilization: make([]float64, 0, utilizationSamples),
	}

	b.workerWg.Add(1)
	go b.flushWorker()
	return b, nil
}

// Push appends a record. It returns false under backpressure (buffer
// full while paused); the caller may wait on AwaitDrain. Push never
// performs I/O: forced evictions are handed to the flush worker.
func (b *AdaptiveBuffer) Push(record *types.LogRecord) (bool, error) {
	b.mutex.Lock()

	if b.closed {
		b.mutex.Unlock()
		return false, apperrors.BufferClosedError("push")
	}

	if b.fullLocked() {
		if b.paused {
			b.stats.Rejected++
			b.mutex.Unlock()
			return false, nil
		}
		// Evict the oldest quarter into a forced flush; never a
		// silent drop.
		forced := b.evictOldestLocked()
		b.stats.ForcedFlushes++
		b.mutex.Unlock()
		b.flushCh <- flushRequest{forced: forced}
		b.mutex.Lock()
	}

	size, ok := estimateSize(record)
	if !ok {
		b.stats.SerializationFails++
	}
	entry := types.BufferEntry{
		Record:       record,
		SizeEstimate: size,
		TrackID:      b.nextTrackLocked(),
	}
	b.entries = append(b.entries, entry)
	b.memoryUsage += int64(entry.SizeEstimate)
	b.stats.Pushed++

	urgent := false
	if b.fillFractionLocked() > b.config.HighFraction && !b.paused {
		b.paused = true
		b.stats.Pauses++
		urgent = true
	}

	if urgent {
		b.armTimerLocked(urgentFlushDelay)
	} else if !b.timerArmed {
		b.armTimerLocked(b.config.FlushInterval)
	}
	b.mutex.Unlock()
	return true, nil
}

// Flush synchronously drains the current buffer contents through the
// flush worker and waits for the callback to complete.
func (b *AdaptiveBuffer) Flush(ctx context.Context) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return apperrors.BufferClosedError("flush")
	}
	b.mutex.Unlock()

	req := flushRequest{done: make(chan error, 1)}
	select {
	case b.flushCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peek returns a copy of the buffered entries without mutating state.
func (b *AdaptiveBuffer) Peek() []types.BufferEntry {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]types.BufferEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear discards all buffered entries without flushing them.
func (b *AdaptiveBuffer) Clear() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	n := len(b.entries)
	b.entries = b.entries[:0]
	b.memoryUsage = 0
	return n
}

// Len returns the number of buffered entries.
func (b *AdaptiveBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.entries)
}

// Paused reports whether the buffer is above the high watermark.
func (b *AdaptiveBuffer) Paused() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.paused
}

// OnDrain registers a callback fired once on the next resume
// transition (paused -> not paused).
func (b *AdaptiveBuffer) OnDrain(fn func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onDrain = append(b.onDrain, fn)
}

// AwaitDrain blocks until the buffer resumes, the buffer is not
// paused, or the context expires.
func (b *AdaptiveBuffer) AwaitDrain(ctx context.Context) error {
	b.mutex.Lock()
	if !b.paused || b.closed {
		b.mutex.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.drainWaiters = append(b.drainWaiters, ch)
	b.mutex.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy runs a final flush, stops the worker and timer, and rejects
// all subsequent operations.
func (b *AdaptiveBuffer) Destroy(ctx context.Context) error {
	flushErr := b.Flush(ctx)

	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return flushErr
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	for _, ch := range b.drainWaiters {
		close(ch)
	}
	b.drainWaiters = nil
	b.mutex.Unlock()

	close(b.stopCh)
	b.workerWg.Wait()
	return flushErr
}

// GetStats returns a snapshot of the buffer counters.
func (b *AdaptiveBuffer) GetStats() types.BufferStats {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	stats := b.stats
	stats.Buffered = len(b.entries)
	stats.MemoryUsage = b.memoryUsage
	stats.Paused = b.paused
	stats.Utilization = append([]float64(nil), b.utilization...)
	if stats.FlushedBatches > 0 {
		stats.AvgFlushDuration = b.flushTotal / time.Duration(stats.FlushedBatches)
	}
	return stats
}

// FillFraction returns the current fill level in [0,1], the larger of
// the count and byte fractions.
func (b *AdaptiveBuffer) FillFraction() float64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.fillFractionLocked()
}

func (b *AdaptiveBuffer) flushWorker() {
	defer b.workerWg.Done()
	for {
		select {
		case req := <-b.flushCh:
			b.handleFlush(req)
		case <-b.stopCh:
			// Drain remaining requests before exiting.
			for {
				select {
				case req := <-b.flushCh:
					b.handleFlush(req)
				default:
					return
				}
			}
		}
	}
}

func (b *AdaptiveBuffer) handleFlush(req flushRequest) {
	var err error
	if req.forced != nil {
		err = b.dispatchBatch(req.forced)
	} else {
		err = b.flushSnapshot()
	}
	if req.done != nil {
		req.done <- err
	}
}

// flushSnapshot atomically empties the buffer into a batch and runs the
// flush callback outside the mutex.
func (b *AdaptiveBuffer) flushSnapshot() error {
	b.mutex.Lock()
	if len(b.entries) == 0 {
		b.resumeIfDrainedLocked()
		b.mutex.Unlock()
		return nil
	}
	b.recordUtilizationLocked()
	entries := b.entries
	b.entries = make([]types.BufferEntry, 0, b.config.MaxCount)
	b.memoryUsage = 0
	b.timerArmed = false
	b.mutex.Unlock()

	return b.dispatchBatch(b.newBatch(entries, false))
}

func (b *AdaptiveBuffer) dispatchBatch(batch *types.Batch) error {
	start := time.Now()
	err := b.onFlush(batch)
	elapsed := time.Since(start)

	b.mutex.Lock()
	b.stats.FlushedBatches++
	b.stats.Flushed += int64(len(batch.Entries))
	b.stats.LastFlushDuration = elapsed
	b.flushTotal += elapsed
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"batch_id": batch.ID,
			"records":  len(batch.Entries),
			"error":    err,
		}).Warn("Buffer flush callback failed")
	}
	b.resumeIfDrainedLocked()
	b.mutex.Unlock()
	return err
}

func (b *AdaptiveBuffer) resumeIfDrainedLocked() {
	if !b.paused || b.fillFractionLocked() >= b.config.LowFraction {
		return
	}
	b.paused = false
	b.stats.Resumes++
	for _, ch := range b.drainWaiters {
		close(ch)
	}
	b.drainWaiters = nil
	callbacks := b.onDrain
	b.onDrain = nil
	for _, fn := range callbacks {
		go fn()
	}
}

// evictOldestLocked removes the oldest quarter of the buffer into a
// forced batch.
func (b *AdaptiveBuffer) evictOldestLocked() *types.Batch {
	n := len(b.entries) / 4
	if n < 1 {
		n = 1
	}
	evicted := make([]types.BufferEntry, n)
	copy(evicted, b.entries[:n])
	b.entries = append(b.entries[:0], b.entries[n:]...)
	for _, e := range evicted {
		b.memoryUsage -= int64(e.SizeEstimate)
	}
	b.recordUtilizationLocked()
	return b.newBatch(evicted, true)
}

func (b *AdaptiveBuffer) newBatch(entries []types.BufferEntry, forced bool) *types.Batch {
	return &types.Batch{
		ID:        uuid.New().String(),
		Entries:   entries,
		Status:    types.BatchPending,
		CreatedAt: time.Now(),
		Forced:    forced,
	}
}

func (b *AdaptiveBuffer) fullLocked() bool {
	return len(b.entries) >= b.config.MaxCount || b.memoryUsage >= b.config.MaxBytes
}

// fillFractionLocked is the count-based watermark input. Byte pressure
// is handled by the fullness check, which can trigger forced eviction
// below the high watermark.
func (b *AdaptiveBuffer) fillFractionLocked() float64 {
	return float64(len(b.entries)) / float64(b.config.MaxCount)
}

func (b *AdaptiveBuffer) nextTrackLocked() uint64 {
	b.trackSeq++
	return b.trackSeq
}

func (b *AdaptiveBuffer) armTimerLocked(d time.Duration) {
	if b.timer == nil {
		b.timer = time.AfterFunc(d, b.timerFlush)
	} else {
		b.timer.Reset(d)
	}
	b.timerArmed = true
}

func (b *AdaptiveBuffer) timerFlush() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.timerArmed = false
	empty := len(b.entries) == 0
	b.mutex.Unlock()
	if empty {
		return
	}
	select {
	case b.flushCh <- flushRequest{}:
	default:
		// A flush is already queued; the buffered contents ride along.
	}
}

// estimateSize approximates the record's wire footprint as twice its
// serialized UTF-16 length, capped at maxSizeEstimate. ok is false when
// the record could not be serialized and the default applied.
func estimateSize(record *types.LogRecord) (int, bool) {
	data, err := json.Marshal(record)
	if err != nil {
		return defaultSizeEstimate, false
	}
	units := 0
	for _, r := range string(data) {
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
	}
	est := 2 * units
	if est > maxSizeEstimate {
		est = maxSizeEstimate
	}
	return est, true
}

func (b *AdaptiveBuffer) recordUtilizationLocked() {
	sample := b.fillFractionLocked()
	if len(b.utilization) < utilizationSamples {
		b.utilization = append(b.utilization, sample)
	} else {
		b.utilization[b.utilIndex] = sample
	}
	b.utilIndex = (b.utilIndex + 1) % utilizationSamples
}
