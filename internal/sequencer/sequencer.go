// Package sequencer enforces ordered, one-at-a-time batch dispatch
// with retry, exponential backoff, and a dead letter queue. Batches
// receive ascending sequence numbers on enqueue and are dispatched in
// that order; a failing batch holds the line until it succeeds or is
// demoted to the DLQ.
package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auditcore/internal/metrics"
	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

// processedLimit bounds the completed-batch result map.
const processedLimit = 1024

// Dispatcher delivers one batch downstream (the sink router).
type Dispatcher func(ctx context.Context, batch *types.Batch) error

// Config configures the sequencer.
type Config struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	DLQCapacity     int           `yaml:"dlq_capacity"`
	ReplayEnabled   bool          `yaml:"replay_enabled"`
}

// Result records the terminal outcome of a batch.
type Result struct {
	Seq          uint64    `json:"seq"`
	Success      bool      `json:"success"`
	Attempts     int       `json:"attempts"`
	DeadLettered bool      `json:"dead_lettered"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// DLQEntry is a dead-lettered batch with its failure context.
type DLQEntry struct {
	Batch    *types.Batch `json:"batch"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}

// Sequencer serializes batch dispatch. At most one batch is in the
// processing state at any time.
type Sequencer struct {
	config     Config
	logger     *logrus.Logger
	dispatcher Dispatcher

	mutex          sync.Mutex
	nextSeq        uint64
	pending        map[uint64]*types.Batch
	processed      map[uint64]Result
	processedOrder []uint64
	dlq            []DLQEntry
	processingSeq  *uint64
	idleWaiters    []chan struct{}
	closed         bool

	stats types.SequencerStats

	notifyCh chan struct{}
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// New creates a Sequencer; call Start to launch its worker.
func New(config Config, dispatcher Dispatcher, logger *logrus.Logger) *Sequencer {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 30 * time.Second
	}
	if config.DLQCapacity <= 0 {
		config.DLQCapacity = 100
	}

	return &Sequencer{
		config:     config,
		logger:     logger,
		dispatcher: dispatcher,
		pending:    make(map[uint64]*types.Batch),
		processed:  make(map[uint64]Result),
		notifyCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch worker.
func (s *Sequencer) Start(ctx context.Context) {
	s.workerWg.Add(1)
	go func() {
		defer s.workerWg.Done()
		for {
			select {
			case <-s.notifyCh:
				for s.processNext(ctx, false) {
				}
				// Replay at most one DLQ entry per wake-up so a
				// batch that keeps failing cannot spin the worker.
				if s.processNext(ctx, true) {
					for s.processNext(ctx, false) {
					}
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the worker after the in-flight batch completes.
func (s *Sequencer) Stop() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()
	close(s.stopCh)
	s.workerWg.Wait()
}

// Enqueue assigns the next sequence number and queues the batch.
func (s *Sequencer) Enqueue(batch *types.Batch) (uint64, error) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return 0, apperrors.PipelineClosedError("enqueue")
	}
	s.nextSeq++
	seq := s.nextSeq
	batch.SequenceNum = seq
	batch.Status = types.BatchPending
	for i := range batch.Entries {
		batch.Entries[i].Record.Sequence = seq
	}
	s.pending[seq] = batch
	s.stats.Enqueued++
	s.mutex.Unlock()

	s.notify()
	return seq, nil
}

func (s *Sequencer) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// ProcessNext dispatches the lowest pending sequence, retrying with
// exponential backoff until success, permanent failure, or retry
// exhaustion. Returns false when nothing was processed (another batch
// in flight, or no pending work).
func (s *Sequencer) ProcessNext(ctx context.Context) bool {
	return s.processNext(ctx, true)
}

func (s *Sequencer) processNext(ctx context.Context, allowReplay bool) bool {
	s.mutex.Lock()
	if s.processingSeq != nil {
		s.mutex.Unlock()
		return false
	}

	batch := s.lowestPendingLocked()
	if batch == nil && allowReplay && s.config.ReplayEnabled && len(s.dlq) > 0 {
		batch = s.replayHeadLocked()
	}
	if batch == nil {
		s.notifyIdleLocked()
		s.mutex.Unlock()
		return false
	}

	seq := batch.SequenceNum
	batch.Status = types.BatchProcessing
	s.processingSeq = &seq
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		s.processingSeq = nil
		s.notifyIdleLocked()
		s.mutex.Unlock()
	}()

	attempts := 0
	for {
		attempts++
		err := s.dispatchOnce(ctx, batch)

		s.mutex.Lock()
		s.stats.Dispatched++
		s.mutex.Unlock()

		if err == nil {
			s.complete(batch, Result{
				Seq: seq, Success: true, Attempts: attempts, CompletedAt: time.Now(),
			})
			metrics.BatchesDispatchedTotal.WithLabelValues("success").Inc()
			return true
		}

		if apperrors.IsPermanent(err) {
			s.logger.WithFields(logrus.Fields{
				"seq":      seq,
				"batch_id": batch.ID,
				"error":    err,
			}).Warn("Batch failed permanently, dead-lettering")
			s.deadLetter(batch, err, attempts)
			return true
		}

		batch.RetryCount++
		if batch.RetryCount > s.config.MaxRetries {
			s.deadLetter(batch, err, attempts)
			return true
		}

		s.mutex.Lock()
		s.stats.Retried++
		s.mutex.Unlock()
		metrics.BatchesDispatchedTotal.WithLabelValues("retry").Inc()

		delay := s.backoff(batch.RetryCount)
		s.logger.WithFields(logrus.Fields{
			"seq":   seq,
			"retry": batch.RetryCount,
			"delay": delay,
		}).Debug("Batch dispatch failed, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Shutdown mid-retry: leave the batch pending so a drain
			// or restart can pick it up.
			s.mutex.Lock()
			batch.Status = types.BatchPending
			s.mutex.Unlock()
			return false
		}
	}
}

func (s *Sequencer) dispatchOnce(ctx context.Context, batch *types.Batch) error {
	dctx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	defer cancel()

	err := s.dispatcher(dctx, batch)
	if err != nil && dctx.Err() == context.DeadlineExceeded {
		return apperrors.DispatchTimeoutError("sequencer", s.config.DispatchTimeout).Wrap(err)
	}
	return err
}

// backoff computes 2^(retry-1) * baseDelay clamped to MaxDelay.
func (s *Sequencer) backoff(retry int) time.Duration {
	delay := s.config.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= s.config.MaxDelay {
			return s.config.MaxDelay
		}
	}
	if delay > s.config.MaxDelay {
		delay = s.config.MaxDelay
	}
	return delay
}

func (s *Sequencer) complete(batch *types.Batch, result Result) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch.Status = types.BatchSuccess
	delete(s.pending, batch.SequenceNum)
	s.recordProcessedLocked(result)
	s.stats.Succeeded++
}

func (s *Sequencer) deadLetter(batch *types.Batch, cause error, attempts int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch.Status = types.BatchFailed
	delete(s.pending, batch.SequenceNum)
	s.recordProcessedLocked(Result{
		Seq:          batch.SequenceNum,
		Attempts:     attempts,
		DeadLettered: true,
		Error:        cause.Error(),
		CompletedAt:  time.Now(),
	})

	if len(s.dlq) >= s.config.DLQCapacity {
		dropped := s.dlq[0]
		s.dlq = s.dlq[1:]
		s.logger.WithField("batch_id", dropped.Batch.ID).
			Warn("DLQ full, dropped oldest batch")
	}
	s.dlq = append(s.dlq, DLQEntry{
		Batch:    batch,
		Reason:   cause.Error(),
		FailedAt: time.Now(),
	})
	s.stats.DeadLettered++
	metrics.BatchesDispatchedTotal.WithLabelValues("dead_lettered").Inc()
}

func (s *Sequencer) recordProcessedLocked(result Result) {
	s.processed[result.Seq] = result
	s.processedOrder = append(s.processedOrder, result.Seq)
	for len(s.processedOrder) > processedLimit {
		delete(s.processed, s.processedOrder[0])
		s.processedOrder = s.processedOrder[1:]
	}
}

func (s *Sequencer) lowestPendingLocked() *types.Batch {
	var best *types.Batch
	for _, b := range s.pending {
		if b.Status != types.BatchPending {
			continue
		}
		if best == nil || b.SequenceNum < best.SequenceNum {
			best = b
		}
	}
	return best
}

// replayHeadLocked re-introduces the oldest DLQ entry as pending.
func (s *Sequencer) replayHeadLocked() *types.Batch {
	entry := s.dlq[0]
	s.dlq = s.dlq[1:]
	batch := entry.Batch
	batch.Status = types.BatchPending
	batch.RetryCount = 0
	s.pending[batch.SequenceNum] = batch
	s.logger.WithFields(logrus.Fields{
		"seq":      batch.SequenceNum,
		"batch_id": batch.ID,
	}).Info("Replaying dead-lettered batch")
	return batch
}

func (s *Sequencer) notifyIdleLocked() {
	if len(s.pending) > 0 || s.processingSeq != nil {
		return
	}
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
}

// Drain blocks until no batch is pending or in flight, or the context
// expires. Dead-lettered batches do not block draining.
func (s *Sequencer) Drain(ctx context.Context) error {
	s.notify()

	s.mutex.Lock()
	if len(s.pending) == 0 && s.processingSeq == nil {
		s.mutex.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.mutex.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the terminal outcome of a completed sequence.
func (s *Sequencer) Result(seq uint64) (Result, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.processed[seq]
	return r, ok
}

// DLQ returns a snapshot of the dead letter queue.
func (s *Sequencer) DLQ() []DLQEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]DLQEntry, len(s.dlq))
	copy(out, s.dlq)
	return out
}

// ExportDLQ serializes the DLQ for operational recovery.
func (s *Sequencer) ExportDLQ() ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return json.Marshal(s.dlq)
}

// ImportDLQ appends previously exported entries, respecting capacity.
func (s *Sequencer) ImportDLQ(data []byte) (int, error) {
	var entries []DLQEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("parse DLQ export: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	imported := 0
	for _, e := range entries {
		if e.Batch == nil {
			continue
		}
		if len(s.dlq) >= s.config.DLQCapacity {
			break
		}
		s.dlq = append(s.dlq, e)
		imported++
	}
	return imported, nil
}

// GetStats returns a snapshot of the sequencer counters.
func (s *Sequencer) GetStats() types.SequencerStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	stats := s.stats
	stats.Pending = len(s.pending)
	stats.DLQSize = len(s.dlq)
	stats.NextSequence = s.nextSeq + 1
	return stats
}
