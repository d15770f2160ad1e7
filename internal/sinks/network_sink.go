// Package sinks contains the delivery sinks: network (HTTP), file,
// stdout, and Kafka. All sinks implement types.Sink and are idempotent
// at batch granularity.
package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auditcore/internal/metrics"
	"auditcore/pkg/circuit"
	"auditcore/pkg/compression"
	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/persistence"
	"auditcore/pkg/types"
)

// FallbackCacheConfig bounds the in-memory copy of persisted batches.
type FallbackCacheConfig struct {
	MaxItems int           `yaml:"max_items"`
	TTL      time.Duration `yaml:"ttl"`
}

// NetworkConfig configures the HTTP delivery sink.
type NetworkConfig struct {
	Endpoint          string                `yaml:"endpoint"`
	PerRequestTimeout time.Duration         `yaml:"per_request_timeout"`
	Attempts          int                   `yaml:"attempts"`
	RetryBaseDelay    time.Duration         `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration         `yaml:"retry_max_delay"`
	RecoveryInterval  time.Duration         `yaml:"recovery_interval"`
	Headers           map[string]string     `yaml:"headers"`
	Breaker           circuit.BreakerConfig `yaml:"breaker"`
	Persistent        persistence.Config    `yaml:"persistent"`
	FallbackCache     FallbackCacheConfig   `yaml:"fallback_cache"`
	Compression       compression.Config    `yaml:"compression"`
}

type fallbackEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NetworkSink delivers batches over HTTP POST, guarded by a circuit
// breaker and backed by an on-disk queue for batches that could not be
// delivered.
type NetworkSink struct {
	config     NetworkConfig
	logger     *logrus.Logger
	client     *http.Client
	breaker    *circuit.Breaker
	queue      *persistence.Queue
	compressor *compression.Compressor

	cacheMutex sync.Mutex
	fallback   map[string]fallbackEntry

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
}

// NewNetworkSink creates the sink and its persistent queue directory.
func NewNetworkSink(config NetworkConfig, logger *logrus.Logger) (*NetworkSink, error) {
	if config.Endpoint == "" {
		return nil, apperrors.ConfigError("network", "new", "endpoint is required")
	}
	if config.PerRequestTimeout <= 0 {
		config.PerRequestTimeout = 10 * time.Second
	}
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 200 * time.Millisecond
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Second
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = time.Minute
	}
	if config.FallbackCache.MaxItems <= 0 {
		config.FallbackCache.MaxItems = 100
	}
	if config.FallbackCache.TTL <= 0 {
		config.FallbackCache.TTL = 10 * time.Minute
	}
	if config.Breaker.Name == "" {
		config.Breaker.Name = "network"
	}

	queue, err := persistence.NewQueue(config.Persistent, logger)
	if err != nil {
		return nil, err
	}
	compressor, err := compression.New(config.Compression, logger)
	if err != nil {
		return nil, err
	}

	breaker := circuit.NewBreaker(config.Breaker, logger)
	breaker.OnStateChange(func(from, to types.CircuitState) {
		metrics.SetCircuitState(config.Breaker.Name, to)
	})

	return &NetworkSink{
		config:     config,
		logger:     logger,
		client:     &http.Client{Timeout: config.PerRequestTimeout},
		breaker:    breaker,
		queue:      queue,
		compressor: compressor,
		fallback:   make(map[string]fallbackEntry),
	}, nil
}

// Name implements types.Sink.
func (s *NetworkSink) Name() string { return "network" }

// Start recovers previously persisted batches and launches the
// periodic queue cleaner.
func (s *NetworkSink) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.workerWg.Add(1)
	go func() {
		defer s.workerWg.Done()
		s.recoverQueue()

		ticker := time.NewTicker(s.config.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.recoverQueue()
				s.purgeFallback()
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts background recovery.
func (s *NetworkSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.workerWg.Wait()
	return nil
}

// IsHealthy reports whether the breaker currently admits traffic.
func (s *NetworkSink) IsHealthy() bool {
	return !s.breaker.IsOpen()
}

// Breaker exposes the sink's circuit breaker for stats reporting.
func (s *NetworkSink) Breaker() *circuit.Breaker { return s.breaker }

// Queue exposes the persistent queue for stats reporting.
func (s *NetworkSink) Queue() *persistence.Queue { return s.queue }

// Write delivers one batch. Transient final failures and circuit-open
// rejections persist the batch to disk; permanent (4xx) failures do
// not, and do not count against the breaker.
func (s *NetworkSink) Write(ctx context.Context, batch *types.Batch) error {
	payload, err := s.marshalBatch(batch)
	if err != nil {
		return apperrors.PermanentSinkError("network", "marshal batch").Wrap(err)
	}

	var sendErr error
	execErr := s.breaker.Execute(func() error {
		sendErr = s.send(ctx, batch.ID, payload, batch.RetryCount+1)
		if apperrors.IsPermanent(sendErr) {
			// 4xx means the endpoint is up and rejecting this batch;
			// that is not a breaker failure.
			return nil
		}
		return sendErr
	})

	if apperrors.IsCircuitOpen(execErr) {
		s.persistFailure(batch, payload)
		return execErr
	}
	if sendErr != nil {
		if !apperrors.IsPermanent(sendErr) {
			s.persistFailure(batch, payload)
		}
		return sendErr
	}
	return nil
}

// marshalBatch builds the wire document {batchId, timestamp, attempt, records}.
func (s *NetworkSink) marshalBatch(batch *types.Batch) ([]byte, error) {
	records := make([]map[string]interface{}, 0, len(batch.Entries))
	for _, r := range batch.Records() {
		records = append(records, r.WireObject())
	}
	return json.Marshal(map[string]interface{}{
		"batchId":   batch.ID,
		"timestamp": time.Now().UnixMilli(),
		"attempt":   batch.RetryCount + 1,
		"records":   records,
	})
}

// send POSTs the payload, retrying transient failures with exponential
// backoff and 10% jitter. 4xx returns immediately as permanent.
func (s *NetworkSink) send(ctx context.Context, batchID string, payload []byte, attempt int) error {
	var lastErr error
	delay := s.config.RetryBaseDelay

	for try := 1; try <= s.config.Attempts; try++ {
		if try > 1 {
			jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return apperrors.TransientSinkError("network", "context canceled").Wrap(ctx.Err())
			}
			delay *= 2
			if delay > s.config.RetryMaxDelay {
				delay = s.config.RetryMaxDelay
			}
		}

		err := s.post(ctx, payload)
		if err == nil {
			return nil
		}
		if apperrors.IsPermanent(err) {
			return err
		}
		lastErr = err
		s.logger.WithFields(logrus.Fields{
			"batch_id": batchID,
			"attempt":  attempt,
			"try":      try,
			"error":    err,
		}).Debug("Network delivery attempt failed")
	}
	return lastErr
}

func (s *NetworkSink) post(ctx context.Context, payload []byte) error {
	body := payload
	encoding := ""
	if res, err := s.compressor.Compress(payload); err == nil {
		body = res.Data
		encoding = res.Encoding
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.PerRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.PermanentSinkError("network", "build request").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.TransientSinkError("network", "request failed").Wrap(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.PermanentSinkError("network",
			fmt.Sprintf("endpoint rejected batch: %s", resp.Status))
	default:
		return apperrors.TransientSinkError("network",
			fmt.Sprintf("endpoint unavailable: %s", resp.Status))
	}
}

// persistFailure writes the batch to the on-disk queue and caches the
// payload in memory with a TTL.
func (s *NetworkSink) persistFailure(batch *types.Batch, payload []byte) {
	if err := s.queue.Persist(batch); err != nil {
		s.logger.WithField("batch_id", batch.ID).WithError(err).
			Error("Failed to persist undelivered batch")
	}
	metrics.PersistentQueueFiles.Set(float64(s.queue.Len()))

	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()
	if len(s.fallback) >= s.config.FallbackCache.MaxItems {
		s.evictOldestFallbackLocked()
	}
	s.fallback[batch.ID] = fallbackEntry{
		payload:   payload,
		expiresAt: time.Now().Add(s.config.FallbackCache.TTL),
	}
}

func (s *NetworkSink) evictOldestFallbackLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.fallback {
		if oldestID == "" || e.expiresAt.Before(oldest) {
			oldestID = id
			oldest = e.expiresAt
		}
	}
	if oldestID != "" {
		delete(s.fallback, oldestID)
	}
}

func (s *NetworkSink) purgeFallback() {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()
	now := time.Now()
	for id, e := range s.fallback {
		if now.After(e.expiresAt) {
			delete(s.fallback, id)
		}
	}
}

// recoverQueue re-delivers persisted batches. Successful deliveries
// drop the file and the fallback entry.
func (s *NetworkSink) recoverQueue() {
	if s.breaker.IsOpen() {
		return
	}

	recovered, discarded, err := s.queue.Recover(s.ctx, func(pb persistence.PersistedBatch) error {
		payload, marshalErr := json.Marshal(map[string]interface{}{
			"batchId":   pb.BatchID,
			"timestamp": time.Now().UnixMilli(),
			"attempt":   pb.RetryCount + 1,
			"records":   pb.Records,
		})
		if marshalErr != nil {
			return marshalErr
		}
		if sendErr := s.send(s.ctx, pb.BatchID, payload, pb.RetryCount+1); sendErr != nil {
			return sendErr
		}
		s.cacheMutex.Lock()
		delete(s.fallback, pb.BatchID)
		s.cacheMutex.Unlock()
		return nil
	})
	if err != nil && err != context.Canceled {
		s.logger.WithError(err).Warn("Persistent queue recovery failed")
	}
	if recovered > 0 || discarded > 0 {
		s.logger.WithFields(logrus.Fields{
			"recovered": recovered,
			"discarded": discarded,
		}).Info("Persistent queue recovery pass complete")
	}
	metrics.PersistentQueueFiles.Set(float64(s.queue.Len()))
}
