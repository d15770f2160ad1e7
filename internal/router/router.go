// Package router fans batches out to every registered sink. Sinks run
// concurrently and fail independently; the router reports success only
// when all sinks acknowledged the batch.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auditcore/internal/metrics"
	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

// CompositeError aggregates per-sink failures from one dispatch. It is
// permanent only when every failing sink failed permanently, so a
// single retryable sink keeps the batch eligible for retry.
type CompositeError struct {
	Failures map[string]error
}

// Error lists the failing sinks deterministically.
func (e *CompositeError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("%d sink(s) failed: %s", len(parts), strings.Join(parts, "; "))
}

// Permanent implements errors.PermanentClassifier.
func (e *CompositeError) Permanent() bool {
	for _, err := range e.Failures {
		if !apperrors.IsPermanent(err) {
			return false
		}
	}
	return len(e.Failures) > 0
}

// Router delivers each batch to all registered sinks.
type Router struct {
	logger    *logrus.Logger
	collector *metrics.Collector

	mutex sync.RWMutex
	sinks []types.Sink
}

// New creates a Router. collector may be nil.
func New(logger *logrus.Logger, collector *metrics.Collector) *Router {
	return &Router{logger: logger, collector: collector}
}

// Register adds a sink. Not safe to call concurrently with Dispatch in
// general use; registration happens during pipeline assembly.
func (r *Router) Register(sink types.Sink) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Sinks returns the registered sinks.
func (r *Router) Sinks() []types.Sink {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]types.Sink, len(r.sinks))
	copy(out, r.sinks)
	return out
}

// Start starts all sinks, stopping the already-started ones on error.
func (r *Router) Start(ctx context.Context) error {
	sinks := r.Sinks()
	for i, sink := range sinks {
		if err := sink.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = sinks[j].Stop()
			}
			return fmt.Errorf("start sink %s: %w", sink.Name(), err)
		}
	}
	return nil
}

// Stop stops all sinks, returning the first error encountered.
func (r *Router) Stop() error {
	var firstErr error
	for _, sink := range r.Sinks() {
		if err := sink.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch writes the batch to every sink concurrently and waits for
// all of them. Parallelism is bounded by the number of sinks.
func (r *Router) Dispatch(ctx context.Context, batch *types.Batch) error {
	sinks := r.Sinks()
	if len(sinks) == 0 {
		return nil
	}

	type sinkResult struct {
		name string
		err  error
	}
	results := make(chan sinkResult, len(sinks))

	var wg sync.WaitGroup
	for _, sink := range sinks {
		wg.Add(1)
		go func(sink types.Sink) {
			defer wg.Done()
			start := time.Now()
			err := sink.Write(ctx, batch)
			metrics.SinkWriteDuration.WithLabelValues(sink.Name()).
				Observe(time.Since(start).Seconds())
			results <- sinkResult{name: sink.Name(), err: err}
		}(sink)
	}
	wg.Wait()
	close(results)

	failures := make(map[string]error)
	for res := range results {
		if res.err == nil {
			continue
		}
		failures[res.name] = res.err
		r.recordFailure(res.name, res.err)
	}
	if len(failures) == 0 {
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"seq":      batch.SequenceNum,
		"failed":   len(failures),
		"sinks":    len(sinks),
	}).Warn("Batch delivery incomplete")
	return &CompositeError{Failures: failures}
}

// Healthy reports per-sink health.
func (r *Router) Healthy() map[string]bool {
	out := make(map[string]bool)
	for _, sink := range r.Sinks() {
		out[sink.Name()] = sink.IsHealthy()
	}
	return out
}

func (r *Router) recordFailure(sink string, err error) {
	kind := "transient"
	switch {
	case apperrors.IsCircuitOpen(err):
		kind = "circuit_open"
	case apperrors.IsPermanent(err):
		kind = "permanent"
	}
	metrics.SinkErrorsTotal.WithLabelValues(sink, kind).Inc()
	if r.collector != nil {
		r.collector.RecordSinkError(sink, kind)
	}
}
