// Package logger is the user-facing facade of the audit pipeline. It
// validates and enriches records, runs them through the sanitizer and
// rate limiter, and assembles the buffer -> sequencer -> router chain.
package logger

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"auditcore/internal/metrics"
	"auditcore/internal/router"
	"auditcore/internal/sequencer"
	"auditcore/pkg/buffer"
	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/ratelimit"
	"auditcore/pkg/sanitize"
	"auditcore/pkg/types"
)

// PatternLevel binds a module glob pattern to a level threshold.
type PatternLevel struct {
	Pattern string `yaml:"pattern"`
	Level   string `yaml:"level"`
}

// LevelConfig is the pre-admission level filter: exact module match
// first, then the first matching pattern, then the default.
type LevelConfig struct {
	DefaultLevel  string            `yaml:"default_level"`
	ModuleLevels  map[string]string `yaml:"module_levels"`
	PatternLevels []PatternLevel    `yaml:"pattern_levels"`
}

// Options assembles a Logger and its full pipeline.
type Options struct {
	Levels        LevelConfig
	Sanitizer     sanitize.Config
	RateLimiter   ratelimit.Config
	Buffer        buffer.Config
	Batch         sequencer.Config
	Sinks         []types.Sink
	Provider      types.ContextProvider
	DrainInterval time.Duration
	Diagnostics   *logrus.Logger
}

// Outcome is the tri-state result of a log call. Exactly one of the
// fields is set for a record that reached admission; Filtered marks
// records cut by the level policy before admission.
type Outcome struct {
	Accepted      bool
	Throttled     bool
	Backpressured bool
	Filtered      bool
	Deferred      bool
}

// FlushSummary reports the result of an explicit flush.
type FlushSummary struct {
	Drained   int
	Remaining int
	LastError error
}

type levelPolicy struct {
	defaultLevel types.Level
	modules      map[string]types.Level
	patterns     []patternThreshold
}

type patternThreshold struct {
	pattern string
	level   types.Level
}

func newLevelPolicy(config LevelConfig) (*levelPolicy, error) {
	policy := &levelPolicy{
		defaultLevel: types.LevelDebug,
		modules:      make(map[string]types.Level, len(config.ModuleLevels)),
	}
	if config.DefaultLevel != "" {
		level, err := types.ParseLevel(config.DefaultLevel)
		if err != nil {
			return nil, apperrors.ConfigError("logger", "levels", err.Error())
		}
		policy.defaultLevel = level
	}
	for module, name := range config.ModuleLevels {
		level, err := types.ParseLevel(name)
		if err != nil {
			return nil, apperrors.ConfigError("logger", "levels", err.Error())
		}
		policy.modules[module] = level
	}
	for _, p := range config.PatternLevels {
		level, err := types.ParseLevel(p.Level)
		if err != nil {
			return nil, apperrors.ConfigError("logger", "levels", err.Error())
		}
		if _, err := path.Match(p.Pattern, "probe"); err != nil {
			return nil, apperrors.ConfigError("logger", "levels",
				"bad pattern "+p.Pattern)
		}
		policy.patterns = append(policy.patterns, patternThreshold{p.Pattern, level})
	}
	return policy, nil
}

// threshold resolves the effective level for a module.
func (p *levelPolicy) threshold(module string) types.Level {
	if level, ok := p.modules[module]; ok {
		return level
	}
	for _, pt := range p.patterns {
		if ok, _ := path.Match(pt.pattern, module); ok {
			return pt.level
		}
	}
	return p.defaultLevel
}

func (p *levelPolicy) enabled(module string, level types.Level) bool {
	return level <= p.threshold(module)
}

// Logger drives the pipeline. Child loggers created by WithContext share
// every stage with the parent; only the bound context differs.
type Logger struct {
	diag      *logrus.Logger
	policy    *levelPolicy
	limiter   *ratelimit.RateLimiter
	buffer    *buffer.AdaptiveBuffer
	sequencer *sequencer.Sequencer
	router    *router.Router
	collector *metrics.Collector
	provider  types.ContextProvider
	base      map[string]interface{}

	drainInterval time.Duration

	// run is shared by WithContext children; the Logger value itself
	// is copied when a child is created.
	run *runState
}

type runState struct {
	mutex   sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// sanitizer is swappable at runtime by config reload; records
	// in flight keep the instance they loaded.
	sanitizer atomic.Pointer[sanitize.Sanitizer]
}

// New assembles the pipeline: buffer flushes feed the sequencer, the
// sequencer dispatches through the router, and drained buffer pressure
// replays the rate limiter's deferred queue.
func New(options Options) (*Logger, error) {
	diag := options.Diagnostics
	if diag == nil {
		diag = logrus.New()
	}
	if options.DrainInterval <= 0 {
		options.DrainInterval = time.Second
	}
	if !options.Sanitizer.MaskEmails && !options.Sanitizer.MaskIPs &&
		!options.Sanitizer.MaskPhones && len(options.Sanitizer.ExtraSensitiveKeys) == 0 {
		options.Sanitizer = sanitize.DefaultConfig()
	}

	policy, err := newLevelPolicy(options.Levels)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	sinkRouter := router.New(diag, collector)
	for _, sink := range options.Sinks {
		sinkRouter.Register(sink)
	}

	seq := sequencer.New(options.Batch, func(ctx context.Context, batch *types.Batch) error {
		return sinkRouter.Dispatch(ctx, batch)
	}, diag)

	buf, err := buffer.New(options.Buffer, func(batch *types.Batch) error {
		_, err := seq.Enqueue(batch)
		return err
	}, diag)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(options.RateLimiter, diag)
	collector.Bind(buf.GetStats, limiter.GetStats, seq.GetStats)

	l := &Logger{
		diag:          diag,
		policy:        policy,
		limiter:       limiter,
		buffer:        buf,
		sequencer:     seq,
		router:        sinkRouter,
		collector:     collector,
		provider:      options.Provider,
		drainInterval: options.DrainInterval,
		run:           &runState{},
	}
	l.run.sanitizer.Store(sanitize.New(options.Sanitizer))
	buf.OnDrain(l.drainDeferred)
	return l, nil
}

// Start brings up the sinks, the sequencer worker, and the periodic
// deferred-queue drain.
func (l *Logger) Start(ctx context.Context) error {
	l.run.mutex.Lock()
	defer l.run.mutex.Unlock()
	if l.run.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := l.router.Start(runCtx); err != nil {
		cancel()
		return err
	}
	l.sequencer.Start(runCtx)
	l.run.cancel = cancel
	l.run.started = true

	l.run.wg.Add(1)
	go func() {
		defer l.run.wg.Done()
		ticker := time.NewTicker(l.drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.drainDeferred()
			}
		}
	}()
	return nil
}

// Log runs one record through the full admission path.
func (l *Logger) Log(ctx context.Context, level types.Level, module, message string, fields map[string]interface{}) (Outcome, error) {
	if l.isClosed() {
		return Outcome{}, apperrors.PipelineClosedError("log")
	}
	if !l.policy.enabled(module, level) {
		return Outcome{Filtered: true}, nil
	}

	merged := l.mergeContext(fields)
	san := l.run.sanitizer.Load()
	sanitized := san.SanitizeContext(merged)
	record, err := types.NewLogRecord(level, module, san.SanitizeString(message), sanitized)
	if err != nil {
		l.collector.RecordInvalid()
		return Outcome{}, apperrors.RecordError("log", err.Error())
	}
	l.enrich(ctx, record)

	admit := l.limiter.Admit(record)
	if !admit.Admitted {
		l.collector.RecordThrottled()
		return Outcome{Throttled: true, Deferred: admit.Deferred}, nil
	}

	ok, err := l.buffer.Push(record)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		l.collector.RecordBackpressure()
		return Outcome{Backpressured: true}, nil
	}
	l.collector.RecordAccepted()
	return Outcome{Accepted: true}, nil
}

// Debug logs at DEBUG.
func (l *Logger) Debug(ctx context.Context, module, message string, fields map[string]interface{}) (Outcome, error) {
	return l.Log(ctx, types.LevelDebug, module, message, fields)
}

// Info logs at INFO.
func (l *Logger) Info(ctx context.Context, module, message string, fields map[string]interface{}) (Outcome, error) {
	return l.Log(ctx, types.LevelInfo, module, message, fields)
}

// Warn logs at WARN.
func (l *Logger) Warn(ctx context.Context, module, message string, fields map[string]interface{}) (Outcome, error) {
	return l.Log(ctx, types.LevelWarn, module, message, fields)
}

// Error logs at ERROR.
func (l *Logger) Error(ctx context.Context, module, message string, fields map[string]interface{}) (Outcome, error) {
	return l.Log(ctx, types.LevelError, module, message, fields)
}

// WithContext returns a child logger whose records carry the given
// field in addition to the parent's bound fields.
func (l *Logger) WithContext(key string, value interface{}) *Logger {
	child := *l
	child.base = make(map[string]interface{}, len(l.base)+1)
	for k, v := range l.base {
		child.base[k] = v
	}
	child.base[key] = value
	return &child
}

func (l *Logger) mergeContext(fields map[string]interface{}) map[string]interface{} {
	if len(l.base) == 0 {
		return fields
	}
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// enrich fills trace identity from the context provider. Provider
// failures are treated as missing fields.
func (l *Logger) enrich(ctx context.Context, record *types.LogRecord) {
	if l.provider == nil {
		return
	}
	rc := l.provider.Current(ctx)
	record.CorrelationID = rc.CorrelationID
	record.TraceID = rc.TraceID
	record.SpanID = rc.SpanID
	if rc.UserID != "" {
		if record.Context == nil {
			record.Context = map[string]interface{}{}
		}
		if _, exists := record.Context["user_id"]; !exists {
			record.Context["user_id"] = rc.UserID
		}
	}
}

// drainDeferred replays deferred high-severity records into the buffer
// in priority order, stopping when the buffer refuses.
func (l *Logger) drainDeferred() {
	drained := l.limiter.DrainPriorityQueue(func(record *types.LogRecord) bool {
		ok, err := l.buffer.Push(record)
		if err != nil {
			return false
		}
		if ok {
			l.collector.RecordAccepted()
		}
		return ok
	})
	if drained > 0 {
		l.diag.WithField("count", drained).Debug("Deferred records replayed")
	}
}

// Flush synchronously drains the buffer and waits for the sequencer to
// finish every outstanding batch.
func (l *Logger) Flush(ctx context.Context) FlushSummary {
	summary := FlushSummary{}
	before := l.buffer.Len()
	if err := l.buffer.Flush(ctx); err != nil {
		summary.LastError = err
	}
	if err := l.sequencer.Drain(ctx); err != nil {
		summary.LastError = err
	}

	stats := l.sequencer.GetStats()
	summary.Remaining = l.buffer.Len() + stats.Pending
	summary.Drained = before - l.buffer.Len()
	if summary.Drained < 0 {
		summary.Drained = 0
	}
	return summary
}

// Stats returns the aggregate pipeline snapshot.
func (l *Logger) Stats() types.PipelineStats {
	return l.collector.Snapshot()
}

// Collector exposes the stats collector for the ops surface.
func (l *Logger) Collector() *metrics.Collector {
	return l.collector
}

// Router exposes the sink router for health reporting.
func (l *Logger) Router() *router.Router {
	return l.router
}

// ExportDLQ serializes the dead letter queue for the ops surface.
func (l *Logger) ExportDLQ() ([]byte, error) {
	return l.sequencer.ExportDLQ()
}

// SetSanitizer replaces the sanitizer configuration at runtime.
// Shared with WithContext children.
func (l *Logger) SetSanitizer(config sanitize.Config) {
	l.run.sanitizer.Store(sanitize.New(config))
}

// RateLimiter exposes the limiter for adaptive load adjustment.
func (l *Logger) RateLimiter() *ratelimit.RateLimiter {
	return l.limiter
}

// BufferFillFraction reports the buffer's count-based fill fraction.
func (l *Logger) BufferFillFraction() float64 {
	return l.buffer.FillFraction()
}

func (l *Logger) isClosed() bool {
	l.run.mutex.Lock()
	defer l.run.mutex.Unlock()
	return l.run.closed
}

// Close stops accepting records, flushes everything buffered, waits for
// the sequencer to drain, then stops the sinks.
func (l *Logger) Close(ctx context.Context) error {
	l.run.mutex.Lock()
	if l.run.closed {
		l.run.mutex.Unlock()
		return nil
	}
	l.run.closed = true
	cancel := l.run.cancel
	started := l.run.started
	l.run.mutex.Unlock()

	var firstErr error
	if err := l.buffer.Destroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.sequencer.Drain(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	l.sequencer.Stop()

	if cancel != nil {
		cancel()
	}
	if started {
		l.run.wg.Wait()
		if err := l.router.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
