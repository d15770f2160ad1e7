package ratelimit

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auditcore/pkg/types"
)

// Thresholds are buffer-fill fractions separating the adaptation bands.
type Thresholds struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// ModuleLimit is an explicitly configured per-module bucket.
type ModuleLimit struct {
	Module     string  `yaml:"module"`
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// Config configures the rate limiter.
type Config struct {
	Capacity            float64       `yaml:"capacity"`
	RefillRatePerSecond float64       `yaml:"refill_rate_per_second"`
	PerModule           []ModuleLimit `yaml:"per_module"`
	Adaptive            bool          `yaml:"adaptive"`
	Thresholds          Thresholds    `yaml:"thresholds"`

	// Deferred high-severity records held while the global bucket
	// recovers. Oldest entries are dropped on overflow.
	QueueCapacity int `yaml:"queue_capacity"`
}

// AdmitResult is the outcome of an admission check.
type AdmitResult struct {
	Admitted   bool
	Reason     string // "global" or "module" when denied
	Deferred   bool
	WaitMillis int64
}

type deferredRecord struct {
	record     *types.LogRecord
	eligibleAt time.Time
	seq        uint64
}

// deferredQueue orders deferred records by severity, then enqueue order.
type deferredQueue []*deferredRecord

func (q deferredQueue) Len() int { return len(q) }
func (q deferredQueue) Less(i, j int) bool {
	if q[i].record.Level != q[j].record.Level {
		return q[i].record.Level < q[j].record.Level
	}
	return q[i].seq < q[j].seq
}
func (q deferredQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *deferredQueue) Push(x interface{}) {
	*q = append(*q, x.(*deferredRecord))
}
func (q *deferredQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

type moduleBucket struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// RateLimiter performs per-record admission control: a global token
// bucket shared by all producers, optional per-module buckets, and a
// bounded priority queue that holds denied ERROR/WARN records until the
// global bucket recovers. Load adaptation scales the global refill rate
// down under buffer pressure.
type RateLimiter struct {
	config Config
	logger *logrus.Logger

	mutex    sync.Mutex
	global   *TokenBucket
	modules  map[string]*moduleBucket
	perMod   map[string]ModuleLimit
	deferred deferredQueue
	deferSeq uint64

	ceilingRate float64
	loadFactor  float64

	stats types.RateLimiterStats
}

// New creates a RateLimiter from config.
func New(config Config, logger *logrus.Logger) *RateLimiter {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 64
	}
	if config.Thresholds.Low == 0 && config.Thresholds.Medium == 0 && config.Thresholds.High == 0 {
		config.Thresholds = Thresholds{Low: 0.5, Medium: 0.7, High: 0.9}
	}

	perMod := make(map[string]ModuleLimit, len(config.PerModule))
	for _, ml := range config.PerModule {
		perMod[ml.Module] = ml
	}

	rl := &RateLimiter{
		config:      config,
		logger:      logger,
		global:      NewTokenBucket(config.Capacity, config.RefillRatePerSecond),
		modules:     make(map[string]*moduleBucket),
		perMod:      perMod,
		ceilingRate: config.RefillRatePerSecond,
		loadFactor:  1.0,
	}
	heap.Init(&rl.deferred)
	return rl
}

// Admit decides whether a record enters the pipeline. Denied ERROR and
// WARN records are parked in the priority queue instead of being lost.
func (rl *RateLimiter) Admit(record *types.LogRecord) AdmitResult {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	decision := rl.global.TryConsume(1)
	if !decision.Admitted {
		if record.Level <= types.LevelWarn {
			rl.deferLocked(record, decision.WaitMillis)
			return AdmitResult{Reason: "global", Deferred: true, WaitMillis: decision.WaitMillis}
		}
		rl.stats.DeniedGlobal++
		return AdmitResult{Reason: "global", WaitMillis: decision.WaitMillis}
	}

	if mb := rl.moduleBucketLocked(record.Module); mb != nil {
		mb.lastUsed = time.Now()
		if md := mb.bucket.TryConsume(1); !md.Admitted {
			rl.stats.DeniedModule++
			return AdmitResult{Reason: "module", WaitMillis: md.WaitMillis}
		}
	}

	rl.stats.Admitted++
	return AdmitResult{Admitted: true}
}

func (rl *RateLimiter) deferLocked(record *types.LogRecord, waitMillis int64) {
	eligible := time.Now()
	if waitMillis > 0 {
		eligible = eligible.Add(time.Duration(waitMillis) * time.Millisecond)
	}

	if rl.deferred.Len() >= rl.config.QueueCapacity {
		rl.dropOldestLocked()
	}

	rl.deferSeq++
	heap.Push(&rl.deferred, &deferredRecord{
		record:     record,
		eligibleAt: eligible,
		seq:        rl.deferSeq,
	})
	rl.stats.Deferred++
}

// dropOldestLocked removes the earliest-enqueued deferred record to
// make room for a newer one.
func (rl *RateLimiter) dropOldestLocked() {
	oldest := -1
	for i, d := range rl.deferred {
		if oldest < 0 || d.seq < rl.deferred[oldest].seq {
			oldest = i
		}
	}
	if oldest >= 0 {
		heap.Remove(&rl.deferred, oldest)
		rl.stats.DeferredDropped++
	}
}

// DrainPriorityQueue re-admits deferred records whose wait has elapsed,
// in severity order (ERROR before WARN, then enqueue order), consuming
// a global token per record. emit hands each record back to the
// pipeline; if it returns false the record stays deferred and draining
// stops.
func (rl *RateLimiter) DrainPriorityQueue(emit func(*types.LogRecord) bool) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	var skipped []*deferredRecord
	drained := 0

	for rl.deferred.Len() > 0 {
		item := heap.Pop(&rl.deferred).(*deferredRecord)
		if now.Before(item.eligibleAt) {
			skipped = append(skipped, item)
			continue
		}
		if d := rl.global.TryConsume(1); !d.Admitted {
			skipped = append(skipped, item)
			break
		}
		if !emit(item.record) {
			skipped = append(skipped, item)
			break
		}
		drained++
	}

	for _, item := range skipped {
		heap.Push(&rl.deferred, item)
	}
	rl.stats.Drained += int64(drained)
	return drained
}

// Adjust scales the global refill rate according to the current load
// fraction (buffer fill, possibly folded with host pressure).
func (rl *RateLimiter) Adjust(currentLoad float64) {
	if !rl.config.Adaptive {
		return
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	t := rl.config.Thresholds
	factor := 0.5
	switch {
	case currentLoad < t.Low:
		factor = 1.0
	case currentLoad < t.Medium:
		factor = 0.9
	case currentLoad < t.High:
		factor = 0.7
	}

	if factor != rl.loadFactor {
		rl.logger.WithFields(logrus.Fields{
			"load":   currentLoad,
			"factor": factor,
			"rate":   rl.ceilingRate * factor,
		}).Debug("Rate limiter adaptation")
	}
	rl.loadFactor = factor
	rl.global.SetRefillRate(rl.ceilingRate * factor)
	rl.stats.LoadFactor = currentLoad
}

// SetLimits replaces the global capacity and ceiling refill rate, e.g.
// after a config reload. The current load factor keeps applying.
func (rl *RateLimiter) SetLimits(capacity, refillRate float64) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if refillRate < 0 {
		refillRate = 0
	}
	rl.ceilingRate = refillRate
	rl.global.SetCapacity(capacity)
	rl.global.SetRefillRate(refillRate * rl.loadFactor)
}

// Cleanup removes per-module buckets untouched for maxIdle. They are
// recreated from config on next use.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for name, mb := range rl.modules {
		if mb.lastUsed.Before(cutoff) {
			delete(rl.modules, name)
			removed++
		}
	}
	return removed
}

// QueueLen returns the number of records currently deferred.
func (rl *RateLimiter) QueueLen() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return rl.deferred.Len()
}

// GetStats returns a snapshot of the limiter counters.
func (rl *RateLimiter) GetStats() types.RateLimiterStats {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	stats := rl.stats
	stats.ActiveBuckets = len(rl.modules)
	stats.EffectiveRate = rl.global.RefillRate()
	return stats
}

func (rl *RateLimiter) moduleBucketLocked(module string) *moduleBucket {
	if mb, ok := rl.modules[module]; ok {
		return mb
	}
	limit, ok := rl.perMod[module]
	if !ok {
		return nil
	}
	mb := &moduleBucket{
		bucket:   NewTokenBucket(limit.Capacity, limit.RefillRate),
		lastUsed: time.Now(),
	}
	rl.modules[module] = mb
	return mb
}
