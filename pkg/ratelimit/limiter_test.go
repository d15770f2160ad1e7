package ratelimit

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func record(t *testing.T, level types.Level, module string) *types.LogRecord {
	t.Helper()
	r, err := types.NewLogRecord(level, module, "msg", nil)
	require.NoError(t, err)
	return r
}

func TestTokenBucket_ConsumeAndDeny(t *testing.T) {
	b := NewTokenBucket(2, 0)

	d := b.TryConsume(1)
	assert.True(t, d.Admitted)
	assert.InDelta(t, 1, d.TokensRemaining, 0.001)

	d = b.TryConsume(1)
	assert.True(t, d.Admitted)

	d = b.TryConsume(1)
	assert.False(t, d.Admitted)
	assert.Equal(t, WaitForever, d.WaitMillis)
}

func TestTokenBucket_Refill(t *testing.T) {
	b := NewTokenBucket(10, 100) // 100 tokens/s
	for i := 0; i < 10; i++ {
		require.True(t, b.TryConsume(1).Admitted)
	}
	require.False(t, b.TryConsume(1).Admitted)

	time.Sleep(50 * time.Millisecond)
	d := b.TryConsume(1)
	assert.True(t, d.Admitted, "50ms at 100/s should refill ~5 tokens")
}

func TestTokenBucket_RefillCapped(t *testing.T) {
	b := NewTokenBucket(3, 1000)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, b.Tokens(), 3.0)
}

func TestTokenBucket_WaitMillis(t *testing.T) {
	b := NewTokenBucket(1, 2) // 2 tokens/s
	require.True(t, b.TryConsume(1).Admitted)

	d := b.TryConsume(1)
	require.False(t, d.Admitted)
	// Needs ~1 token at 2/s: about 500ms. Some time elapsed between the
	// two calls, so accept a small band below.
	assert.Greater(t, d.WaitMillis, int64(400))
	assert.LessOrEqual(t, d.WaitMillis, int64(500))
}

func TestTokenBucket_ZeroCapacityAlwaysDenies(t *testing.T) {
	b := NewTokenBucket(0, 10)
	for i := 0; i < 5; i++ {
		assert.False(t, b.TryConsume(1).Admitted)
	}
}

func TestTokenBucket_ZeroConsumeIsMonotone(t *testing.T) {
	b := NewTokenBucket(10, 5)
	require.True(t, b.TryConsume(4).Admitted)

	prev := -1.0
	for i := 0; i < 10; i++ {
		d := b.TryConsume(0)
		require.True(t, d.Admitted)
		assert.GreaterOrEqual(t, d.TokensRemaining, prev)
		prev = d.TokensRemaining
		time.Sleep(time.Millisecond)
	}
}

func TestRateLimiter_AdmitAndModuleLimit(t *testing.T) {
	rl := New(Config{
		Capacity:            100,
		RefillRatePerSecond: 100,
		PerModule:           []ModuleLimit{{Module: "chatty", Capacity: 1, RefillRate: 0}},
	}, testLogger())

	assert.True(t, rl.Admit(record(t, types.LevelInfo, "calm")).Admitted)

	first := rl.Admit(record(t, types.LevelInfo, "chatty"))
	assert.True(t, first.Admitted)

	second := rl.Admit(record(t, types.LevelInfo, "chatty"))
	assert.False(t, second.Admitted)
	assert.Equal(t, "module", second.Reason)
	assert.False(t, second.Deferred)

	stats := rl.GetStats()
	assert.Equal(t, int64(2), stats.Admitted)
	assert.Equal(t, int64(1), stats.DeniedModule)
}

func TestRateLimiter_GlobalDenialDefersHighSeverity(t *testing.T) {
	rl := New(Config{Capacity: 0, RefillRatePerSecond: 0}, testLogger())

	info := rl.Admit(record(t, types.LevelInfo, "m"))
	assert.False(t, info.Admitted)
	assert.Equal(t, "global", info.Reason)
	assert.False(t, info.Deferred)

	errRes := rl.Admit(record(t, types.LevelError, "m"))
	assert.False(t, errRes.Admitted)
	assert.True(t, errRes.Deferred)

	warnRes := rl.Admit(record(t, types.LevelWarn, "m"))
	assert.True(t, warnRes.Deferred)

	assert.Equal(t, 2, rl.QueueLen())
	stats := rl.GetStats()
	assert.Equal(t, int64(1), stats.DeniedGlobal)
	assert.Equal(t, int64(2), stats.Deferred)
}

func TestRateLimiter_DrainSeverityOrder(t *testing.T) {
	rl := New(Config{Capacity: 0, RefillRatePerSecond: 0}, testLogger())

	warn1 := record(t, types.LevelWarn, "m")
	err1 := record(t, types.LevelError, "m")
	warn2 := record(t, types.LevelWarn, "m")
	for _, r := range []*types.LogRecord{warn1, err1, warn2} {
		require.True(t, rl.Admit(r).Deferred)
	}

	// Refill the global bucket so draining can admit again.
	rl.mutex.Lock()
	rl.global = NewTokenBucket(10, 10)
	rl.mutex.Unlock()

	var drained []*types.LogRecord
	n := rl.DrainPriorityQueue(func(r *types.LogRecord) bool {
		drained = append(drained, r)
		return true
	})

	require.Equal(t, 3, n)
	assert.Equal(t, []*types.LogRecord{err1, warn1, warn2}, drained,
		"ERROR first, then WARN in enqueue order")
	assert.Equal(t, 0, rl.QueueLen())
}

func TestRateLimiter_DrainRespectsWait(t *testing.T) {
	rl := New(Config{Capacity: 0, RefillRatePerSecond: 0.001}, testLogger())
	require.True(t, rl.Admit(record(t, types.LevelError, "m")).Deferred)

	rl.mutex.Lock()
	rl.global = NewTokenBucket(10, 10)
	rl.mutex.Unlock()

	n := rl.DrainPriorityQueue(func(*types.LogRecord) bool { return true })
	assert.Equal(t, 0, n, "wait has not elapsed yet")
	assert.Equal(t, 1, rl.QueueLen())
}

func TestRateLimiter_QueueDropsOldestOnOverflow(t *testing.T) {
	rl := New(Config{Capacity: 0, RefillRatePerSecond: 0, QueueCapacity: 2}, testLogger())

	first := record(t, types.LevelWarn, "m")
	second := record(t, types.LevelWarn, "m")
	third := record(t, types.LevelWarn, "m")
	rl.Admit(first)
	rl.Admit(second)
	rl.Admit(third)

	assert.Equal(t, 2, rl.QueueLen())
	assert.Equal(t, int64(1), rl.GetStats().DeferredDropped)

	rl.mutex.Lock()
	rl.global = NewTokenBucket(10, 10)
	rl.mutex.Unlock()

	var drained []*types.LogRecord
	rl.DrainPriorityQueue(func(r *types.LogRecord) bool {
		drained = append(drained, r)
		return true
	})
	assert.Equal(t, []*types.LogRecord{second, third}, drained)
}

func TestRateLimiter_Adjust(t *testing.T) {
	rl := New(Config{
		Capacity:            100,
		RefillRatePerSecond: 100,
		Adaptive:            true,
		Thresholds:          Thresholds{Low: 0.5, Medium: 0.7, High: 0.9},
	}, testLogger())

	cases := []struct {
		load float64
		rate float64
	}{
		{0.1, 100},
		{0.6, 90},
		{0.8, 70},
		{0.95, 50},
		{0.2, 100},
	}
	for _, tc := range cases {
		rl.Adjust(tc.load)
		assert.InDelta(t, tc.rate, rl.GetStats().EffectiveRate, 0.001, "load %v", tc.load)
	}
}

func TestRateLimiter_AdjustDisabled(t *testing.T) {
	rl := New(Config{Capacity: 10, RefillRatePerSecond: 10}, testLogger())
	rl.Adjust(0.99)
	assert.InDelta(t, 10, rl.GetStats().EffectiveRate, 0.001)
}

func TestRateLimiter_SetLimits(t *testing.T) {
	rl := New(Config{
		Capacity:            100,
		RefillRatePerSecond: 100,
		Adaptive:            true,
		Thresholds:          Thresholds{Low: 0.5, Medium: 0.7, High: 0.9},
	}, testLogger())

	rl.Adjust(0.8) // factor 0.7
	rl.SetLimits(50, 40)
	assert.InDelta(t, 28, rl.GetStats().EffectiveRate, 0.001,
		"new ceiling scaled by the current load factor")

	rl.Adjust(0.1)
	assert.InDelta(t, 40, rl.GetStats().EffectiveRate, 0.001)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := New(Config{
		Capacity:            100,
		RefillRatePerSecond: 100,
		PerModule:           []ModuleLimit{{Module: "a", Capacity: 5, RefillRate: 5}},
	}, testLogger())

	rl.Admit(record(t, types.LevelInfo, "a"))
	assert.Equal(t, 1, rl.GetStats().ActiveBuckets)

	removed := rl.Cleanup(0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, rl.GetStats().ActiveBuckets)

	// Configured module bucket comes back on next use.
	rl.Admit(record(t, types.LevelInfo, "a"))
	assert.Equal(t, 1, rl.GetStats().ActiveBuckets)
}
