package logger

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"auditcore/pkg/buffer"
	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/ratelimit"
	"auditcore/pkg/sanitize"
	"auditcore/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testDiag() *logrus.Logger {
	diag := logrus.New()
	diag.SetOutput(io.Discard)
	return diag
}

// captureSink records every batch it receives.
type captureSink struct {
	mutex   sync.Mutex
	batches []*types.Batch
}

func (s *captureSink) Name() string                    { return "capture" }
func (s *captureSink) Start(ctx context.Context) error { return nil }
func (s *captureSink) Stop() error                     { return nil }
func (s *captureSink) IsHealthy() bool                 { return true }

func (s *captureSink) Write(ctx context.Context, batch *types.Batch) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) records() []*types.LogRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []*types.LogRecord
	for _, b := range s.batches {
		out = append(out, b.Records()...)
	}
	return out
}

func defaultOptions(sink types.Sink) Options {
	return Options{
		RateLimiter: ratelimit.Config{Capacity: 100, RefillRatePerSecond: 100},
		Buffer:      buffer.Config{MaxCount: 100, FlushInterval: 20 * time.Millisecond},
		Sinks:       []types.Sink{sink},
		Diagnostics: testDiag(),
	}
}

func startLogger(t *testing.T, options Options) *Logger {
	t.Helper()
	l, err := New(options)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestLogger_DeliversRecordsInOrder(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, defaultOptions(sink))

	out, err := l.Info(context.Background(), "auth", "first", nil)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	out, err = l.Error(context.Background(), "auth", "second", map[string]interface{}{"code": 500})
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	summary := l.Flush(context.Background())
	require.NoError(t, summary.LastError)
	assert.Equal(t, 0, summary.Remaining)

	records := sink.records()
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Message)
	assert.Equal(t, "second", records[1].Message)
	assert.NotZero(t, records[0].Sequence)

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Accepted)
}

func TestLogger_ThrottledWhenBucketEmpty(t *testing.T) {
	sink := &captureSink{}
	options := defaultOptions(sink)
	options.RateLimiter = ratelimit.Config{Capacity: 0, RefillRatePerSecond: 0}
	l := startLogger(t, options)

	out, err := l.Info(context.Background(), "auth", "dropped", nil)
	require.NoError(t, err)
	assert.True(t, out.Throttled)
	assert.False(t, out.Deferred, "INFO is denied outright")

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.RateLimited)
	assert.Equal(t, int64(0), stats.Accepted)
}

func TestLogger_HighSeverityDeferredNotDropped(t *testing.T) {
	sink := &captureSink{}
	options := defaultOptions(sink)
	options.RateLimiter = ratelimit.Config{Capacity: 0, RefillRatePerSecond: 0}
	l := startLogger(t, options)

	out, err := l.Error(context.Background(), "auth", "important", nil)
	require.NoError(t, err)
	assert.True(t, out.Throttled)
	assert.True(t, out.Deferred, "ERROR parks in the priority queue")
}

func TestLogger_LevelPolicy(t *testing.T) {
	sink := &captureSink{}
	options := defaultOptions(sink)
	options.Levels = LevelConfig{
		DefaultLevel: "INFO",
		ModuleLevels: map[string]string{"debugged": "DEBUG"},
		PatternLevels: []PatternLevel{
			{Pattern: "quiet/*", Level: "ERROR"},
		},
	}
	l := startLogger(t, options)

	ctx := context.Background()

	out, _ := l.Debug(ctx, "auth", "below default", nil)
	assert.True(t, out.Filtered)
	out, _ = l.Info(ctx, "auth", "at default", nil)
	assert.True(t, out.Accepted)

	out, _ = l.Debug(ctx, "debugged", "module override", nil)
	assert.True(t, out.Accepted)

	out, _ = l.Warn(ctx, "quiet/worker", "cut by pattern", nil)
	assert.True(t, out.Filtered)
	out, _ = l.Error(ctx, "quiet/worker", "passes pattern", nil)
	assert.True(t, out.Accepted)
}

func TestLogger_RejectsBadLevelConfig(t *testing.T) {
	_, err := New(Options{
		Levels:      LevelConfig{DefaultLevel: "LOUD"},
		Diagnostics: testDiag(),
	})
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeConfigInvalid, appErr.Code)
}

func TestLogger_SanitizesBeforeBuffering(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, defaultOptions(sink))

	_, err := l.Info(context.Background(), "auth", "login for u@example.com",
		map[string]interface{}{"password": "hunter2", "user": "u1"})
	require.NoError(t, err)
	l.Flush(context.Background())

	records := sink.records()
	require.Len(t, records, 1)
	assert.Equal(t, "login for [EMAIL_REDACTED]", records[0].Message)
	assert.Equal(t, "[REDACTED]", records[0].Context["password"])
	assert.Equal(t, "u1", records[0].Context["user"])
}

func TestLogger_SetSanitizerTakesEffect(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, defaultOptions(sink))

	ctx := context.Background()
	_, err := l.Info(ctx, "auth", "ref r-1", map[string]interface{}{"internal_ref": "r-1"})
	require.NoError(t, err)

	cfg := sanitize.DefaultConfig()
	cfg.ExtraSensitiveKeys = []string{"internal_ref"}
	l.SetSanitizer(cfg)

	_, err = l.Info(ctx, "auth", "ref r-2", map[string]interface{}{"internal_ref": "r-2"})
	require.NoError(t, err)
	l.Flush(ctx)

	records := sink.records()
	require.Len(t, records, 2)
	assert.Equal(t, "r-1", records[0].Context["internal_ref"])
	assert.Equal(t, "[REDACTED]", records[1].Context["internal_ref"])
}

func TestLogger_InvalidRecordRejected(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, defaultOptions(sink))

	_, err := l.Info(context.Background(), "   ", "message", nil)
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeRecordInvalid, appErr.Code)
	assert.Equal(t, int64(1), l.Stats().Invalid)
}

type staticProvider struct{ rc types.RequestContext }

func (p staticProvider) Current(ctx context.Context) types.RequestContext { return p.rc }

func TestLogger_ProviderEnrichment(t *testing.T) {
	sink := &captureSink{}
	options := defaultOptions(sink)
	options.Provider = staticProvider{rc: types.RequestContext{
		CorrelationID: "corr-1",
		TraceID:       "trace-1",
		SpanID:        "span-1",
		UserID:        "user-9",
	}}
	l := startLogger(t, options)

	_, err := l.Info(context.Background(), "auth", "enriched", nil)
	require.NoError(t, err)
	l.Flush(context.Background())

	records := sink.records()
	require.Len(t, records, 1)
	assert.Equal(t, "corr-1", records[0].CorrelationID)
	assert.Equal(t, "trace-1", records[0].TraceID)
	assert.Equal(t, "span-1", records[0].SpanID)
	assert.Equal(t, "user-9", records[0].Context["user_id"])
}

func TestLogger_ChainProviderFirstFieldWins(t *testing.T) {
	chain := ChainProvider{
		staticProvider{rc: types.RequestContext{TraceID: "trace-a"}},
		staticProvider{rc: types.RequestContext{TraceID: "trace-b", UserID: "u2"}},
	}
	rc := chain.Current(context.Background())
	assert.Equal(t, "trace-a", rc.TraceID)
	assert.Equal(t, "u2", rc.UserID)
}

func TestLogger_SpanProviderWithoutSpan(t *testing.T) {
	rc := SpanContextProvider{}.Current(context.Background())
	assert.Empty(t, rc.TraceID)
	assert.Empty(t, rc.SpanID)
}

func TestLogger_WithContextBindsFields(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, defaultOptions(sink))

	child := l.WithContext("tenant", "acme").WithContext("region", "eu")
	_, err := child.Info(context.Background(), "auth", "bound",
		map[string]interface{}{"region": "us"})
	require.NoError(t, err)
	child.Flush(context.Background())

	records := sink.records()
	require.Len(t, records, 1)
	assert.Equal(t, "acme", records[0].Context["tenant"])
	assert.Equal(t, "us", records[0].Context["region"], "call-site fields win over bound fields")
}

func TestLogger_CloseStopsAcceptance(t *testing.T) {
	sink := &captureSink{}
	l := startLogger(t, defaultOptions(sink))

	_, err := l.Info(context.Background(), "auth", "before close", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close(context.Background()))

	_, err = l.Info(context.Background(), "auth", "after close", nil)
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePipelineClosed, appErr.Code)

	// The record logged before close was flushed on the way down.
	require.Len(t, sink.records(), 1)
}

func TestLogger_DeferredReplayReachesSink(t *testing.T) {
	sink := &captureSink{}
	options := defaultOptions(sink)
	options.RateLimiter = ratelimit.Config{Capacity: 1, RefillRatePerSecond: 100}
	options.DrainInterval = 10 * time.Millisecond
	l := startLogger(t, options)

	ctx := context.Background()
	out, err := l.Error(ctx, "auth", "admitted", nil)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	// Bucket now empty; this one is deferred and replayed by the
	// periodic drain once tokens refill.
	out, err = l.Error(ctx, "auth", "deferred", nil)
	require.NoError(t, err)
	require.True(t, out.Deferred)

	require.Eventually(t, func() bool {
		l.Flush(ctx)
		return len(sink.records()) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
