package router

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeSink struct {
	name    string
	err     error
	delay   time.Duration
	mutex   sync.Mutex
	batches []*types.Batch
	started bool
	stopped bool
}

func (f *fakeSink) Name() string                  { return f.name }
func (f *fakeSink) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeSink) Stop() error                   { f.stopped = true; return nil }
func (f *fakeSink) IsHealthy() bool               { return f.err == nil }

func (f *fakeSink) Write(ctx context.Context, batch *types.Batch) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.batches = append(f.batches, batch)
	return f.err
}

func (f *fakeSink) received() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.batches)
}

func testBatch(t *testing.T) *types.Batch {
	t.Helper()
	r, err := types.NewLogRecord(types.LevelInfo, "mod", "msg", nil)
	require.NoError(t, err)
	return &types.Batch{
		ID:      "b1",
		Entries: []types.BufferEntry{{Record: r, SizeEstimate: 10}},
		Status:  types.BatchPending,
	}
}

func TestRouter_DispatchAllSinks(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	r := New(testLogger(), nil)
	r.Register(a)
	r.Register(b)

	require.NoError(t, r.Dispatch(context.Background(), testBatch(t)))
	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
}

func TestRouter_FailureIsolation(t *testing.T) {
	bad := &fakeSink{name: "bad", err: apperrors.TransientSinkError("bad", "503")}
	good := &fakeSink{name: "good"}
	r := New(testLogger(), nil)
	r.Register(bad)
	r.Register(good)

	err := r.Dispatch(context.Background(), testBatch(t))
	require.Error(t, err)
	assert.Equal(t, 1, good.received(), "failing sink does not cancel the healthy one")

	var composite *CompositeError
	require.ErrorAs(t, err, &composite)
	assert.Contains(t, composite.Failures, "bad")
	assert.NotContains(t, composite.Failures, "good")
}

func TestRouter_CompositePermanence(t *testing.T) {
	batch := testBatch(t)

	t.Run("all permanent", func(t *testing.T) {
		r := New(testLogger(), nil)
		r.Register(&fakeSink{name: "a", err: apperrors.PermanentSinkError("a", "400")})
		r.Register(&fakeSink{name: "b", err: apperrors.PermanentSinkError("b", "422")})

		err := r.Dispatch(context.Background(), batch)
		require.Error(t, err)
		assert.True(t, apperrors.IsPermanent(err))
	})

	t.Run("one transient keeps retryable", func(t *testing.T) {
		r := New(testLogger(), nil)
		r.Register(&fakeSink{name: "a", err: apperrors.PermanentSinkError("a", "400")})
		r.Register(&fakeSink{name: "b", err: apperrors.TransientSinkError("b", "503")})

		err := r.Dispatch(context.Background(), batch)
		require.Error(t, err)
		assert.False(t, apperrors.IsPermanent(err))
	})
}

func TestRouter_ConcurrentFanOut(t *testing.T) {
	// Three slow sinks dispatched concurrently finish in roughly one
	// sink's latency, not three.
	r := New(testLogger(), nil)
	for _, name := range []string{"a", "b", "c"} {
		r.Register(&fakeSink{name: name, delay: 50 * time.Millisecond})
	}

	start := time.Now()
	require.NoError(t, r.Dispatch(context.Background(), testBatch(t)))
	assert.Less(t, time.Since(start), 120*time.Millisecond)
}

func TestRouter_StartStop(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	r := New(testLogger(), nil)
	r.Register(a)
	r.Register(b)

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, a.started)
	assert.True(t, b.started)

	require.NoError(t, r.Stop())
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestRouter_NoSinks(t *testing.T) {
	r := New(testLogger(), nil)
	assert.NoError(t, r.Dispatch(context.Background(), testBatch(t)))
}

func TestRouter_Healthy(t *testing.T) {
	r := New(testLogger(), nil)
	r.Register(&fakeSink{name: "up"})
	r.Register(&fakeSink{name: "down", err: apperrors.TransientSinkError("down", "x")})

	health := r.Healthy()
	assert.True(t, health["up"])
	assert.False(t, health["down"])
}
