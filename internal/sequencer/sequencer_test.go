package sequencer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
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

func batchWithID(t *testing.T, id string) *types.Batch {
	t.Helper()
	r, err := types.NewLogRecord(types.LevelInfo, "mod", "msg-"+id, nil)
	require.NoError(t, err)
	return &types.Batch{
		ID:        id,
		Entries:   []types.BufferEntry{{Record: r, SizeEstimate: 10}},
		Status:    types.BatchPending,
		CreatedAt: time.Now(),
	}
}

func TestSequencer_AscendingOrderSingleInFlight(t *testing.T) {
	var mu sync.Mutex
	var order []uint64
	var inFlight, maxInFlight int32

	dispatcher := func(ctx context.Context, b *types.Batch) error {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, b.SequenceNum)
		mu.Unlock()
		return nil
	}

	s := New(Config{BaseDelay: time.Millisecond}, dispatcher, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	for i := 0; i < 10; i++ {
		_, err := s.Enqueue(batchWithID(t, string(rune('a'+i))))
		require.NoError(t, err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, s.Drain(drainCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, seq := range order {
		assert.Equal(t, uint64(i+1), seq, "sequences dispatched in ascending order")
	}
	assert.Equal(t, int32(1), maxInFlight, "exactly one batch in flight at a time")
}

func TestSequencer_TransientRetryThenDLQ(t *testing.T) {
	var attempts int32
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		atomic.AddInt32(&attempts, 1)
		return apperrors.TransientSinkError("network", "503 unavailable")
	}

	s := New(Config{MaxRetries: 1, BaseDelay: 5 * time.Millisecond}, dispatcher, testLogger())
	_, err := s.Enqueue(batchWithID(t, "b1"))
	require.NoError(t, err)

	require.True(t, s.ProcessNext(context.Background()))

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts), "one initial attempt plus one retry")
	dlq := s.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, "b1", dlq[0].Batch.ID)

	result, ok := s.Result(1)
	require.True(t, ok)
	assert.True(t, result.DeadLettered)
	assert.Equal(t, 2, result.Attempts)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Equal(t, int64(1), stats.Retried)
}

func TestSequencer_PermanentErrorSkipsRetries(t *testing.T) {
	var attempts int32
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		atomic.AddInt32(&attempts, 1)
		return apperrors.PermanentSinkError("network", "400 bad request")
	}

	s := New(Config{MaxRetries: 3, BaseDelay: time.Millisecond}, dispatcher, testLogger())
	_, err := s.Enqueue(batchWithID(t, "b1"))
	require.NoError(t, err)

	require.True(t, s.ProcessNext(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "permanent errors get exactly one attempt")
	assert.Len(t, s.DLQ(), 1)
}

func TestSequencer_SuccessAfterRetry(t *testing.T) {
	var attempts int32
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return apperrors.TransientSinkError("network", "503")
		}
		return nil
	}

	s := New(Config{MaxRetries: 5, BaseDelay: time.Millisecond}, dispatcher, testLogger())
	_, err := s.Enqueue(batchWithID(t, "b1"))
	require.NoError(t, err)

	require.True(t, s.ProcessNext(context.Background()))

	result, ok := s.Result(1)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Empty(t, s.DLQ())
	assert.Equal(t, int64(1), s.GetStats().Succeeded)
}

func TestSequencer_DispatchTimeoutIsRetryable(t *testing.T) {
	var attempts int32
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		atomic.AddInt32(&attempts, 1)
		<-ctx.Done()
		return ctx.Err()
	}

	s := New(Config{
		MaxRetries:      1,
		BaseDelay:       time.Millisecond,
		DispatchTimeout: 10 * time.Millisecond,
	}, dispatcher, testLogger())
	_, err := s.Enqueue(batchWithID(t, "slow"))
	require.NoError(t, err)

	require.True(t, s.ProcessNext(context.Background()))

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	require.Len(t, s.DLQ(), 1)
}

func TestSequencer_Backoff(t *testing.T) {
	s := New(Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}, nil, testLogger())

	assert.Equal(t, 10*time.Millisecond, s.backoff(1))
	assert.Equal(t, 20*time.Millisecond, s.backoff(2))
	assert.Equal(t, 40*time.Millisecond, s.backoff(3))
	assert.Equal(t, 50*time.Millisecond, s.backoff(4), "clamped to max delay")
	assert.Equal(t, 50*time.Millisecond, s.backoff(10))
}

func TestSequencer_DLQOverflowDropsOldest(t *testing.T) {
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		return apperrors.PermanentSinkError("network", "400")
	}

	s := New(Config{MaxRetries: 0, BaseDelay: time.Millisecond, DLQCapacity: 2}, dispatcher, testLogger())
	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := s.Enqueue(batchWithID(t, id))
		require.NoError(t, err)
		require.True(t, s.ProcessNext(context.Background()))
	}

	dlq := s.DLQ()
	require.Len(t, dlq, 2)
	assert.Equal(t, "b2", dlq[0].Batch.ID)
	assert.Equal(t, "b3", dlq[1].Batch.ID)
}

func TestSequencer_Replay(t *testing.T) {
	var fail int32 = 1
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		if atomic.LoadInt32(&fail) == 1 {
			return apperrors.PermanentSinkError("network", "400")
		}
		return nil
	}

	s := New(Config{MaxRetries: 0, BaseDelay: time.Millisecond, ReplayEnabled: true}, dispatcher, testLogger())
	_, err := s.Enqueue(batchWithID(t, "b1"))
	require.NoError(t, err)
	require.True(t, s.ProcessNext(context.Background()))
	require.Len(t, s.DLQ(), 1)

	// Sink recovered: the DLQ head is re-introduced and succeeds.
	atomic.StoreInt32(&fail, 0)
	require.True(t, s.ProcessNext(context.Background()))
	assert.Empty(t, s.DLQ())
	assert.Equal(t, int64(1), s.GetStats().Succeeded)
}

func TestSequencer_ExportImportDLQ(t *testing.T) {
	dispatcher := func(ctx context.Context, b *types.Batch) error {
		return apperrors.PermanentSinkError("network", "400")
	}

	s := New(Config{MaxRetries: 0, BaseDelay: time.Millisecond}, dispatcher, testLogger())
	_, err := s.Enqueue(batchWithID(t, "b1"))
	require.NoError(t, err)
	require.True(t, s.ProcessNext(context.Background()))

	data, err := s.ExportDLQ()
	require.NoError(t, err)

	other := New(Config{BaseDelay: time.Millisecond}, nil, testLogger())
	imported, err := other.ImportDLQ(data)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	dlq := other.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, "b1", dlq[0].Batch.ID)
	require.Len(t, dlq[0].Batch.Entries, 1)
	assert.Equal(t, "msg-b1", dlq[0].Batch.Entries[0].Record.Message)
}

func TestSequencer_EnqueueAfterStop(t *testing.T) {
	s := New(Config{BaseDelay: time.Millisecond}, func(context.Context, *types.Batch) error { return nil }, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()

	_, err := s.Enqueue(batchWithID(t, "late"))
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePipelineClosed, appErr.Code)
}
