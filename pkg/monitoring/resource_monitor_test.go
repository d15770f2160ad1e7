package monitoring

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
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingAdjuster struct {
	mutex sync.Mutex
	loads []float64
}

func (a *recordingAdjuster) Adjust(load float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.loads = append(a.loads, load)
}

func (a *recordingAdjuster) Loads() []float64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]float64(nil), a.loads...)
}

func TestResourceMonitor_LoadIsWorstPressure(t *testing.T) {
	adjuster := &recordingAdjuster{}
	monitor := NewResourceMonitor(Config{Enabled: true}, adjuster,
		func() float64 { return 0.2 }, testLogger())
	monitor.sample = func() (float64, float64, error) { return 0.35, 0.8, nil }

	sample := monitor.Tick()

	assert.Equal(t, 0.35, sample.CPU)
	assert.Equal(t, 0.8, sample.Memory)
	assert.Equal(t, 0.2, sample.BufferFill)
	assert.Equal(t, 0.8, sample.Load, "load is the worst of the three pressures")
	require.Equal(t, []float64{0.8}, adjuster.Loads())
}

func TestResourceMonitor_BufferPressureDominates(t *testing.T) {
	adjuster := &recordingAdjuster{}
	monitor := NewResourceMonitor(Config{Enabled: true}, adjuster,
		func() float64 { return 0.95 }, testLogger())
	monitor.sample = func() (float64, float64, error) { return 0.1, 0.1, nil }

	sample := monitor.Tick()
	assert.Equal(t, 0.95, sample.Load)
}

func TestResourceMonitor_ClampsOutOfRange(t *testing.T) {
	monitor := NewResourceMonitor(Config{Enabled: true}, nil,
		func() float64 { return -1 }, testLogger())
	monitor.sample = func() (float64, float64, error) { return 1.7, -0.3, nil }

	sample := monitor.Tick()
	assert.Equal(t, 1.0, sample.CPU)
	assert.Equal(t, 0.0, sample.Memory)
	assert.Equal(t, 0.0, sample.BufferFill)
	assert.Equal(t, 1.0, sample.Load)
}

func TestResourceMonitor_PeriodicSampling(t *testing.T) {
	adjuster := &recordingAdjuster{}
	monitor := NewResourceMonitor(Config{Enabled: true, Interval: 5 * time.Millisecond},
		adjuster, nil, testLogger())
	monitor.sample = func() (float64, float64, error) { return 0.5, 0.5, nil }

	monitor.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	monitor.Stop()

	loads := adjuster.Loads()
	require.GreaterOrEqual(t, len(loads), 2, "immediate sample plus ticker samples")
	assert.Equal(t, 0.5, monitor.LastSample().Load)
}

func TestResourceMonitor_DisabledStartsNothing(t *testing.T) {
	adjuster := &recordingAdjuster{}
	monitor := NewResourceMonitor(Config{Enabled: false, Interval: time.Millisecond},
		adjuster, nil, testLogger())
	monitor.sample = func() (float64, float64, error) { return 1, 1, nil }

	monitor.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	monitor.Stop()

	assert.Empty(t, adjuster.Loads())
}

func TestResourceMonitor_StopIsIdempotent(t *testing.T) {
	monitor := NewResourceMonitor(Config{Enabled: true, Interval: time.Hour},
		nil, nil, testLogger())
	monitor.sample = func() (float64, float64, error) { return 0, 0, nil }

	monitor.Start(context.Background())
	monitor.Stop()
	monitor.Stop()
}
