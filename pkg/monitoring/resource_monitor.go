// Package monitoring samples host and pipeline pressure and feeds the
// combined load into the adaptive rate limiter.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// LoadAdjuster receives the combined load fraction on every sample.
type LoadAdjuster interface {
	Adjust(currentLoad float64)
}

// Sample is one observation of host and pipeline pressure, each in [0,1].
type Sample struct {
	CPU        float64   `json:"cpu"`
	Memory     float64   `json:"memory"`
	BufferFill float64   `json:"bufferFill"`
	Load       float64   `json:"load"`
	Taken      time.Time `json:"taken"`
}

// Config configures the resource monitor.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ResourceMonitor periodically samples CPU and memory usage via gopsutil
// plus the buffer fill fraction, and pushes the worst of the three into
// the rate limiter as the current load.
type ResourceMonitor struct {
	config   Config
	logger   *logrus.Logger
	adjuster LoadAdjuster
	fill     func() float64

	// sample is swapped in tests to avoid reading the real host.
	sample func() (cpuFraction, memFraction float64, err error)

	mutex   sync.Mutex
	last    Sample
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	closed  bool
}

// NewResourceMonitor creates a monitor. fill reports the buffer fill
// fraction and may be nil when no buffer pressure should be folded in.
func NewResourceMonitor(config Config, adjuster LoadAdjuster, fill func() float64, logger *logrus.Logger) *ResourceMonitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if fill == nil {
		fill = func() float64 { return 0 }
	}
	return &ResourceMonitor{
		config:   config,
		logger:   logger,
		adjuster: adjuster,
		fill:     fill,
		sample:   hostSample,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func hostSample() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	cpuFraction := 0.0
	if len(percents) > 0 {
		cpuFraction = percents[0] / 100.0
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return cpuFraction, 0, err
	}
	return cpuFraction, vm.UsedPercent / 100.0, nil
}

// Start launches the sampling loop. A disabled monitor starts nothing.
func (m *ResourceMonitor) Start(ctx context.Context) {
	if !m.config.Enabled {
		return
	}

	m.mutex.Lock()
	if m.started || m.closed {
		m.mutex.Unlock()
		return
	}
	m.started = true
	m.mutex.Unlock()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Tick takes one sample and applies it to the adjuster.
func (m *ResourceMonitor) Tick() Sample {
	cpuFraction, memFraction, err := m.sample()
	if err != nil {
		m.logger.WithError(err).Warn("Host resource sampling failed")
	}

	sample := Sample{
		CPU:        clampFraction(cpuFraction),
		Memory:     clampFraction(memFraction),
		BufferFill: clampFraction(m.fill()),
		Taken:      time.Now(),
	}
	sample.Load = sample.CPU
	if sample.Memory > sample.Load {
		sample.Load = sample.Memory
	}
	if sample.BufferFill > sample.Load {
		sample.Load = sample.BufferFill
	}

	m.mutex.Lock()
	m.last = sample
	m.mutex.Unlock()

	if m.adjuster != nil {
		m.adjuster.Adjust(sample.Load)
	}
	return sample
}

// LastSample returns the most recent observation.
func (m *ResourceMonitor) LastSample() Sample {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.last
}

// Stop terminates the sampling loop and waits for it to exit.
func (m *ResourceMonitor) Stop() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mutex.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	}
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
