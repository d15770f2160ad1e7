// Package circuit implements the three-state circuit breaker guarding
// the network sink: CLOSED forwards calls, OPEN rejects immediately,
// HALF_OPEN lets probes through until enough consecutive successes
// close the circuit again.
package circuit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures to open
	SuccessThreshold int           `yaml:"success_threshold"` // consecutive probe successes to close
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // open -> half-open cooldown
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	config BreakerConfig
	logger *logrus.Logger

	state         types.CircuitState
	consecFails   int
	failures      int64
	successes     int64
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time

	halfOpenSuccesses int
	probeInFlight     bool

	onStateChange func(from, to types.CircuitState)

	mu sync.RWMutex
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}

	return &Breaker{
		config: config,
		logger: logger,
		state:  types.CircuitClosed,
	}
}

// OnStateChange registers a callback invoked on every transition. Must
// be set before first use; the callback runs with the breaker lock held.
func (b *Breaker) OnStateChange(fn func(from, to types.CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs fn under breaker protection. Split in three phases so
// the lock is never held during fn:
// 1. pre-check (locked): reject if open, admit probe if half-open
// 2. execution (unlocked): run fn
// 3. record (locked): update counters and state
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()

	b.requests++

	if b.state == types.CircuitOpen {
		if time.Now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return apperrors.CircuitOpenError(b.config.Name)
		}
		b.setState(types.CircuitHalfOpen)
		b.halfOpenSuccesses = 0
		b.probeInFlight = false
	}

	probe := false
	if b.state == types.CircuitHalfOpen {
		if b.probeInFlight {
			b.mu.Unlock()
			return apperrors.CircuitOpenError(b.config.Name)
		}
		b.probeInFlight = true
		probe = true
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
	}

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.failures++
	b.consecFails++
	b.lastFailure = time.Now()

	switch b.state {
	case types.CircuitHalfOpen:
		// A failed probe reopens immediately.
		b.trip()
	case types.CircuitClosed:
		if b.consecFails >= b.config.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.successes++
	b.lastSuccess = time.Now()
	b.consecFails = 0

	if b.state == types.CircuitHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(types.CircuitClosed)
			b.nextRetryTime = time.Time{}
			b.logger.WithFields(logrus.Fields{
				"breaker":   b.config.Name,
				"successes": b.successes,
			}).Info("Circuit breaker closed")
		}
	}
}

func (b *Breaker) trip() {
	if b.state == types.CircuitOpen {
		return
	}

	b.setState(types.CircuitOpen)
	b.nextRetryTime = time.Now().Add(b.config.ResetTimeout)

	b.logger.WithFields(logrus.Fields{
		"breaker":         b.config.Name,
		"failures":        b.consecFails,
		"next_retry_time": b.nextRetryTime,
	}).Warn("Circuit breaker opened")
}

func (b *Breaker) setState(newState types.CircuitState) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() types.CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether calls would currently be rejected outright.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == types.CircuitOpen && time.Now().Before(b.nextRetryTime)
}

// Reset forces the breaker back to CLOSED and clears all streaks.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(types.CircuitClosed)
	b.consecFails = 0
	b.halfOpenSuccesses = 0
	b.probeInFlight = false
	b.nextRetryTime = time.Time{}
}

// GetStats returns a snapshot of the breaker counters.
func (b *Breaker) GetStats() types.CircuitBreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return types.CircuitBreakerStats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}
