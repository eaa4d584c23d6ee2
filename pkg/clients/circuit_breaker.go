// Package clients provides the resilience primitives and HTTP transport used
// to talk to the legacy source.
package clients

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/metrics"
	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

// ErrCircuitOpen is returned, matched with errors.Is, when a call is
// rejected by an open breaker
var ErrCircuitOpen = syncerrors.New(syncerrors.ErrorTypeCircuitOpen, "circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen is an open breaker whose timeout has elapsed; exactly one
	// call is let through as a trial
	StateHalfOpen
)

// String returns the state name
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig is the configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name             string        // Label used in logs and metrics
	FailureThreshold int           // Number of consecutive failures before opening
	ResetTimeout     time.Duration // Time since the last failure before a trial is allowed
}

// DefaultCircuitBreakerConfig returns the defaults for a named breaker
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 10,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker fails fast once a dependency has failed FailureThreshold
// times in a row, and lets a trial through after ResetTimeout.
//
// A breaker protects one dependency. Its state is private to the instance.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	open        bool
	failures    int
	lastFailure time.Time
	// trialRunning is set while the single half-open trial is in flight
	trialRunning bool
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 10
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", config.Name)),
		now:    time.Now,
	}
	metrics.CircuitState.WithLabelValues(config.Name).Set(float64(StateClosed))
	return cb
}

// WithClock replaces the breaker's time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	return cb
}

// Execute runs fn with circuit breaker protection.
// If the circuit is open and the reset timeout has not elapsed since the last
// failure, or another caller's trial is still in flight, it returns an error
// matching ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	ok, trial := cb.allow()
	if !ok {
		return syncerrors.New(syncerrors.ErrorTypeCircuitOpen, ErrCircuitOpen.Message).
			WithDetail("breaker", cb.config.Name)
	}
	if trial {
		defer func() {
			if r := recover(); r != nil {
				cb.recordFailure(fmt.Errorf("panic: %v", r), true)
				panic(r)
			}
		}()
	}

	if err := fn(); err != nil {
		cb.recordFailure(err, trial)
		return err
	}

	cb.recordSuccess(trial)
	return nil
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if !cb.open {
		return StateClosed
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}
	return StateOpen
}

// allow reports whether a call may proceed and whether it is the half-open trial
func (cb *CircuitBreaker) allow() (ok, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateOpen:
		return false, false
	case StateHalfOpen:
		if cb.trialRunning {
			return false, false
		}
		cb.trialRunning = true
		cb.logger.Info("circuit breaker allowing trial",
			zap.Int("failures", cb.failures))
		metrics.CircuitState.WithLabelValues(cb.config.Name).Set(float64(StateHalfOpen))
		return true, true
	}
	return true, false
}

func (cb *CircuitBreaker) recordFailure(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialRunning = false
	}
	cb.failures++
	cb.lastFailure = cb.now()

	if cb.failures >= cb.config.FailureThreshold {
		if !cb.open {
			cb.logger.Warn("circuit breaker opened",
				zap.Int("failures", cb.failures),
				zap.Duration("reset_timeout", cb.config.ResetTimeout),
				zap.Error(err))
		}
		cb.open = true
		metrics.CircuitState.WithLabelValues(cb.config.Name).Set(float64(StateOpen))
	}
}

func (cb *CircuitBreaker) recordSuccess(trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialRunning = false
	}
	if cb.open {
		cb.logger.Info("circuit breaker closed")
	}
	cb.failures = 0
	cb.open = false
	metrics.CircuitState.WithLabelValues(cb.config.Name).Set(float64(StateClosed))
}
