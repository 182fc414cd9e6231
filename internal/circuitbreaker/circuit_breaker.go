// Package circuitbreaker provides circuit breaker protection for outbound
// capability calls (embedding, generation, persistent-store writes).
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Errors returned without invoking the wrapped operation.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the failure count within the rolling window that
	// opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive successes in half-open state that
	// close the circuit.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// Timeout bounds every wrapped operation; a timeout counts as a failure.
	Timeout time.Duration
	// RollingWindow bounds how long a failure stays counted.
	RollingWindow time.Duration
	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		Timeout:          120 * time.Second,
		RollingWindow:    60 * time.Second,
	}
}

// CircuitBreaker guards one named outbound capability. State transitions are
// mutex-guarded; aggregate counters are atomics so they can be sampled
// without locking.
type CircuitBreaker struct {
	name   string
	config *Config

	mu                   sync.Mutex
	state                State
	failureTimes         []time.Time
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64

	now func() time.Time
}

// New creates a named circuit breaker.
func New(name string, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn under the breaker's timeout with circuit protection. An
// open breaker fast-fails with ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		atomic.AddInt64(&cb.totalRejections, 1)
		return err
	}

	atomic.AddInt64(&cb.totalRequests, 1)

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.config.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil {
		cb.recordSuccess()
		return nil
	}
	// Deadline expiry of the wrapper counts as a failure like any other.
	cb.recordFailure()
	return err
}

// allow decides whether a request may proceed, transitioning open→half-open
// after the recovery timeout.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	atomic.AddInt64(&cb.totalSuccesses, 1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastSuccess = cb.now()

	switch cb.state {
	case StateClosed:
		// A closed success decrements the failure count, floored at zero.
		if len(cb.failureTimes) > 0 {
			cb.failureTimes = cb.failureTimes[1:]
		}
	case StateHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	case StateOpen:
		// Unreachable: open rejects before execution.
	}
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.AddInt64(&cb.totalFailures, 1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailure = now
	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindowLocked(now)
		if len(cb.failureTimes) >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// A single failure while probing reopens the circuit.
		cb.transitionLocked(StateOpen)
	case StateOpen:
	}
}

// pruneWindowLocked drops failures older than the rolling window.
func (cb *CircuitBreaker) pruneWindowLocked(now time.Time) {
	if cb.config.RollingWindow <= 0 {
		return
	}
	cutoff := now.Add(-cb.config.RollingWindow)
	i := 0
	for i < len(cb.failureTimes) && cb.failureTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failureTimes = cb.failureTimes[i:]
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateClosed:
		cb.failureTimes = nil
		cb.consecutiveSuccesses = 0
	case StateOpen:
		cb.consecutiveSuccesses = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed and clears the window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failureTimes = nil
	cb.consecutiveSuccesses = 0
}

// Stats is a point-in-time sample of a breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	WindowFailures  int       `json:"window_failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalRejections int64     `json:"total_rejections"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
}

// GetStats samples the breaker.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	state := cb.state
	windowFailures := len(cb.failureTimes)
	lastFailure := cb.lastFailure
	lastSuccess := cb.lastSuccess
	cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           state.String(),
		WindowFailures:  windowFailures,
		TotalRequests:   atomic.LoadInt64(&cb.totalRequests),
		TotalFailures:   atomic.LoadInt64(&cb.totalFailures),
		TotalSuccesses:  atomic.LoadInt64(&cb.totalSuccesses),
		TotalRejections: atomic.LoadInt64(&cb.totalRejections),
		LastFailure:     lastFailure,
		LastSuccess:     lastSuccess,
	}
}
