// Package circuitbreaker guards calls to a remote time-series store.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting calls
	StateHalfOpen              // Probing whether the store recovered
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

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is spent
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// Name for logging
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of probes allowed, and successes required, in half-open state
	HalfOpenMaxRequests int

	// IsFailure decides whether an error counts against the store. Nil counts every
	// error except context cancellation.
	IsFailure func(err error) bool

	// OnStateChange is called when state changes
	OnStateChange func(name string, from, to State)

	// Clock defaults to the wall clock
	Clock clock.Clock
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config *Config
	clock  clock.Clock
	logger zerolog.Logger

	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	halfOpenCount   atomic.Int32

	rejected atomic.Int64
}

// Stats is a snapshot of breaker state
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	MaxFailures     int       `json:"max_failures"`
	TimeoutSeconds  float64   `json:"timeout_seconds"`
	Rejected        int64     `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// New creates a new circuit breaker
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	return &CircuitBreaker{
		config: cfg,
		clock:  c,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		state:  StateClosed,
	}
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext runs fn with circuit breaker protection. A context that is already done
// fails fast without touching breaker state.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.allowRequest(); err != nil {
		cb.rejected.Add(1)
		cb.logger.Warn().
			Str("state", cb.State().String()).
			Msg("Request rejected by circuit breaker")
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailureTime
	cb.mu.RUnlock()

	switch state {
	case StateOpen:
		if cb.clock.Now().Sub(lastFailure) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.mu.Lock()
		if cb.state == StateOpen {
			cb.setState(StateHalfOpen)
			cb.halfOpenCount.Store(0)
		}
		cb.mu.Unlock()
		if cb.halfOpenCount.Add(1) > int32(cb.config.HalfOpenMaxRequests) {
			return ErrTooManyRequests
		}
		return nil

	case StateHalfOpen:
		if cb.halfOpenCount.Add(1) > int32(cb.config.HalfOpenMaxRequests) {
			return ErrTooManyRequests
		}
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.isFailure(err) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = cb.clock.Now()

	cb.logger.Debug().
		Int("failures", cb.failures).
		Int("max_failures", cb.config.MaxFailures).
		Str("state", cb.state.String()).
		Msg("Recorded failure")

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.successes++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0

	cb.logger.Info().
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("Circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		MaxFailures:     cb.config.MaxFailures,
		TimeoutSeconds:  cb.config.Timeout.Seconds(),
		Rejected:        cb.rejected.Load(),
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
}
