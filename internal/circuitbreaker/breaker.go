// Package circuitbreaker keeps a flaky downstream (the transition event
// broker, in practice) from stalling every caller. After enough
// consecutive failures the breaker opens and callers fail fast until a
// probe succeeds.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe quota is
	// already taken.
	ErrTooManyRequests = errors.New("too many requests")
)

// State is the breaker's position: closed (passing), open (rejecting)
// or half-open (probing).
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
	}
	return "unknown"
}

type Config struct {
	// MaxFailures opens the circuit after this many failures in a row.
	MaxFailures int

	// Timeout is how long the circuit rejects before allowing probes.
	Timeout time.Duration

	// HalfOpenMaxRequests caps concurrent probes while half-open.
	HalfOpenMaxRequests int

	// OnStateChange, if set, observes every transition.
	OnStateChange func(from, to State)
}

func DefaultConfig() *Config {
	return &Config{
		MaxFailures:         5,
		Timeout:             60 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

type CircuitBreaker struct {
	config *Config

	mu       sync.RWMutex
	state    State
	failures int
	probes   int
	openedAt time.Time
}

// New builds a breaker; a nil config means DefaultConfig.
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{config: config}
}

// Execute runs fn if the circuit allows it and feeds the result back
// into the breaker. The fn error is returned unwrapped so callers can
// still inspect it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: let probes through.
		cb.transition(StateHalfOpen)
		cb.probes = 0
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case ok:
		// A single success closes a half-open circuit and clears the
		// failure streak either way.
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		cb.failures = 0

	case cb.state == StateHalfOpen:
		// Failed probe: back to rejecting for another cooldown.
		cb.openedAt = time.Now()
		cb.transition(StateOpen)

	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			cb.openedAt = time.Now()
			cb.transition(StateOpen)
		}
	}
}

// transition assumes cb.mu is held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed and forgets accumulated failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.probes = 0
}
