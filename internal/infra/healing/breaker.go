// Package healing guards upstream services with circuit breakers.
//
// Circuit Breaker states:
//   - CLOSED    (normal) → failures reach threshold → OPEN
//   - OPEN      (rejecting) → after reset timeout → HALF_OPEN
//   - HALF_OPEN (probing) → enough probes succeed → CLOSED, any failure → OPEN
package healing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
)

// CBState represents the circuit breaker state.
type CBState int

const (
	CBClosed   CBState = iota // Calls pass through
	CBOpen                    // Calls rejected without reaching the upstream
	CBHalfOpen                // Probe calls allowed
)

// String returns a human-readable circuit breaker state.
func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "CLOSED"
	case CBOpen:
		return "OPEN"
	case CBHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config configures a circuit breaker.
type Config struct {
	FailureThreshold int           // Consecutive failures to trip (default 5)
	ResetTimeout     time.Duration // Time in OPEN before probing (default 30s)
	HalfOpenMax      int           // Successful probes needed to close (default 3)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      3,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu         sync.Mutex
	name       string
	config     Config
	state      CBState
	failures   int
	successes  int // successes in HALF_OPEN
	trippedAt  time.Time
	totalTrips int
	now        func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a closed circuit breaker. Zero config fields take
// their defaults.
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  CBClosed,
		now:    time.Now,
	}
	cb.report()
	return cb
}

// Allow returns ErrCircuitOpen (wrapped with the breaker name) while the
// breaker rejects calls.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()
	if cb.state == CBOpen {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.state = CBClosed
			cb.failures = 0
			cb.successes = 0
			cb.report()
		}
	case CBClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call. May trip the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.tripLocked()
		}
	case CBHalfOpen:
		cb.tripLocked()
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	TotalTrips int       `json:"total_trips"`
	TrippedAt  time.Time `json:"tripped_at,omitempty"`
}

// Snapshot returns the current state snapshot.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return Snapshot{
		Name:       cb.name,
		State:      cb.state.String(),
		Failures:   cb.failures,
		TotalTrips: cb.totalTrips,
		TrippedAt:  cb.trippedAt,
	}
}

// Reset forces the circuit breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBClosed
	cb.failures = 0
	cb.successes = 0
	cb.report()
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = CBOpen
	cb.trippedAt = cb.now()
	cb.totalTrips++
	cb.successes = 0
	cb.report()
}

// advanceLocked moves OPEN to HALF_OPEN once the reset timeout has elapsed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == CBOpen && cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
		cb.state = CBHalfOpen
		cb.successes = 0
		cb.report()
	}
}

func (cb *CircuitBreaker) report() {
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
