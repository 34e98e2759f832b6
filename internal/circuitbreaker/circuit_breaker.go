// Package circuitbreaker stops calling a failing dependency for a cool-down period.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nameop-indexer/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means a limited number of trial requests are let through
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
	// HalfOpenTrials successful trials close the circuit again
	HalfOpenTrials int
	// IsFailure decides whether an error counts against the dependency.
	// Context cancellation never counts.
	IsFailure func(err error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:           name,
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenTrials: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time
	logger *logging.Logger

	mu               sync.Mutex
	state            State
	consecutiveFails int
	trialsInFlight   int
	trialSuccesses   int
	openedAt         time.Time
	totalCalls       int64
	totalFailures    int64
	rejected         int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		config: cfg,
		now:    time.Now,
		logger: logging.WithField("circuitBreaker", cfg.Name),
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trial, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)

	cb.afterRequest(trial, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			cb.rejected++
			return false, fmt.Errorf("%s: %w", cb.config.Name, ErrCircuitOpen)
		}
		cb.state = StateHalfOpen
		cb.trialsInFlight = 0
		cb.trialSuccesses = 0
		cb.logger.Info("Circuit breaker transitioning to half-open")
	}

	if cb.state == StateHalfOpen {
		if cb.trialsInFlight+cb.trialSuccesses >= cb.config.HalfOpenTrials {
			cb.rejected++
			return false, fmt.Errorf("%s: %w", cb.config.Name, ErrCircuitOpen)
		}
		cb.trialsInFlight++
		return true, nil
	}

	return false, nil
}

func (cb *CircuitBreaker) afterRequest(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if trial {
		cb.trialsInFlight--
	}

	failed := err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		cb.config.IsFailure(err)

	if !failed {
		cb.consecutiveFails = 0
		if trial && cb.state == StateHalfOpen {
			cb.trialSuccesses++
			if cb.trialSuccesses >= cb.config.HalfOpenTrials {
				cb.state = StateClosed
				cb.logger.Info("Circuit breaker closed after successful recovery")
			}
		}
		return
	}

	cb.totalFailures++
	cb.consecutiveFails++

	switch {
	case cb.state == StateHalfOpen:
		cb.open()
		cb.logger.WithError(err).Warn("Circuit breaker reopened after failure in half-open state")
	case cb.state == StateClosed && cb.consecutiveFails >= cb.config.MaxFailures:
		cb.open()
		cb.logger.WithFields(map[string]interface{}{
			"consecutiveFails": cb.consecutiveFails,
		}).WithError(err).Warn("Circuit breaker opened due to failures")
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.consecutiveFails = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name          string `json:"name"`
	State         State  `json:"state"`
	TotalCalls    int64  `json:"totalCalls"`
	TotalFailures int64  `json:"totalFailures"`
	Rejected      int64  `json:"rejected"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:          cb.config.Name,
		State:         cb.state,
		TotalCalls:    cb.totalCalls,
		TotalFailures: cb.totalFailures,
		Rejected:      cb.rejected,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.trialsInFlight = 0
	cb.trialSuccesses = 0
	cb.logger.Info("Circuit breaker manually reset")
}
