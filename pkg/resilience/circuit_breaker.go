// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// CircuitBreakerState is one of closed, open, or half-open.
type CircuitBreakerState string

const (
	// StateClosed admits every call.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen admits probe calls to test recovery.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig tunes a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int

	// SuccessThreshold is how many half-open successes close it again.
	SuccessThreshold int

	// Timeout is the open-state cooldown before probing.
	Timeout time.Duration

	// Name identifies the breaker in errors and logs.
	Name string
}

// CircuitBreaker sheds load from a repeatedly failing dependency,
// typically one plugin backend. The guarded call runs outside the
// breaker's lock, so calls through one breaker proceed concurrently.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker builds a breaker, filling unset config with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "circuit_breaker"
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Call runs fn if the breaker admits it and records the outcome. While
// the circuit is open it returns a recoverable BUSY error instead.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if !cb.admit() {
		return errors.New(errors.CodeBusy, "circuit breaker open", nil).
			WithContext("breaker", cb.cfg.Name).
			WithRecoverable(true)
	}

	err := fn()
	cb.record(err == nil)
	return err
}

// admit reports whether a call may proceed, moving open → half-open once
// the cooldown has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) <= cb.cfg.Timeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.failures = 0
		cb.successes = 0
	}
	return true
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !ok {
		cb.failures++
		switch cb.state {
		case StateHalfOpen:
			cb.trip()
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.trip()
			}
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// trip opens the circuit. Must be called under lock.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}

// Open forces the breaker open, starting a fresh cooldown.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip()
}
