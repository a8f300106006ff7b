// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the retry, timeout, and circuit-breaker
// policies applied around tool invocations.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// RetryConfig is an exponential-backoff retry policy.
type RetryConfig struct {
	// MaxAttempts bounds the total number of tries, first call included.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the grown backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts (default 2).
	Multiplier float64

	// Jitter spreads the delay by ±Jitter fraction to avoid retry
	// stampedes. 0.1 means ±10%.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	// Nil falls back to errors.Recoverable.
	IsRecoverable func(error) bool
}

// DefaultRetryConfig is the policy for idempotent tool classes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		Jitter:        0.1,
		IsRecoverable: errors.Recoverable,
	}
}

// NoRetry runs the operation exactly once. Side-effecting tool calls use
// it so the retry layer can never introduce a duplicate effect.
func NoRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

// WithMaxAttempts returns a copy with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

// WithInitialDelay returns a copy with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a copy with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// WithIsRecoverable returns a copy with the recoverability predicate set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do runs fn until it succeeds, returns a non-recoverable error, or the
// attempt budget is spent. The backoff wait respects ctx.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	attempts := rc.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = errors.Recoverable
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(rc.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.New(errors.CodeCancelled, "context canceled during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", attempts)
			case <-timer.C:
			}
		}

		last = fn()
		if last == nil {
			return nil
		}
		if !recoverable(last) {
			return last
		}
	}
	return last
}

// DoWithResult is Do for operations that produce a value.
func (rc RetryConfig) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var out any
	err := rc.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// backoff computes the jittered delay before the given retry.
func (rc RetryConfig) backoff(retry int) time.Duration {
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2
	}

	d := time.Duration(float64(rc.InitialDelay) * math.Pow(mult, float64(retry-1)))
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	if rc.Jitter > 0 {
		spread := 1 + rc.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}
