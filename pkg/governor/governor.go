// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package governor provides token-bucket quota enforcement per actor and
// action class. It bounds the blast radius of a runaway or malicious agent
// or plugin by limiting the rate of outward-facing operations.
package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// ActionClass groups operations that share a quota.
type ActionClass string

const (
	// ClassNetwork covers outbound network calls made on behalf of an actor.
	ClassNetwork ActionClass = "network"
	// ClassChain covers blockchain RPC calls.
	ClassChain ActionClass = "chain"
	// ClassCompute covers local tool execution.
	ClassCompute ActionClass = "compute"
)

// Limit describes the refill behavior of one bucket class.
type Limit struct {
	// RefillRate is the continuous refill in tokens per second.
	RefillRate float64
	// Burst is the bucket capacity.
	Burst float64
}

// DefaultLimit is applied to action classes with no explicit configuration.
var DefaultLimit = Limit{RefillRate: 5, Burst: 10}

// Governor enforces per-(actor, class) token buckets. All mutation happens
// inside atomic check-and-consume operations; callers never observe a
// negative or over-capacity token count.
type Governor struct {
	mu      sync.Mutex
	limits  map[ActionClass]Limit
	buckets map[bucketKey]*bucket
	now     func() time.Time
}

type bucketKey struct {
	actor string
	class ActionClass
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithLimit sets the limit for one action class.
func WithLimit(class ActionClass, limit Limit) Option {
	return func(g *Governor) {
		if limit.RefillRate > 0 && limit.Burst > 0 {
			g.limits[class] = limit
		}
	}
}

// WithClock overrides the time source. Used by tests to drive refill
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Governor with the given options.
func New(opts ...Option) *Governor {
	g := &Governor{
		limits:  make(map[ActionClass]Limit),
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow consumes cost tokens from the (actor, class) bucket. It returns
// CodeRateLimited without consuming anything when the bucket holds fewer
// than cost tokens.
func (g *Governor) Allow(actor string, class ActionClass, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := g.limitFor(class)
	key := bucketKey{actor: actor, class: class}
	b, ok := g.buckets[key]
	now := g.now()
	if !ok {
		b = &bucket{tokens: limit.Burst, lastRefill: now}
		g.buckets[key] = b
	} else {
		g.refill(b, limit, now)
	}

	if b.tokens < cost {
		return errors.New(errors.CodeRateLimited,
			fmt.Sprintf("quota exhausted for %s/%s", actor, class), nil).
			WithContext("actor", actor).
			WithContext("action_class", string(class)).
			WithContext("cost", cost).
			WithRecoverable(true)
	}
	b.tokens -= cost
	return nil
}

// Tokens reports the current token count for the (actor, class) bucket after
// applying refill. An untouched bucket reports its full burst capacity.
func (g *Governor) Tokens(actor string, class ActionClass) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := g.limitFor(class)
	b, ok := g.buckets[bucketKey{actor: actor, class: class}]
	if !ok {
		return limit.Burst
	}
	g.refill(b, limit, g.now())
	return b.tokens
}

// SetLimit replaces the limit for one action class at runtime. Existing
// buckets keep their accumulated tokens and refill at the new rate; a zero
// or negative rate or burst removes the override, reverting the class to
// DefaultLimit.
func (g *Governor) SetLimit(class ActionClass, limit Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit.RefillRate > 0 && limit.Burst > 0 {
		g.limits[class] = limit
		return
	}
	delete(g.limits, class)
}

// Reset drops all bucket state for an actor, typically after the actor is
// garbage-collected from the agent registry.
func (g *Governor) Reset(actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.buckets {
		if key.actor == actor {
			delete(g.buckets, key)
		}
	}
}

func (g *Governor) limitFor(class ActionClass) Limit {
	if limit, ok := g.limits[class]; ok {
		return limit
	}
	return DefaultLimit
}

// refill tops the bucket up by elapsed-time * rate, capped at burst.
// Callers must hold g.mu.
func (g *Governor) refill(b *bucket, limit Limit, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * limit.RefillRate
	if b.tokens > limit.Burst {
		b.tokens = limit.Burst
	}
	b.lastRefill = now
}
