// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"testing"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGovernor(limit Limit) (*Governor, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := New(
		WithLimit(ClassNetwork, limit),
		WithClock(clock.Now),
	)
	return g, clock
}

func TestBurstThenRateLimited(t *testing.T) {
	g, _ := newTestGovernor(Limit{RefillRate: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if err := g.Allow("agent-1", ClassNetwork, 1); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	err := g.Allow("agent-1", ClassNetwork, 1)
	if !errors.IsCode(err, errors.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestRefusalDoesNotConsumePartialTokens(t *testing.T) {
	g, clock := newTestGovernor(Limit{RefillRate: 1, Burst: 5})

	if err := g.Allow("agent-1", ClassNetwork, 4); err != nil {
		t.Fatalf("initial consume failed: %v", err)
	}
	// 1 token left; a cost-3 request must fail and leave the balance intact.
	if err := g.Allow("agent-1", ClassNetwork, 3); !errors.IsCode(err, errors.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if got := g.Tokens("agent-1", ClassNetwork); got != 1 {
		t.Fatalf("tokens after refusal = %v, want 1", got)
	}

	clock.Advance(2 * time.Second)
	if err := g.Allow("agent-1", ClassNetwork, 3); err != nil {
		t.Fatalf("consume after refill failed: %v", err)
	}
}

func TestRefillCappedAtBurst(t *testing.T) {
	g, clock := newTestGovernor(Limit{RefillRate: 10, Burst: 4})

	if err := g.Allow("agent-1", ClassNetwork, 4); err != nil {
		t.Fatalf("burst consume failed: %v", err)
	}
	clock.Advance(time.Hour)
	if got := g.Tokens("agent-1", ClassNetwork); got != 4 {
		t.Fatalf("tokens after long idle = %v, want burst cap 4", got)
	}
}

func TestSustainedRateAboveRefill(t *testing.T) {
	// Refill 2/s, burst 4. Issuing 4/s for 3 seconds: the first second drains
	// the burst, afterwards only the refill rate is admitted.
	g, clock := newTestGovernor(Limit{RefillRate: 2, Burst: 4})

	granted, rejected := 0, 0
	for tick := 0; tick < 12; tick++ {
		if err := g.Allow("agent-1", ClassNetwork, 1); err == nil {
			granted++
		} else {
			rejected++
		}
		clock.Advance(250 * time.Millisecond)
	}
	// 4 burst tokens + 2/s * 3s refill − the token refilled after the last
	// request never gets spent.
	if granted < 9 || granted > 10 {
		t.Fatalf("granted = %d, want 9..10", granted)
	}
	if rejected == 0 {
		t.Fatalf("expected rejections above sustained rate")
	}
}

func TestNoFalsePositivesBelowRate(t *testing.T) {
	g, clock := newTestGovernor(Limit{RefillRate: 2, Burst: 4})

	// 1 request/s against a 2 token/s refill must never be rejected.
	for tick := 0; tick < 20; tick++ {
		if err := g.Allow("agent-1", ClassNetwork, 1); err != nil {
			t.Fatalf("request %d below refill rate rejected: %v", tick, err)
		}
		clock.Advance(time.Second)
	}
}

func TestActorsAndClassesAreIndependent(t *testing.T) {
	g, _ := newTestGovernor(Limit{RefillRate: 1, Burst: 1})

	if err := g.Allow("agent-1", ClassNetwork, 1); err != nil {
		t.Fatalf("first actor rejected: %v", err)
	}
	if err := g.Allow("agent-2", ClassNetwork, 1); err != nil {
		t.Fatalf("second actor shares first actor's bucket: %v", err)
	}
	if err := g.Allow("agent-1", ClassCompute, 1); err != nil {
		t.Fatalf("distinct class shares bucket: %v", err)
	}
}

func TestSetLimitRetunesClassAtRuntime(t *testing.T) {
	g, clock := newTestGovernor(Limit{RefillRate: 1, Burst: 2})

	if err := g.Allow("agent-1", ClassNetwork, 2); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	g.SetLimit(ClassNetwork, Limit{RefillRate: 10, Burst: 5})

	// The drained bucket refills at the new rate up to the new burst.
	clock.Advance(time.Second)
	if got := g.Tokens("agent-1", ClassNetwork); got != 5 {
		t.Fatalf("tokens after retune = %v, want 5", got)
	}
	// A class never touched reports the new burst directly.
	if got := g.Tokens("agent-2", ClassNetwork); got != 5 {
		t.Fatalf("fresh bucket = %v, want new burst 5", got)
	}

	// A non-positive limit drops the override back to the default.
	g.SetLimit(ClassNetwork, Limit{})
	if got := g.Tokens("agent-3", ClassNetwork); got != DefaultLimit.Burst {
		t.Fatalf("tokens after clearing = %v, want default burst %v", got, DefaultLimit.Burst)
	}
}

func TestReset(t *testing.T) {
	g, _ := newTestGovernor(Limit{RefillRate: 1, Burst: 2})

	if err := g.Allow("agent-1", ClassNetwork, 2); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	g.Reset("agent-1")
	if got := g.Tokens("agent-1", ClassNetwork); got != 2 {
		t.Fatalf("tokens after reset = %v, want full burst", got)
	}
}
