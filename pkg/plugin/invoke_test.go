// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/governor"
)

func TestInvokeSuccess(t *testing.T) {
	l := newTestLoader(t, echoBackend())
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	resp, err := l.Invoke(ctx, Call{
		AgentID:  "agent-1",
		PluginID: "p",
		Tool:     "echo",
		Args:     map[string]any{"msg": "hello"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Payload != "hello" {
		t.Errorf("payload = %v, want hello", resp.Payload)
	}
	if resp.RequestID == "" {
		t.Error("request id was not generated")
	}
}

func TestInvokeUnknownToolDeniedBeforeSandbox(t *testing.T) {
	var executed atomic.Int64
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "echo", Capability: CapabilityCompute},
		func(context.Context, map[string]any) (any, error) {
			executed.Add(1)
			return nil, nil
		},
	)
	l := newTestLoader(t, backend)
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "delete_everything"})
	if !errors.IsCode(err, errors.CodeCapabilityDenied) {
		t.Fatalf("Invoke = %v, want CapabilityDenied", err)
	}
	if executed.Load() != 0 {
		t.Error("backend was entered for a denied tool")
	}
}

func TestInvokeCallerGrantsRestrictCapabilities(t *testing.T) {
	var executed atomic.Int64
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "echo", Capability: CapabilityCompute},
		func(_ context.Context, args map[string]any) (any, error) {
			executed.Add(1)
			return args["msg"], nil
		},
	)
	l := newTestLoader(t, backend)
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := l.Invoke(ctx, Call{
		AgentID:  "a",
		PluginID: "p",
		Tool:     "echo",
		Grants:   []Capability{CapabilityNetwork},
	})
	if !errors.IsCode(err, errors.CodeCapabilityDenied) {
		t.Fatalf("Invoke = %v, want CapabilityDenied", err)
	}
	if executed.Load() != 0 {
		t.Error("backend was entered without a matching grant")
	}

	resp, err := l.Invoke(ctx, Call{
		AgentID:  "a",
		PluginID: "p",
		Tool:     "echo",
		Args:     map[string]any{"msg": "ok"},
		Grants:   []Capability{CapabilityCompute},
	})
	if err != nil {
		t.Fatalf("granted Invoke: %v", err)
	}
	if resp.Payload != "ok" {
		t.Errorf("payload = %v, want ok", resp.Payload)
	}
}

func TestInvokeUnknownPlugin(t *testing.T) {
	l := newTestLoader(t, echoBackend())
	_, err := l.Invoke(context.Background(), Call{AgentID: "a", PluginID: "ghost", Tool: "echo"})
	if !errors.IsCode(err, errors.CodeInvocationFailed) {
		t.Errorf("Invoke = %v, want InvocationFailed", err)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	gov := governor.New(governor.WithLimit(governor.ClassCompute, governor.Limit{RefillRate: 0.001, Burst: 1}))
	l := newTestLoader(t, echoBackend(), WithGovernor(gov))
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "echo"}); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	_, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "echo"})
	if !errors.IsCode(err, errors.CodeRateLimited) {
		t.Fatalf("second Invoke = %v, want RateLimited", err)
	}
	// Another actor has its own bucket.
	if _, err := l.Invoke(ctx, Call{AgentID: "b", PluginID: "p", Tool: "echo"}); err != nil {
		t.Errorf("other actor Invoke: %v", err)
	}
}

func TestIdempotencyKeyCollapsesConcurrentDuplicates(t *testing.T) {
	var executions atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "trade.place", Capability: CapabilityCompute, SideEffecting: true},
		func(ctx context.Context, args map[string]any) (any, error) {
			executions.Add(1)
			close(entered)
			<-release
			return "order-accepted", nil
		},
	)
	l := newTestLoader(t, backend)
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	call := Call{AgentID: "trader", PluginID: "p", Tool: "trade.place", IdempotencyKey: "trade-42"}

	var wg sync.WaitGroup
	results := make([]any, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := l.Invoke(ctx, call)
		if resp != nil {
			results[0] = resp.Payload
		}
		errs[0] = err
	}()

	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := l.Invoke(ctx, call)
		if resp != nil {
			results[1] = resp.Payload
		}
		errs[1] = err
	}()

	// Give the second caller time to attach to the flight, then let the
	// single execution finish.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if executions.Load() != 1 {
		t.Fatalf("executions = %d, want exactly 1", executions.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d error: %v", i, errs[i])
		}
		if results[i] != "order-accepted" {
			t.Errorf("caller %d payload = %v", i, results[i])
		}
	}
}

func TestDistinctIdempotencyKeysExecuteSeparately(t *testing.T) {
	var executions atomic.Int64
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "trade.place", Capability: CapabilityCompute, SideEffecting: true},
		func(context.Context, map[string]any) (any, error) {
			executions.Add(1)
			return "ok", nil
		},
	)
	l := newTestLoader(t, backend)
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, key := range []string{"trade-1", "trade-2"} {
		if _, err := l.Invoke(ctx, Call{AgentID: "trader", PluginID: "p", Tool: "trade.place", IdempotencyKey: key}); err != nil {
			t.Fatalf("Invoke %s: %v", key, err)
		}
	}
	// Same key again after settlement starts a fresh flight: dedup only
	// spans concurrent invocations.
	if _, err := l.Invoke(ctx, Call{AgentID: "trader", PluginID: "p", Tool: "trade.place", IdempotencyKey: "trade-1"}); err != nil {
		t.Fatalf("repeat Invoke: %v", err)
	}
	if executions.Load() != 3 {
		t.Errorf("executions = %d, want 3", executions.Load())
	}
}

func TestIdempotencyKeyScopedToAgent(t *testing.T) {
	var executions atomic.Int64
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "trade.place", Capability: CapabilityCompute},
		func(context.Context, map[string]any) (any, error) {
			executions.Add(1)
			return "ok", nil
		},
	)
	l := newTestLoader(t, backend)
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, agent := range []string{"alice", "bob"} {
		if _, err := l.Invoke(ctx, Call{AgentID: agent, PluginID: "p", Tool: "trade.place", IdempotencyKey: "k"}); err != nil {
			t.Fatalf("Invoke as %s: %v", agent, err)
		}
	}
	if executions.Load() != 2 {
		t.Errorf("executions = %d, want 2 (keys are per agent)", executions.Load())
	}
}

func TestCooperativeCancellationDoesNotPoison(t *testing.T) {
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "wait", Capability: CapabilityCompute},
		func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	l := newTestLoader(t, backend, WithCancelAckGrace(200*time.Millisecond))
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "wait", Timeout: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("Invoke succeeded, want timeout error")
	}

	// The backend acknowledged cancellation in time, so the instance
	// stays serviceable.
	backend.Register(ToolSpec{Name: "wait", Capability: CapabilityCompute},
		func(context.Context, map[string]any) (any, error) { return "alive", nil })
	resp, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "wait"})
	if err != nil {
		t.Fatalf("Invoke after cancel: %v", err)
	}
	if resp.Payload != "alive" {
		t.Errorf("payload = %v", resp.Payload)
	}
}

func TestForceTerminatePoisonsInstance(t *testing.T) {
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "hang", Capability: CapabilityCompute},
		func(context.Context, map[string]any) (any, error) {
			select {} // never acknowledges cancellation
		},
	)
	l := newTestLoader(t, backend, WithCancelAckGrace(10*time.Millisecond))
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "hang", Timeout: 20 * time.Millisecond})
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("Invoke = %v, want Timeout", err)
	}
	if !errors.Recoverable(err) {
		t.Error("timeout should be recoverable")
	}

	infos := l.Infos()
	if len(infos) != 1 || infos[0].State != StatePoisoned {
		t.Fatalf("state = %+v, want poisoned", infos)
	}
	if _, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "hang"}); !errors.IsCode(err, errors.CodePluginCrashed) {
		t.Errorf("Invoke on poisoned = %v, want PluginCrashed", err)
	}
}

func TestPanicContainedAndReportedAsInvocationFailure(t *testing.T) {
	backend := NewFuncBackend().Register(
		ToolSpec{Name: "boom", Capability: CapabilityCompute},
		func(context.Context, map[string]any) (any, error) {
			panic("nil map write")
		},
	)
	l := newTestLoader(t, backend)
	ctx := context.Background()
	if err := l.Load(ctx, testManifest("p")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := l.Invoke(ctx, Call{AgentID: "a", PluginID: "p", Tool: "boom"})
	if !errors.IsCode(err, errors.CodeInvocationFailed) {
		t.Fatalf("Invoke = %v, want InvocationFailed", err)
	}
	if !errors.IsCode(errors.AsNexusError(err).Unwrap(), errors.CodePluginCrashed) {
		t.Errorf("cause = %v, want PluginCrashed", err)
	}
	infos := l.Infos()
	if len(infos) != 1 || infos[0].State != StatePoisoned {
		t.Errorf("state = %+v, want poisoned after crash", infos)
	}
}
