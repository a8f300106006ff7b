// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexuslabs/nexus/pkg/audit"
	"github.com/nexuslabs/nexus/pkg/errors"
)

// Call is one tool invocation request crossing the host/plugin boundary.
type Call struct {
	// RequestID identifies the invocation. Generated when empty.
	RequestID string
	// AgentID is the calling actor, charged by the governor and used to
	// scope idempotency keys. Distinct agents submitting under a shared
	// actor share one key namespace: concurrent calls reusing a key
	// collapse to a single execution across all of them. Callers that
	// want per-agent dedup must use per-agent actors.
	AgentID string
	PluginID string
	Tool     string
	Args     map[string]any
	// Timeout bounds the invocation. Zero means the loader default.
	Timeout time.Duration
	// IdempotencyKey collapses concurrent duplicate invocations into one
	// side effect. Empty disables deduplication.
	IdempotencyKey string
	// Grants restricts the capabilities this caller may exercise. Nil
	// means no caller-side restriction; the plugin's declared set still
	// applies.
	Grants []Capability
}

func (c Call) granted(cap Capability) bool {
	if c.Grants == nil {
		return true
	}
	for _, g := range c.Grants {
		if g == cap {
			return true
		}
	}
	return false
}

// Response is the result side of the invocation protocol.
type Response struct {
	RequestID string
	Payload   any
}

type flightKey struct {
	agent string
	key   string
}

// flight is a pending-invocation record. Attached callers wait on done and
// then read result/err; both are written exactly once before done closes.
type flight struct {
	done   chan struct{}
	result any
	err    error
}

// Invoke runs the invocation protocol: capability check, then governor,
// then in-flight deduplication, then sandboxed execution. A successful
// result or terminal error is delivered exactly once to every attached
// caller.
func (l *Loader) Invoke(ctx context.Context, call Call) (*Response, error) {
	if call.RequestID == "" {
		call.RequestID = uuid.NewString()
	}

	inst, spec, err := l.resolve(ctx, call)
	if err != nil {
		return nil, err
	}

	if l.gov != nil {
		class := spec.Capability.ActionClass()
		if err := l.gov.Allow(call.AgentID, class, spec.Cost); err != nil {
			l.metrics.RecordRateLimit(ctx, call.AgentID, string(class))
			l.auditor.Emit(ctx, audit.Record{
				Actor:   call.AgentID,
				Action:  audit.ActionRateLimited,
				Outcome: "rejected",
				Detail:  map[string]string{"tool": call.Tool, "plugin": call.PluginID},
			})
			return nil, err
		}
	}

	if call.IdempotencyKey != "" {
		return l.invokeDeduplicated(ctx, call, inst, spec)
	}
	payload, err := l.execute(ctx, call, inst)
	if err != nil {
		return nil, err
	}
	return &Response{RequestID: call.RequestID, Payload: payload}, nil
}

// resolve looks the plugin and tool up in the capability table. Anything
// outside the declared set fails here, before the sandbox is ever entered.
func (l *Loader) resolve(ctx context.Context, call Call) (*instance, ToolSpec, error) {
	l.mu.RLock()
	inst, ok := l.table[call.PluginID]
	l.mu.RUnlock()
	if !ok {
		return nil, ToolSpec{}, errors.New(errors.CodeInvocationFailed,
			fmt.Sprintf("plugin %s is not loaded", call.PluginID), nil)
	}

	switch inst.getState() {
	case StateActive:
	case StateDraining, StateUnloaded:
		return nil, ToolSpec{}, errors.New(errors.CodeInvocationFailed,
			fmt.Sprintf("plugin %s is shutting down", call.PluginID), nil).
			WithRecoverable(true)
	case StatePoisoned:
		return nil, ToolSpec{}, errors.New(errors.CodePluginCrashed,
			fmt.Sprintf("plugin %s needs reload after forced termination", call.PluginID), nil)
	}

	spec, ok := inst.tools[call.Tool]
	if !ok || !inst.hasCapability(spec.Capability) {
		return nil, ToolSpec{}, l.deny(ctx, call,
			fmt.Sprintf("tool %s is outside the declared capability set of %s", call.Tool, call.PluginID))
	}
	if !call.granted(spec.Capability) {
		return nil, ToolSpec{}, l.deny(ctx, call,
			fmt.Sprintf("caller %s holds no %s grant", call.AgentID, spec.Capability))
	}
	return inst, spec, nil
}

func (l *Loader) deny(ctx context.Context, call Call, msg string) error {
	l.metrics.RecordDenial(ctx, call.PluginID, call.Tool)
	l.auditor.Emit(ctx, audit.Record{
		Actor:   call.AgentID,
		Action:  audit.ActionCapabilityDeny,
		Outcome: "denied",
		Detail:  map[string]string{"tool": call.Tool, "plugin": call.PluginID},
	})
	return errors.New(errors.CodeCapabilityDenied, msg, nil)
}

func (in *instance) hasCapability(c Capability) bool {
	_, ok := in.caps[c]
	return ok
}

// invokeDeduplicated attaches to an existing in-flight invocation sharing
// (agent_id, idempotency_key), or registers a new one. The invariant is at
// most one in-flight record per pair at any instant.
func (l *Loader) invokeDeduplicated(ctx context.Context, call Call, inst *instance, spec ToolSpec) (*Response, error) {
	key := flightKey{agent: call.AgentID, key: call.IdempotencyKey}

	l.flightMu.Lock()
	if existing, ok := l.flights[key]; ok {
		l.flightMu.Unlock()
		select {
		case <-existing.done:
			if existing.err != nil {
				return nil, existing.err
			}
			return &Response{RequestID: call.RequestID, Payload: existing.result}, nil
		case <-ctx.Done():
			return nil, errors.New(errors.CodeCancelled,
				"caller cancelled while attached to in-flight invocation", ctx.Err())
		}
	}
	f := &flight{done: make(chan struct{})}
	l.flights[key] = f
	l.flightMu.Unlock()

	payload, err := l.execute(ctx, call, inst)

	l.flightMu.Lock()
	delete(l.flights, key)
	l.flightMu.Unlock()
	f.result, f.err = payload, err
	close(f.done)

	if err != nil {
		return nil, err
	}
	return &Response{RequestID: call.RequestID, Payload: payload}, nil
}

// execute runs the call inside the instance sandbox with deadline tracking
// independent of any scheduler. A forced termination poisons the instance.
func (l *Loader) execute(ctx context.Context, call Call, inst *instance) (any, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = l.invokeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	payload, forced, err := inst.sandbox.Execute(cctx, l.cancelAckGrace, func(ictx context.Context) (any, error) {
		return inst.backend.Invoke(ictx, call.Tool, call.Args)
	})
	if forced {
		inst.setState(StatePoisoned)
		l.logger.Error("plugin force-terminated after ignoring cancellation",
			slog.String("plugin_id", call.PluginID),
			slog.String("tool", call.Tool),
		)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(errors.CodeOf(err))
	}
	l.metrics.RecordInvocation(ctx, call.PluginID, call.Tool, outcome)
	l.logger.Debug("tool invocation finished",
		slog.String("request_id", call.RequestID),
		slog.String("plugin_id", call.PluginID),
		slog.String("tool", call.Tool),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("outcome", outcome),
	)

	if err != nil {
		// A crash inside the backend is contained by the sandbox and
		// surfaces as an invocation failure, never a host fault.
		if errors.IsCode(err, errors.CodePluginCrashed) {
			inst.setState(StatePoisoned)
			return nil, errors.New(errors.CodeInvocationFailed,
				"plugin crashed during invocation", err).
				WithContext("plugin", call.PluginID).
				WithContext("tool", call.Tool)
		}
		return nil, err
	}
	return payload, nil
}
