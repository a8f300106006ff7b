// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// Sandbox is the isolated execution context housing a loaded backend. Every
// invocation runs in its own goroutine with panic containment, so a crash
// or stall inside extension code never corrupts host state. The sandbox
// tracks in-flight work so an unload can drain before teardown.
type Sandbox struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight int
	idle     chan struct{}
}

// NewSandbox creates a sandbox whose invocations are all bound to a single
// instance-scoped context. Terminate cancels that context.
func NewSandbox() *Sandbox {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{ctx: ctx, cancel: cancel, idle: make(chan struct{})}
	close(s.idle)
	return s
}

// Execute runs fn inside the sandbox, bounded by ctx. On ctx expiry the
// backend is given ackGrace to acknowledge cancellation; if it does not
// return in time the whole sandbox is terminated and forced reports true,
// telling the caller the instance needs a reload before further calls.
func (s *Sandbox) Execute(ctx context.Context, ackGrace time.Duration, fn func(context.Context) (any, error)) (result any, forced bool, err error) {
	select {
	case <-s.ctx.Done():
		return nil, false, errors.New(errors.CodePluginCrashed, "sandbox is terminated", nil)
	default:
	}

	s.enter()

	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer s.exit()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.New(errors.CodePluginCrashed,
					fmt.Sprintf("plugin panicked: %v", r), nil)}
			}
		}()
		value, ferr := fn(cctx)
		done <- outcome{value: value, err: ferr}
	}()

	select {
	case out := <-done:
		return out.value, false, out.err
	case <-cctx.Done():
	}

	// Cooperative cancellation window: fn observes cctx and should return.
	timer := time.NewTimer(ackGrace)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			return nil, false, out.err
		}
		// The work finished during the grace window, but the deadline
		// already passed; the caller still sees the expiry.
		return nil, false, expiryError(cctx)
	case <-timer.C:
		s.cancel()
		return nil, true, expiryError(cctx)
	}
}

func expiryError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.New(errors.CodeTimeout, "tool invocation exceeded timeout", ctx.Err()).
			WithRecoverable(true)
	}
	return errors.New(errors.CodeCancelled, "tool invocation cancelled", ctx.Err())
}

// Drain waits up to grace for all in-flight invocations to finish.
// It reports whether the sandbox went idle in time.
func (s *Sandbox) Drain(grace time.Duration) bool {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate cancels the instance context, aborting anything still running.
func (s *Sandbox) Terminate() {
	s.cancel()
}

// Terminated reports whether the sandbox has been torn down.
func (s *Sandbox) Terminated() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Inflight returns the number of invocations currently executing.
func (s *Sandbox) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Sandbox) enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
}

func (s *Sandbox) exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
}
