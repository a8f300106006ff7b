// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// WithTimeout bounds fn by d. A zero duration runs fn directly. Deadline
// expiry yields a recoverable TOOL_TIMEOUT error; fn keeps its cancelled
// context and is expected to unwind on its own.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := WithTimeoutResult(ctx, d, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// WithTimeoutResult is WithTimeout for operations that produce a value.
func WithTimeoutResult(ctx context.Context, d time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if d == 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	settled := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		settled <- outcome{value, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case out := <-settled:
		return out.value, out.err
	}
}
