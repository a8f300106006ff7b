// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// ToolFunc is one in-process tool implementation.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// FuncBackend serves tools from plain Go functions. It backs the "builtin"
// entry point kind and is the backend used by compiled-in plugins.
type FuncBackend struct {
	mu       sync.RWMutex
	specs    map[string]ToolSpec
	handlers map[string]ToolFunc
}

// NewFuncBackend creates an empty function-backed backend.
func NewFuncBackend() *FuncBackend {
	return &FuncBackend{
		specs:    make(map[string]ToolSpec),
		handlers: make(map[string]ToolFunc),
	}
}

// Register adds one tool. Later registrations replace earlier ones.
func (b *FuncBackend) Register(spec ToolSpec, fn ToolFunc) *FuncBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs[spec.Name] = spec
	b.handlers[spec.Name] = fn
	return b
}

// Tools implements Backend.
func (b *FuncBackend) Tools(context.Context) ([]ToolSpec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ToolSpec, 0, len(b.specs))
	for _, spec := range b.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Invoke implements Backend.
func (b *FuncBackend) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	b.mu.RLock()
	fn, ok := b.handlers[tool]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeInvocationFailed,
			fmt.Sprintf("tool %s is not served by this backend", tool), nil)
	}
	return fn(ctx, args)
}

// Close implements Backend.
func (b *FuncBackend) Close() error { return nil }

// BuiltinConstructor builds a backend for a named compiled-in plugin.
type BuiltinConstructor func(ep EntryPoint) (Backend, error)

var (
	builtinMu  sync.RWMutex
	builtinReg = make(map[string]BuiltinConstructor)
)

// RegisterBuiltin registers a compiled-in backend constructor under a name
// referenced by manifest entry points of kind "builtin". Registration
// follows the database/sql driver convention: call it from an init
// function or before constructing the loader.
func RegisterBuiltin(name string, ctor BuiltinConstructor) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinReg[name] = ctor
}

func builtinFactory(_ context.Context, ep EntryPoint) (Backend, error) {
	builtinMu.RLock()
	ctor, ok := builtinReg[ep.Target]
	builtinMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin backend named %q", ep.Target)
	}
	return ctor(ep)
}
