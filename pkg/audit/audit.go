// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit emits structured audit records for security-relevant events:
// agent creation, task state transitions, plugin load/unload, capability
// denials, and rate-limit rejections.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Action identifies the audited operation.
type Action string

const (
	ActionAgentCreated   Action = "agent.created"
	ActionTaskTransition Action = "task.transition"
	ActionPluginLoaded   Action = "plugin.loaded"
	ActionPluginUnloaded Action = "plugin.unloaded"
	ActionCapabilityDeny Action = "capability.denied"
	ActionRateLimited    Action = "rate.limited"
	ActionCommand        Action = "command.dispatched"
)

// Record is one audit trail entry.
type Record struct {
	Timestamp time.Time
	Actor     string
	Action    Action
	Outcome   string
	Detail    map[string]string
}

// Sink receives audit records. Implementations must be safe for concurrent
// use; Emit should not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, rec Record)
	Close() error
}

// Logger writes records to the configured sinks, stamping the timestamp if
// the caller left it zero.
type Logger struct {
	mu    sync.RWMutex
	sinks []Sink
	now   func() time.Time
}

// NewLogger creates a Logger over the given sinks. A Logger with no sinks
// discards all records.
func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, now: time.Now}
}

// Emit stamps and fans the record out to every sink.
func (l *Logger) Emit(ctx context.Context, rec Record) {
	if l == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ctx, rec)
	}
}

// Close closes all sinks, returning the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.sinks = nil
	return first
}

// SlogSink writes audit records through a slog.Logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over logger, defaulting to slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With(slog.String("channel", "audit"))}
}

// Emit implements Sink.
func (s *SlogSink) Emit(ctx context.Context, rec Record) {
	attrs := []any{
		slog.String("actor", rec.Actor),
		slog.String("action", string(rec.Action)),
		slog.String("outcome", rec.Outcome),
		slog.Time("at", rec.Timestamp),
	}
	for k, v := range rec.Detail {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

// Close implements Sink.
func (s *SlogSink) Close() error { return nil }
