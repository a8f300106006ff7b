// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu   sync.Mutex
	recs []Record
}

func (c *captureSink) Emit(_ context.Context, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.recs...)
}

func TestLoggerStampsAndFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	logger := NewLogger(a, b)

	logger.Emit(context.Background(), Record{
		Actor:   "agent-1",
		Action:  ActionCapabilityDeny,
		Outcome: "denied",
		Detail:  map[string]string{"tool": "fs.read"},
	})

	for _, sink := range []*captureSink{a, b} {
		recs := sink.records()
		if len(recs) != 1 {
			t.Fatalf("sink got %d records, want 1", len(recs))
		}
		if recs[0].Timestamp.IsZero() {
			t.Errorf("timestamp not stamped")
		}
		if recs[0].Action != ActionCapabilityDeny {
			t.Errorf("action = %s", recs[0].Action)
		}
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Emit(context.Background(), Record{Action: ActionCommand})
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("opening sink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	sink.Emit(ctx, Record{
		Timestamp: time.Now().UTC(),
		Actor:     "router",
		Action:    ActionCommand,
		Outcome:   "success",
		Detail:    map[string]string{"command": "agent.run"},
	})
	sink.Emit(ctx, Record{
		Timestamp: time.Now().UTC(),
		Actor:     "agent-7",
		Action:    ActionRateLimited,
		Outcome:   "rejected",
	})

	recs, err := sink.RecentRecords(ctx, 10)
	if err != nil {
		t.Fatalf("reading records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].Action != ActionRateLimited {
		t.Errorf("first record = %s, want %s", recs[0].Action, ActionRateLimited)
	}
	if recs[1].Detail["command"] != "agent.run" {
		t.Errorf("detail not persisted: %#v", recs[1].Detail)
	}
}
