// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit records to a local SQLite database so the trail
// survives process restarts.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink opens (or creates) the audit database at path. Parent
// directories are created if needed and the schema is applied automatically.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	logger := slog.Default().With(slog.String("component", "audit"))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// WAL keeps writers from blocking the engine's hot path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at DATETIME NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_records(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_records(action);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &SQLiteSink{db: db, logger: logger}, nil
}

// Emit implements Sink. Write failures are logged, never propagated: an
// audit outage must not fail the audited operation.
func (s *SQLiteSink) Emit(ctx context.Context, rec Record) {
	var detail []byte
	if len(rec.Detail) > 0 {
		detail, _ = json.Marshal(rec.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (at, actor, action, outcome, detail) VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Actor, string(rec.Action), rec.Outcome, string(detail),
	)
	if err != nil {
		s.logger.Error("audit write failed",
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// RecentRecords returns up to limit most recent records, newest first.
// Used by the CLI to inspect the trail.
func (s *SQLiteSink) RecentRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, outcome, detail FROM audit_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var action, detail string
		if err := rows.Scan(&rec.Timestamp, &rec.Actor, &action, &rec.Outcome, &detail); err != nil {
			return nil, err
		}
		rec.Action = Action(action)
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &rec.Detail)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
