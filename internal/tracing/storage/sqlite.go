// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage keeps audit events in a local SQLite database or a shared
// PostgreSQL database for ad hoc querying, and prunes old audit data on a
// schedule.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/tombee/auditflow/pkg/observability"
)

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string

	// MaxOpenConns bounds the connection pool. Defaults to 4.
	MaxOpenConns int

	// Sealer, when set, encrypts the payload column.
	Sealer *Sealer
}

// SQLiteStore stores audit events in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
}

// payload holds the free-form parts of an event.
type payload struct {
	Data  map[string]any             `json:"data,omitempty"`
	Error *observability.ErrorDetail `json:"error,omitempty"`
}

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := cfg.Path
	maxConns := cfg.MaxOpenConns
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		maxConns = 1
	} else {
		dsn = "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	if maxConns <= 0 {
		maxConns = 4
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(2, maxConns))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db, sealer: cfg.Sealer}
	if err := store.migrate(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			event_version TEXT NOT NULL,
			trace_id TEXT,
			span_id TEXT,
			parent_span_id TEXT,
			span_seq INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			agent TEXT,
			action TEXT,
			status TEXT NOT NULL,
			latency_ms REAL,
			tokens_input INTEGER,
			tokens_output INTEGER,
			cost_usd TEXT,
			model TEXT,
			payload TEXT,
			encrypted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events(trace_id, ts, span_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_failures ON audit_events(status, action) WHERE status IN ('error', 'timeout')`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Insert stores e. Re-inserting an event ID is ignored.
func (s *SQLiteStore) Insert(ctx context.Context, e observability.Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	body, err := json.Marshal(payload{Data: e.Data, Error: e.Error})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	stored := string(body)
	encrypted := 0
	if s.sealer != nil {
		if stored, err = s.sealer.Seal(body); err != nil {
			return err
		}
		encrypted = 1
	}

	var cost sql.NullString
	if e.CostUSD != nil {
		cost = sql.NullString{String: e.CostUSD.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_events (
			event_id, event_version, trace_id, span_id, parent_span_id, span_seq,
			ts, event_type, agent, action, status, latency_ms,
			tokens_input, tokens_output, cost_usd, model, payload, encrypted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Version, nullString(e.TraceID), nullString(e.SpanID), nullString(e.ParentSpanID), e.SpanSeq,
		e.Timestamp.UTC().UnixNano(), string(e.Type), e.Agent, e.Action, string(e.Status), nullFloat(e.LatencyMS),
		nullInt(e.TokensInput), nullInt(e.TokensOutput), cost, nullString(e.Model()), stored, encrypted,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
	}
	return nil
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	TraceID      string
	Action       string
	Types        []observability.EventType
	FailuresOnly bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Query returns matching events ordered by timestamp, then span creation
// order.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]observability.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ",")+")")
	}
	if f.FailuresOnly {
		where = append(where, "status IN ('error', 'timeout')")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UTC().UnixNano())
	}

	query := `SELECT event_id, event_version, trace_id, span_id, parent_span_id, span_seq,
		ts, event_type, agent, action, status, latency_ms,
		tokens_input, tokens_output, cost_usd, payload, encrypted
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, span_seq, rowid"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []observability.Event
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TraceEvents returns every stored event of a trace in replay order.
func (s *SQLiteStore) TraceEvents(ctx context.Context, traceID string) ([]observability.Event, error) {
	return s.Query(ctx, Filter{TraceID: traceID})
}

// Count returns the number of stored events.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n)
	return n, err
}

// Name identifies the store as a retention target.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Prune deletes events older than before.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE ts < ?", before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scan(rows *sql.Rows) (observability.Event, error) {
	var (
		e                         observability.Event
		traceID, spanID, parentID sql.NullString
		ts                        int64
		eventType, status         string
		latency                   sql.NullFloat64
		tokensIn, tokensOut       sql.NullInt64
		cost, body                sql.NullString
		encrypted                 bool
	)
	err := rows.Scan(&e.EventID, &e.Version, &traceID, &spanID, &parentID, &e.SpanSeq,
		&ts, &eventType, &e.Agent, &e.Action, &status, &latency,
		&tokensIn, &tokensOut, &cost, &body, &encrypted)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.TraceID, e.SpanID, e.ParentSpanID = traceID.String, spanID.String, parentID.String
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Type = observability.EventType(eventType)
	e.Status = observability.Status(status)
	if latency.Valid {
		e.LatencyMS = observability.Float64(latency.Float64)
	}
	if tokensIn.Valid {
		e.TokensInput = observability.Int(int(tokensIn.Int64))
	}
	if tokensOut.Valid {
		e.TokensOutput = observability.Int(int(tokensOut.Int64))
	}
	if cost.Valid {
		d, err := decimal.NewFromString(cost.String)
		if err != nil {
			return e, fmt.Errorf("event %s: invalid cost %q: %w", e.EventID, cost.String, err)
		}
		e.CostUSD = &d
	}

	if body.Valid && body.String != "" {
		raw := []byte(body.String)
		if encrypted {
			if s.sealer == nil {
				return e, fmt.Errorf("event %s is encrypted; set %s to read it", e.EventID, KeyEnv)
			}
			if raw, err = s.sealer.Open(body.String); err != nil {
				return e, fmt.Errorf("event %s: %w", e.EventID, err)
			}
		}
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return e, fmt.Errorf("event %s: invalid payload: %w", e.EventID, err)
		}
		e.Data, e.Error = p.Data, p.Error
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
