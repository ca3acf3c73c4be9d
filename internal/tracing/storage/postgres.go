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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/tombee/auditflow/internal/tracing"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

// postgresSchema is applied in one transaction by Migrate.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		event_version TEXT NOT NULL,
		trace_id TEXT,
		span_id TEXT,
		parent_span_id TEXT,
		span_seq BIGINT NOT NULL DEFAULT 0,
		ts TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		latency_ms DOUBLE PRECISION,
		tokens_input INTEGER,
		tokens_output INTEGER,
		cost_usd NUMERIC(20, 10),
		model TEXT,
		prompt_name TEXT,
		prompt_version TEXT,
		prompt_hash TEXT,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit_sessions (
		trace_id TEXT PRIMARY KEY,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		total_events BIGINT NOT NULL DEFAULT 0,
		total_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		tokens_input BIGINT NOT NULL DEFAULT 0,
		tokens_output BIGINT NOT NULL DEFAULT 0,
		cost_usd NUMERIC(20, 10) NOT NULL DEFAULT 0,
		has_error BOOLEAN NOT NULL DEFAULT FALSE,
		prompt_versions JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events (trace_id, ts, span_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_sessions_last_seen ON audit_sessions (last_seen DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_sessions_has_error ON audit_sessions (has_error)`,
}

const insertPostgresEvent = `INSERT INTO audit_events (
		event_id, event_version, trace_id, span_id, parent_span_id, span_seq,
		ts, event_type, agent, action, status, latency_ms,
		tokens_input, tokens_output, cost_usd, model,
		prompt_name, prompt_version, prompt_hash, payload
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (event_id) DO NOTHING`

const upsertPostgresSession = `INSERT INTO audit_sessions (
		trace_id, first_seen, last_seen, total_events, total_latency_ms,
		tokens_input, tokens_output, cost_usd, has_error, prompt_versions
	) VALUES ($1, $2, $2, 1, $3, $4, $5, $6, $7, $8::jsonb)
	ON CONFLICT (trace_id) DO UPDATE SET
		first_seen = LEAST(audit_sessions.first_seen, EXCLUDED.first_seen),
		last_seen = GREATEST(audit_sessions.last_seen, EXCLUDED.last_seen),
		total_events = audit_sessions.total_events + 1,
		total_latency_ms = audit_sessions.total_latency_ms + EXCLUDED.total_latency_ms,
		tokens_input = audit_sessions.tokens_input + EXCLUDED.tokens_input,
		tokens_output = audit_sessions.tokens_output + EXCLUDED.tokens_output,
		cost_usd = audit_sessions.cost_usd + EXCLUDED.cost_usd,
		has_error = audit_sessions.has_error OR EXCLUDED.has_error,
		prompt_versions = audit_sessions.prompt_versions || EXCLUDED.prompt_versions`

const selectPostgresSession = `SELECT trace_id, first_seen, last_seen, total_events, total_latency_ms,
		tokens_input, tokens_output, cost_usd, has_error, prompt_versions
	FROM audit_sessions`

// Session summarizes every stored event of one trace.
type Session struct {
	TraceID        string            `json:"trace_id"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastSeen       time.Time         `json:"last_seen"`
	Events         int64             `json:"events"`
	LatencyMS      float64           `json:"latency_ms"`
	TokensInput    int64             `json:"tokens_input"`
	TokensOutput   int64             `json:"tokens_output"`
	CostUSD        decimal.Decimal   `json:"cost_usd"`
	HasError       bool              `json:"has_error"`
	PromptVersions map[string]string `json:"prompt_versions"`
}

// SessionFilter selects sessions in ListSessions.
type SessionFilter struct {
	// HasError, when set, keeps only sessions with or without failures.
	HasError *bool
	Limit    int
	Offset   int
}

// PostgresStore stores audit events and per-trace session summaries in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with cfg, verifies the connection and applies the
// schema.
func OpenPostgres(ctx context.Context, cfg tracing.PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStore(db)
	if err := store.Migrate(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an open database handle. Call Migrate before use on
// a fresh database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables and indexes if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range postgresSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}

// Insert stores e and folds it into its trace's session summary. Re-inserting
// an event ID changes nothing.
func (s *PostgresStore) Insert(ctx context.Context, e observability.Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	body, err := json.Marshal(payload{Data: e.Data, Error: e.Error})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	var cost sql.NullString
	if e.CostUSD != nil {
		cost = sql.NullString{String: e.CostUSD.String(), Valid: true}
	}
	promptName, promptVersion, promptHash := promptFields(e)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertPostgresEvent,
		e.EventID, e.Version, nullString(e.TraceID), nullString(e.SpanID), nullString(e.ParentSpanID), e.SpanSeq,
		e.Timestamp.UTC(), string(e.Type), e.Agent, e.Action, string(e.Status), nullFloat(e.LatencyMS),
		nullInt(e.TokensInput), nullInt(e.TokensOutput), cost, nullString(e.Model()),
		nullString(promptName), nullString(promptVersion), nullString(promptHash), string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
	}

	if inserted > 0 && e.TraceID != "" {
		if err := upsertSession(ctx, tx, e, promptName, promptVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSession(ctx context.Context, tx *sql.Tx, e observability.Event, promptName, promptVersion string) error {
	var latency float64
	if e.LatencyMS != nil {
		latency = *e.LatencyMS
	}
	var tokensIn, tokensOut int64
	if e.TokensInput != nil {
		tokensIn = int64(*e.TokensInput)
	}
	if e.TokensOutput != nil {
		tokensOut = int64(*e.TokensOutput)
	}
	cost := decimal.Zero
	if e.CostUSD != nil {
		cost = *e.CostUSD
	}
	versions := map[string]string{}
	if promptName != "" && promptVersion != "" {
		versions[promptName] = promptVersion
	}
	encoded, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("encoding prompt versions: %w", err)
	}

	_, err = tx.ExecContext(ctx, upsertPostgresSession,
		e.TraceID, e.Timestamp.UTC(), latency, tokensIn, tokensOut, cost.String(),
		e.Status != observability.StatusOK, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", e.TraceID, err)
	}
	return nil
}

// Session returns the summary of one trace.
func (s *PostgresStore) Session(ctx context.Context, traceID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, selectPostgresSession+" WHERE trace_id = $1", traceID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, &auditerrors.NotFoundError{Resource: "session", ID: traceID}
	}
	return sess, err
}

// ListSessions returns session summaries, most recently active first.
func (s *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := selectPostgresSession
	args := []any{}
	if f.HasError != nil {
		query += " WHERE has_error = $1 ORDER BY last_seen DESC LIMIT $2 OFFSET $3"
		args = append(args, *f.HasError, limit, f.Offset)
	} else {
		query += " ORDER BY last_seen DESC LIMIT $1 OFFSET $2"
		args = append(args, limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TraceEvents returns every stored event of a trace in replay order.
func (s *PostgresStore) TraceEvents(ctx context.Context, traceID string) ([]observability.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, event_version, trace_id, span_id, parent_span_id, span_seq,
		ts, event_type, agent, action, status, latency_ms,
		tokens_input, tokens_output, cost_usd, payload
		FROM audit_events WHERE trace_id = $1 ORDER BY ts, span_seq`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []observability.Event
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Name identifies the store as a retention target.
func (s *PostgresStore) Name() string { return "postgres" }

// Prune deletes events and sessions older than before. The count is of
// deleted events.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE ts < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM audit_sessions WHERE last_seen < $1", before.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	return res.RowsAffected()
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess     Session
		versions []byte
	)
	err := row.Scan(&sess.TraceID, &sess.FirstSeen, &sess.LastSeen, &sess.Events, &sess.LatencyMS,
		&sess.TokensInput, &sess.TokensOutput, &sess.CostUSD, &sess.HasError, &versions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.PromptVersions = map[string]string{}
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &sess.PromptVersions); err != nil {
			return sess, fmt.Errorf("session %s: invalid prompt versions: %w", sess.TraceID, err)
		}
	}
	return sess, nil
}

func scanPostgresEvent(row rowScanner) (observability.Event, error) {
	var (
		e                         observability.Event
		traceID, spanID, parentID sql.NullString
		eventType, status         string
		latency                   sql.NullFloat64
		tokensIn, tokensOut       sql.NullInt64
		cost                      decimal.NullDecimal
		body                      sql.NullString
	)
	err := row.Scan(&e.EventID, &e.Version, &traceID, &spanID, &parentID, &e.SpanSeq,
		&e.Timestamp, &eventType, &e.Agent, &e.Action, &status, &latency,
		&tokensIn, &tokensOut, &cost, &body)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.TraceID, e.SpanID, e.ParentSpanID = traceID.String, spanID.String, parentID.String
	e.Timestamp = e.Timestamp.UTC()
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
		d := cost.Decimal
		e.CostUSD = &d
	}
	if body.Valid && body.String != "" {
		var p payload
		if err := json.Unmarshal([]byte(body.String), &p); err != nil {
			return e, fmt.Errorf("event %s: invalid payload: %w", e.EventID, err)
		}
		e.Data, e.Error = p.Data, p.Error
	}
	return e, nil
}

func promptFields(e observability.Event) (name, version, hash string) {
	name, _ = e.Data[observability.DataKeyPromptName].(string)
	version, _ = e.Data[observability.DataKeyPromptVersion].(string)
	hash, _ = e.Data[observability.DataKeyPromptHash].(string)
	return name, version, hash
}
