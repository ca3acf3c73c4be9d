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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/pkg/observability"
)

// SQLiteSink writes events to a SQLiteStore opened on Start and, when
// StorageConfig.Retention is set, prunes rows older than the retention.
type SQLiteSink struct {
	cfg    tracing.StorageConfig
	logger *slog.Logger

	mu        sync.Mutex
	store     *SQLiteStore
	retention *Retention
}

// NewSQLiteSink creates a sink for cfg. The database is opened by Start.
func NewSQLiteSink(cfg tracing.StorageConfig, logger *slog.Logger) *SQLiteSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSink{cfg: cfg, logger: logger}
}

// Name implements observability.Sink.
func (s *SQLiteSink) Name() string { return tracing.SinkSQLite }

// Start opens the database.
func (s *SQLiteSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		return nil
	}

	var sealer *Sealer
	if s.cfg.Encrypt {
		var err error
		if sealer, err = SealerFromEnv(); err != nil {
			return err
		}
		if sealer == nil {
			return fmt.Errorf("sqlite encryption enabled but %s is not set", KeyEnv)
		}
	}

	if s.cfg.Path != ":memory:" {
		if dir := filepath.Dir(s.cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	store, err := Open(ctx, Config{Path: s.cfg.Path, Sealer: sealer})
	if err != nil {
		return err
	}
	s.store = store

	if s.cfg.Retention > 0 {
		s.retention = NewRetention(s.cfg.Retention, 0, s.logger, store)
		s.retention.Start()
	}
	return nil
}

// Store returns the underlying store, or nil before Start.
func (s *SQLiteSink) Store() *SQLiteStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Export implements observability.Sink.
func (s *SQLiteSink) Export(ctx context.Context, e observability.Event) error {
	store := s.Store()
	if store == nil {
		return fmt.Errorf("sqlite sink not started")
	}
	return store.Insert(ctx, e)
}

// Close stops retention and closes the database. Safe to call more than once.
func (s *SQLiteSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retention != nil {
		s.retention.Stop()
		s.retention = nil
	}
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// PostgresSink writes events to a PostgresStore connected on Start and, when
// PostgresConfig.Retention is set, prunes old events and sessions.
type PostgresSink struct {
	cfg    tracing.PostgresConfig
	logger *slog.Logger
	open   func(context.Context, tracing.PostgresConfig) (*PostgresStore, error)

	mu        sync.Mutex
	store     *PostgresStore
	retention *Retention
}

// NewPostgresSink creates a sink for cfg. The connection is made by Start.
func NewPostgresSink(cfg tracing.PostgresConfig, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{cfg: cfg, logger: logger, open: OpenPostgres}
}

// Name implements observability.Sink.
func (s *PostgresSink) Name() string { return tracing.SinkPostgres }

// Start connects and applies the schema.
func (s *PostgresSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		return nil
	}

	store, err := s.open(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.store = store

	if s.cfg.Retention > 0 {
		s.retention = NewRetention(s.cfg.Retention, 0, s.logger, store)
		s.retention.Start()
	}
	return nil
}

// Store returns the underlying store, or nil before Start.
func (s *PostgresSink) Store() *PostgresStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Export implements observability.Sink.
func (s *PostgresSink) Export(ctx context.Context, e observability.Event) error {
	store := s.Store()
	if store == nil {
		return fmt.Errorf("postgres sink not started")
	}
	return store.Insert(ctx, e)
}

// Close stops retention and closes the pool. Safe to call more than once.
func (s *PostgresSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retention != nil {
		s.retention.Stop()
		s.retention = nil
	}
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}
