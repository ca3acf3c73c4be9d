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
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/pkg/observability"
)

const testTrace = "0af7651916cd43dd8448eb211c80319c"

func openTestStore(t *testing.T, sealer *Sealer) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "audit.db"), Sealer: sealer})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEvents(base time.Time) []observability.Event {
	cost := decimal.RequireFromString("0.000375")
	return []observability.Event{
		{
			EventID: "e2", Version: observability.EventVersion, TraceID: testTrace, SpanID: "b7ad6b7169203332",
			ParentSpanID: "b7ad6b7169203331", SpanSeq: 2, Timestamp: base,
			Type: observability.EventLLMInvoke, Agent: "router", Action: "classify", Status: observability.StatusOK,
			LatencyMS: observability.Float64(250), TokensInput: observability.Int(100), TokensOutput: observability.Int(50),
			CostUSD: &cost, Data: map[string]any{"model": "claude-3-haiku"},
		},
		{
			EventID: "e1", Version: observability.EventVersion, TraceID: testTrace, SpanID: "b7ad6b7169203331",
			SpanSeq: 1, Timestamp: base,
			Type: observability.EventRequestStart, Action: "chat", Status: observability.StatusOK,
		},
		{
			EventID: "e3", Version: observability.EventVersion, TraceID: testTrace, SpanID: "b7ad6b7169203333",
			SpanSeq: 3, Timestamp: base.Add(time.Second),
			Type: observability.EventToolError, Action: "lookup", Status: observability.StatusError,
			Error: &observability.ErrorDetail{
				Kind: "timeout", Message: "deadline exceeded", Recoverable: true,
				InputSnapshot: map[string]any{"member_id": "[REDACTED]"},
			},
		},
		{
			EventID: "other", Version: observability.EventVersion, TraceID: "ffffffffffffffffffffffffffffffff",
			Timestamp: base, Type: observability.EventCacheHit, Status: observability.StatusOK,
		},
	}
}

func TestSQLiteStore_TraceEventsInReplayOrder(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, e := range sampleEvents(base) {
		require.NoError(t, store.Insert(ctx, e))
	}
	// Duplicate IDs are ignored.
	require.NoError(t, store.Insert(ctx, sampleEvents(base)[0]))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	events, err := store.TraceEvents(ctx, testTrace)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e1", events[0].EventID, "same timestamp ordered by span_seq")
	assert.Equal(t, "e2", events[1].EventID)
	assert.Equal(t, "e3", events[2].EventID)

	llm := events[1]
	assert.Equal(t, base, llm.Timestamp)
	assert.Equal(t, "b7ad6b7169203331", llm.ParentSpanID)
	assert.Equal(t, 100, *llm.TokensInput)
	assert.Equal(t, "0.000375", llm.CostUSD.String())
	assert.Equal(t, "claude-3-haiku", llm.Model())

	failure := events[2]
	require.NotNil(t, failure.Error)
	assert.Equal(t, "timeout", failure.Error.Kind)
	assert.True(t, failure.Error.Recoverable)
	assert.Equal(t, "[REDACTED]", failure.Error.InputSnapshot["member_id"])
	assert.Empty(t, events[0].ParentSpanID)
}

func TestSQLiteStore_QueryFilters(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range sampleEvents(base) {
		require.NoError(t, store.Insert(ctx, e))
	}

	failures, err := store.Query(ctx, Filter{FailuresOnly: true})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "e3", failures[0].EventID)

	byAction, err := store.Query(ctx, Filter{Action: "classify"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)

	byType, err := store.Query(ctx, Filter{Types: []observability.EventType{observability.EventCacheHit, observability.EventRequestStart}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	later, err := store.Query(ctx, Filter{Since: base.Add(time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, later, 1)

	limited, err := store.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_EncryptedPayload(t *testing.T) {
	sealer, err := NewSealer(ParseKey("test passphrase"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()
	store, err := Open(ctx, Config{Path: path, Sealer: sealer})
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, sampleEvents(base)[2]))

	var raw string
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT payload FROM audit_events").Scan(&raw))
	assert.NotContains(t, raw, "deadline exceeded")

	events, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "deadline exceeded", events[0].Error.Message)
	require.NoError(t, store.Close())

	plain, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer plain.Close()
	_, err = plain.Query(ctx, Filter{})
	assert.ErrorContains(t, err, KeyEnv)
}

func TestSQLiteStore_Prune(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range sampleEvents(base) {
		require.NoError(t, store.Insert(ctx, e))
	}

	n, err := store.Prune(ctx, base.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "e3", left[0].EventID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.ErrorContains(t, err, "path is required")
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	sink := NewSQLiteSink(tracing.StorageConfig{Path: filepath.Join(t.TempDir(), "nested", "audit.db")}, nil)
	assert.Equal(t, tracing.SinkSQLite, sink.Name())

	assert.Error(t, sink.Export(ctx, observability.Event{}), "export before start")

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, sink.Export(ctx, sampleEvents(time.Now())[1]))

	n, err := sink.Store().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Close(ctx))
	assert.Nil(t, sink.Store())
}

func TestSQLiteSink_EncryptRequiresKey(t *testing.T) {
	t.Setenv(KeyEnv, "")
	sink := NewSQLiteSink(tracing.StorageConfig{Path: filepath.Join(t.TempDir(), "audit.db"), Encrypt: true}, nil)
	assert.ErrorContains(t, sink.Start(context.Background()), KeyEnv)
}
