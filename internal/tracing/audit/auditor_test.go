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

package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/export"
	"github.com/tombee/auditflow/internal/tracing/redact"
	"github.com/tombee/auditflow/pkg/llm/pricing"
	"github.com/tombee/auditflow/pkg/llm/prompts"
	"github.com/tombee/auditflow/pkg/observability"
)

type memorySink struct {
	mu     sync.Mutex
	events []observability.Event
}

func (s *memorySink) Name() string                { return "memory" }
func (s *memorySink) Start(context.Context) error { return nil }
func (s *memorySink) Close(context.Context) error { return nil }
func (s *memorySink) Export(_ context.Context, e observability.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) all() []observability.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observability.Event(nil), s.events...)
}

var fixedNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func testConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Sinks = nil
	cfg.Debug = true
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAuditor returns a started Auditor delivering to a memory sink.
func newTestAuditor(t *testing.T, cfg tracing.Config, opts ...Option) (*Auditor, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	opts = append([]Option{
		WithSinks(sink),
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a, sink
}

func TestEmit_EnrichesAndSanitizes(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())

	ctx, traceID := tracing.NewTrace(context.Background())
	ctx, span, err := tracing.NewSpan(ctx)
	require.NoError(t, err)

	data := map[string]any{
		"email":    "jane.doe@example.com",
		"password": "hunter2",
		"plan":     "gold",
	}
	a.Emit(ctx, observability.Event{
		Type:   observability.EventToolCall,
		Agent:  "benefits",
		Action: "lookup",
		Data:   data,
	})
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	e := events[0]

	assert.Equal(t, traceID, e.TraceID)
	assert.Equal(t, span.SpanID, e.SpanID)
	assert.Equal(t, span.ParentSpanID, e.ParentSpanID)
	assert.Equal(t, span.Seq, e.SpanSeq)
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, observability.EventVersion, e.Version)
	assert.Equal(t, fixedNow, e.Timestamp)
	assert.Equal(t, observability.StatusOK, e.Status)

	assert.Equal(t, "[REDACTED_EMAIL]", e.Data["email"])
	assert.Equal(t, redact.Marker, e.Data["password"])
	assert.Equal(t, "gold", e.Data["plan"])

	// The caller's map is untouched.
	assert.Equal(t, "hunter2", data["password"])
}

func TestEmit_KeepsExplicitIdentifiers(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())

	ctx, _ := tracing.NewTrace(context.Background())
	a.Emit(ctx, observability.Event{
		EventID: "fixed",
		TraceID: "0af7651916cd43dd8448eb211c80319c",
		SpanID:  "b7ad6b7169203331",
		Type:    observability.EventCacheHit,
	})
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "fixed", events[0].EventID)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", events[0].TraceID)
	assert.NotNil(t, events[0].Data)
}

func TestEmit_ComputesLLMCost(t *testing.T) {
	table := pricing.NewTable()
	table.Set(pricing.ModelPricing{
		Model:       "modelX",
		InputPer1K:  decimal.RequireFromString("0.00025"),
		OutputPer1K: decimal.RequireFromString("0.00125"),
	})
	a, sink := newTestAuditor(t, testConfig(), WithPricingTable(table))
	ctx := context.Background()

	a.Emit(ctx, observability.Event{
		Type:         observability.EventLLMInvoke,
		TokensInput:  observability.Int(1000),
		TokensOutput: observability.Int(500),
		Data:         map[string]any{observability.DataKeyModel: "modelX"},
	})
	a.Emit(ctx, observability.Event{
		Type:         observability.EventLLMInvoke,
		TokensInput:  observability.Int(1000),
		TokensOutput: observability.Int(500),
		Data:         map[string]any{observability.DataKeyModel: "no-such-model"},
	})
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 2)
	require.NotNil(t, events[0].CostUSD)
	assert.Equal(t, "0.000875", events[0].CostUSD.String())
	assert.Nil(t, events[1].CostUSD, "unknown model omits cost")

	assert.Equal(t, "0.000875", a.Metrics().Snapshot().CostUSD.String())
}

func TestEmit_SamplingDropsButMetricsCount(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = false
	cfg.Sampling.SuccessRate = 0
	cfg.Sampling.TraceRate = 0
	a, sink := newTestAuditor(t, cfg)
	ctx := context.Background()

	a.Emit(ctx, observability.Event{Type: observability.EventCacheMiss})
	a.Emit(ctx, observability.Event{
		Type:   observability.EventToolError,
		Status: observability.StatusError,
		Error:  &observability.ErrorDetail{Kind: "boom", Message: "failed for jane.doe@example.com"},
	})
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, observability.StatusError, events[0].Status)
	assert.Equal(t, "failed for [REDACTED_EMAIL]", events[0].Error.Message)

	snap := a.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.Events)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.Errors)
}

func TestAuditor_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	sink := &memorySink{}
	a, err := New(cfg, WithSinks(sink))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	a.Emit(ctx, observability.Event{Type: observability.EventCacheHit})
	require.NoError(t, a.Flush(ctx))

	got, err := Span(ctx, a, "agent", "op", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	require.NoError(t, a.Shutdown(ctx))
	assert.False(t, a.Enabled())
	assert.Empty(t, sink.all())
	assert.Zero(t, a.Metrics().Snapshot().Events)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.ErrorRate = 0.5

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_error_downsampling")

	cfg = testConfig()
	cfg.Redaction.Patterns = []tracing.RedactionPattern{{Name: "bad", Regex: "("}}
	_, err = New(cfg, WithSinks(&memorySink{}))
	assert.ErrorContains(t, err, "redaction.patterns")

	// A pattern matching its own marker would rewrite redacted output.
	cfg = testConfig()
	cfg.Redaction.Patterns = []tracing.RedactionPattern{{Name: "pin2", Regex: `\d`}}
	_, err = New(cfg, WithSinks(&memorySink{}))
	assert.ErrorContains(t, err, "pin2")
}

func TestEmit_CustomRedactionPattern(t *testing.T) {
	cfg := testConfig()
	cfg.Redaction.Patterns = []tracing.RedactionPattern{{Name: "member", Regex: `\bM-\d{6}\b`}}
	a, sink := newTestAuditor(t, cfg)

	a.Emit(context.Background(), observability.Event{
		Type: observability.EventAPICall,
		Data: map[string]any{"query": "member M-123456 coverage"},
	})
	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "member [REDACTED_MEMBER] coverage", sink.all()[0].Data["query"])
}

func TestEmit_DropsInvalidEvents(t *testing.T) {
	var logs bytes.Buffer
	a, sink := newTestAuditor(t, testConfig(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ctx := context.Background()

	a.Emit(ctx, observability.Event{Type: "billing.charge"})
	a.Emit(ctx, observability.Event{Type: observability.EventToolCall, Status: "maybe"})
	a.Emit(ctx, observability.Event{
		Type:  observability.EventToolCall,
		Error: &observability.ErrorDetail{Kind: "boom", Message: "ok events carry no error"},
	})
	a.Emit(ctx, observability.Event{Type: observability.EventCacheHit})
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, observability.EventCacheHit, events[0].Type)
	assert.Contains(t, logs.String(), "dropping invalid audit event")
	assert.Equal(t, uint64(1), a.Stats().Enqueued)
}

func TestEmit_StampsPromptVersionAndHash(t *testing.T) {
	registry := prompts.NewRegistry()
	_, err := registry.Register("triage", "1.0.0", "You are a triage assistant.", "")
	require.NoError(t, err)
	_, err = registry.Register("triage", "1.1.0", "You are a triage assistant. Answer in {language}.", "")
	require.NoError(t, err)

	a, sink := newTestAuditor(t, testConfig(), WithPromptRegistry(registry))
	ctx := context.Background()

	a.Emit(ctx, observability.Event{
		Type: observability.EventLLMInvoke,
		Data: map[string]any{observability.DataKeyPromptName: "triage"},
	})
	a.Emit(ctx, observability.Event{
		Type: observability.EventLLMInvoke,
		Data: map[string]any{
			observability.DataKeyPromptName:    "triage",
			observability.DataKeyPromptVersion: "1.0.0",
			observability.DataKeyPromptHash:    "forged",
		},
	})
	a.Emit(ctx, observability.Event{
		Type: observability.EventLLMInvoke,
		Data: map[string]any{observability.DataKeyPromptName: "unknown"},
	})
	a.Emit(ctx, observability.Event{
		Type: observability.EventToolCall,
		Data: map[string]any{observability.DataKeyPromptName: "triage"},
	})
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 4)
	assert.Equal(t, "1.1.0", events[0].Data[observability.DataKeyPromptVersion])
	assert.Equal(t, "35995e1b54c71634", events[0].Data[observability.DataKeyPromptHash])
	assert.Equal(t, "1.0.0", events[1].Data[observability.DataKeyPromptVersion])
	assert.Equal(t, "fe3348cf3f7c3f13", events[1].Data[observability.DataKeyPromptHash])
	assert.NotContains(t, events[2].Data, observability.DataKeyPromptHash)
	assert.NotContains(t, events[3].Data, observability.DataKeyPromptHash)
}

func TestNew_PromptsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("triage:\n  current_version: \"1.0.0\"\n  versions:\n    \"1.0.0\":\n      content: You are a triage assistant.\n"), 0o600))

	cfg := testConfig()
	cfg.PromptsFile = path
	a, sink := newTestAuditor(t, cfg)
	a.Emit(context.Background(), observability.Event{
		Type: observability.EventLLMInvoke,
		Data: map[string]any{observability.DataKeyPromptName: "triage"},
	})
	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "fe3348cf3f7c3f13", sink.all()[0].Data[observability.DataKeyPromptHash])

	cfg.PromptsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, WithSinks(&memorySink{}))
	assert.ErrorContains(t, err, "audit.prompts_file")
}

func TestShutdown_Once(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())
	ctx := context.Background()

	a.Emit(ctx, observability.Event{Type: observability.EventCacheHit})
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
	assert.Len(t, sink.all(), 1)

	// Emitting after shutdown is a silent no-op for the caller.
	a.Emit(ctx, observability.Event{Type: observability.EventCacheHit})
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, uint64(1), a.Stats().Rejected)
}

func TestBuildSinks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Sinks = []string{
		tracing.SinkConsole, tracing.SinkStdout, tracing.SinkJSONFile,
		tracing.SinkSQLite, tracing.SinkOTLP, tracing.SinkCloudWatch, tracing.SinkJSONFile, tracing.SinkPostgres,
	}
	cfg.LogDir = dir
	cfg.SQLite.Path = filepath.Join(dir, "audit.db")
	cfg.Postgres.DSN = "postgres://auditflow@localhost/audit?sslmode=disable"

	o := options{
		now:          time.Now,
		console:      io.Discard,
		spanExporter: tracetest.NewInMemoryExporter(),
		cwClient:     nopLogs{},
	}
	sinks, err := buildSinks(context.Background(), cfg, o, quietLogger())
	require.NoError(t, err)

	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
		require.NoError(t, s.Close(context.Background()))
	}
	assert.Equal(t, []string{
		tracing.SinkConsole, tracing.SinkJSONFile, tracing.SinkSQLite, tracing.SinkOTLP, tracing.SinkCloudWatch,
		tracing.SinkPostgres,
	}, names)
}

type nopLogs struct {
	export.LogsAPI
}

func TestAuditor_EndToEndJSONFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Sinks = []string{tracing.SinkJSONFile}
	cfg.LogDir = dir

	a, err := New(cfg, WithLogger(quietLogger()), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	ctx, _ = tracing.NewTrace(ctx)
	a.Emit(ctx, observability.Event{Type: observability.EventRequestStart, Action: "chat"})
	a.Emit(ctx, observability.Event{Type: observability.EventRequestEnd, Action: "chat", LatencyMS: observability.Float64(12)})
	require.NoError(t, a.Shutdown(ctx))

	raw, err := os.ReadFile(filepath.Join(dir, export.DailyFileName(fixedNow)))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(raw))
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestAuditor_StartReportsFailedSink(t *testing.T) {
	good := &memorySink{}
	a, err := New(testConfig(), WithSinks(failingStart{}, good), WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	err = a.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	a.Emit(ctx, observability.Event{Type: observability.EventCacheHit})
	require.NoError(t, a.Flush(ctx))
	assert.Len(t, good.all(), 1)
	require.NoError(t, a.Shutdown(ctx))
}

type failingStart struct{}

func (failingStart) Name() string                                      { return "broken" }
func (failingStart) Start(context.Context) error                       { return errors.New("no route") }
func (failingStart) Export(context.Context, observability.Event) error { return nil }
func (failingStart) Close(context.Context) error                       { return nil }

func TestAuditor_ConfigFileReloadsSampling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  sampling:\n    success_rate: 0.1\n"), 0o600))

	cfg := testConfig()
	cfg.Debug = false
	a, _ := newTestAuditor(t, cfg, WithConfigFile(path))
	assert.InDelta(t, 0.1, a.Sampling().Config().SuccessRate, 1e-9)

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("audit:\n  debug: true\n  sampling:\n    success_rate: 0.75\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		c := a.Sampling().Config()
		return c.SuccessRate == 0.75 && c.Debug
	}, 5*time.Second, 20*time.Millisecond)
}
