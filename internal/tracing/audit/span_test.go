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
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/redact"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

type coverage struct {
	Plan  string `json:"plan"`
	Email string `json:"email"`
}

func TestSpan_Success(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())
	ctx, traceID := tracing.NewTrace(context.Background())

	got, err := Span(ctx, a, "benefits", "lookup", func(ctx context.Context) (coverage, error) {
		return coverage{Plan: "gold", Email: "jane.doe@example.com"}, nil
	}, WithResult(), WithData(map[string]any{"tool": "benefits_lookup"}))
	require.NoError(t, err)
	assert.Equal(t, "gold", got.Plan)
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, observability.EventToolCall, e.Type)
	assert.Equal(t, observability.StatusOK, e.Status)
	assert.Equal(t, "benefits", e.Agent)
	assert.Equal(t, "lookup", e.Action)
	assert.Equal(t, traceID, e.TraceID)
	assert.NotEmpty(t, e.ParentSpanID)
	require.NotNil(t, e.LatencyMS)
	assert.GreaterOrEqual(t, *e.LatencyMS, 0.0)
	assert.Nil(t, e.Error)
	assert.Equal(t, "benefits_lookup", e.Data["tool"])

	result, ok := e.Data["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gold", result["plan"])
	assert.Equal(t, "[REDACTED_EMAIL]", result["email"])
}

func TestSpan_ResultRequiresSnapshots(t *testing.T) {
	cfg := testConfig()
	cfg.IncludeSnapshots = false
	a, sink := newTestAuditor(t, cfg)

	_, err := Span(context.Background(), a, "a", "op", func(context.Context) (string, error) {
		return "value", nil
	}, WithResult())
	require.NoError(t, err)
	require.NoError(t, a.Flush(context.Background()))

	require.Len(t, sink.all(), 1)
	assert.NotContains(t, sink.all()[0].Data, "result")
}

func TestSpan_ErrorIsReturnedUnchanged(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())
	ctx, _ := tracing.NewTrace(context.Background())

	businessErr := &auditerrors.ValidationError{Field: "member_id", Message: "unknown member"}
	_, err := Span(ctx, a, "benefits", "lookup", func(context.Context) (int, error) {
		return 0, businessErr
	},
		WithInput(map[string]any{"member_id": "12345", "api_key": "sk-live-abc", "email": "jane.doe@example.com"}),
		WithData(map[string]any{observability.DataKeyModel: "claude-3-haiku"}),
	)
	assert.Same(t, businessErr, err)
	require.NoError(t, a.Flush(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, observability.EventToolError, e.Type)
	assert.Equal(t, observability.StatusError, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, "validation", e.Error.Kind)
	assert.Equal(t, businessErr.Error(), e.Error.Message)
	assert.False(t, e.Error.Recoverable)
	assert.NotEmpty(t, e.Error.Stack)

	assert.Equal(t, "12345", e.Error.InputSnapshot["member_id"])
	assert.Equal(t, redact.Marker, e.Error.InputSnapshot["api_key"])
	assert.Equal(t, "[REDACTED_EMAIL]", e.Error.InputSnapshot["email"])

	assert.Equal(t, runtime.Version(), e.Error.Environment["go_version"])
	assert.Equal(t, "claude-3-haiku", e.Error.Environment["model"])
	assert.Equal(t, "auditflow", e.Error.Environment["service"])
}

func TestSpan_TimeoutStatus(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())

	_, err := Span(context.Background(), a, "llm", "generate", func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("calling model: %w", context.DeadlineExceeded)
	}, WithEventType(observability.EventLLMInvoke))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, a.Flush(context.Background()))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, observability.EventLLMError, events[0].Type)
	assert.Equal(t, observability.StatusTimeout, events[0].Status)
	assert.Equal(t, "timeout", events[0].Error.Kind)
	assert.True(t, events[0].Error.Recoverable)
}

func TestSpan_PanicIsRecordedAndRaised(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = Span(context.Background(), a, "agent", "explode", func(context.Context) (int, error) {
			panic("kaboom")
		})
	})
	require.NoError(t, a.Flush(context.Background()))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, observability.StatusError, events[0].Status)
	assert.Equal(t, "panic", events[0].Error.Kind)
	assert.Equal(t, "panic: kaboom", events[0].Error.Message)
	assert.True(t, strings.Contains(events[0].Error.Stack, "goroutine"))
}

func TestSpan_NestedSpansLinkParents(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())
	ctx, traceID := tracing.NewTrace(context.Background())

	var innerParent, outerSpan string
	_, err := Span(ctx, a, "supervisor", "route", func(ctx context.Context) (struct{}, error) {
		outerSpan, _ = tracing.CurrentSpanID(ctx)
		_, err := Span(ctx, a, "benefits", "lookup", func(ctx context.Context) (struct{}, error) {
			innerParent, _, _ = tracing.CurrentParentSpanID(ctx)
			return struct{}{}, nil
		})
		return struct{}{}, err
	}, WithEventType(observability.EventAgentRoute))
	require.NoError(t, err)
	require.NoError(t, a.Flush(ctx))

	assert.Equal(t, outerSpan, innerParent)

	events := sink.all()
	require.Len(t, events, 2)
	inner, outer := events[0], events[1]
	assert.Equal(t, "lookup", inner.Action)
	assert.Equal(t, outer.SpanID, inner.ParentSpanID)
	assert.Equal(t, traceID, inner.TraceID)
	assert.Equal(t, traceID, outer.TraceID)
	assert.Less(t, outer.SpanSeq, inner.SpanSeq)
}

func TestSpan_StartsTraceWhenMissing(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())

	_, err := Span(context.Background(), a, "job", "nightly", func(ctx context.Context) (int, error) {
		_, err := tracing.CurrentTraceID(ctx)
		return 0, err
	})
	require.NoError(t, err)
	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, sink.all(), 1)
	assert.Len(t, sink.all()[0].TraceID, 32)
}

func TestSnapshot(t *testing.T) {
	s := redact.New()
	assert.Equal(t, map[string]any{"plan": "gold", "email": ""}, snapshot(s, coverage{Plan: "gold"}))
	assert.Equal(t, 3.0, snapshot(s, 3))

	long := strings.Repeat("x", maxResultBytes*2)
	out, ok := snapshot(s, long).(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(out, "...[truncated]"))
	assert.Less(t, len(out), maxResultBytes+20)

	out, ok = snapshot(s, make(chan int)).(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, "<chan int"))
}

type account struct {
	Password string `json:"password"`
	Notes    string `json:"notes"`
}

func TestSnapshot_SanitizesBeforeTruncating(t *testing.T) {
	s := redact.New()

	out, ok := snapshot(s, account{Password: "hunter2", Notes: strings.Repeat("x", 5000)}).(string)
	require.True(t, ok)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, redact.Marker)
	assert.True(t, strings.HasSuffix(out, "...[truncated]"))

	// Redaction can bring a value back under the bound.
	big := map[string]any{"api_key": strings.Repeat("k", maxResultBytes+1), "plan": "gold"}
	assert.Equal(t, map[string]any{"api_key": redact.Marker, "plan": "gold"}, snapshot(s, big))
}

func TestSpan_LargeResultRedactsSensitiveKeys(t *testing.T) {
	a, sink := newTestAuditor(t, testConfig())

	_, err := Span(context.Background(), a, "accounts", "fetch", func(context.Context) (account, error) {
		return account{Password: "hunter2", Notes: strings.Repeat("x", 5000)}, nil
	}, WithResult())
	require.NoError(t, err)
	require.NoError(t, a.Flush(context.Background()))

	events := sink.all()
	require.Len(t, events, 1)
	result, ok := events[0].Data["result"].(string)
	require.True(t, ok)
	assert.NotContains(t, result, "hunter2")
}

func TestSpan_SlowOperationBypassesSampling(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = false
	cfg.Sampling.TraceRate = 0
	cfg.Sampling.SuccessRate = 0
	cfg.Sampling.SlowThresholdMS = 1
	a, sink := newTestAuditor(t, cfg)

	_, err := Span(context.Background(), a, "tool", "slow", func(context.Context) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 1, nil
	})
	require.NoError(t, err)
	_, err = Span(context.Background(), a, "tool", "fast", func(context.Context) (int, error) {
		return 1, errors.New("boom")
	})
	require.Error(t, err)
	require.NoError(t, a.Flush(context.Background()))

	var actions []string
	for _, e := range sink.all() {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{"slow", "fast"}, actions)
}
