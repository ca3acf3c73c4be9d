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

package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/pkg/observability"
)

func TestConsoleSink_Format(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	cost := decimal.RequireFromString("0.000375")

	tests := []struct {
		name  string
		event observability.Event
		want  string
	}{
		{
			name: "llm call",
			event: observability.Event{
				TraceID:      "0af7651916cd43dd8448eb211c80319c",
				Timestamp:    time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
				Type:         observability.EventLLMInvoke,
				Agent:        "router",
				Action:       "classify",
				Status:       observability.StatusOK,
				LatencyMS:    observability.Float64(250),
				TokensInput:  observability.Int(100),
				TokensOutput: observability.Int(50),
				CostUSD:      &cost,
			},
			want: "09:30:00.000 ✓ llm.invoke router/classify 250ms in=100 out=50 $0.000375 trace=0af76519",
		},
		{
			name: "tool failure",
			event: observability.Event{
				Timestamp: time.Date(2025, 3, 1, 9, 30, 1, 0, time.UTC),
				Type:      observability.EventToolError,
				Action:    "lookup",
				Status:    observability.StatusTimeout,
				Error:     &observability.ErrorDetail{Kind: "timeout", Message: "deadline exceeded"},
			},
			want: "09:30:01.000 ✗ tool.error lookup [timeout] deadline exceeded",
		},
		{
			name: "retry",
			event: observability.Event{
				Timestamp: time.Date(2025, 3, 1, 9, 30, 2, 0, time.UTC),
				Type:      observability.EventAgentRetry,
				Agent:     "planner",
				Status:    observability.StatusRetry,
			},
			want: "09:30:02.000 ↻ agent.retry planner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sink.Format(tt.event))
		})
	}
}

func TestConsoleSink_Export(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	ctx := context.Background()

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, sink.Export(ctx, observability.Event{Type: observability.EventCacheHit, Status: observability.StatusOK}))
	require.NoError(t, sink.Close(ctx))

	assert.Equal(t, "00:00:00.000 ✓ cache.hit\n", buf.String())
}
