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
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/redact"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

// maxResultBytes bounds the encoded result attached to an ok event.
const maxResultBytes = 4000

// SpanOption customizes the events recorded by Span.
type SpanOption func(*spanConfig)

type spanConfig struct {
	eventType  observability.EventType
	input      map[string]any
	data       map[string]any
	withResult bool
}

// WithEventType sets the type of the ok event. Failures use its error
// counterpart (tool.call becomes tool.error). Defaults to tool.call.
func WithEventType(t observability.EventType) SpanOption {
	return func(c *spanConfig) { c.eventType = t }
}

// WithInput records the operation's arguments as the input snapshot of a
// failure event.
func WithInput(input map[string]any) SpanOption {
	return func(c *spanConfig) { c.input = input }
}

// WithData adds fields to the data payload of both ok and failure events.
func WithData(data map[string]any) SpanOption {
	return func(c *spanConfig) { c.data = data }
}

// WithResult attaches the operation's result to the ok event.
func WithResult() SpanOption {
	return func(c *spanConfig) { c.withResult = true }
}

// Span runs fn under a new child span of ctx (starting a trace when ctx has
// none) and records its outcome on a. On success it emits an ok event with
// the elapsed time. On error it emits an error or timeout event carrying
// the sanitized input snapshot, a stack trace and an environment
// fingerprint, then returns fn's result and error unchanged. A panic in fn
// is recorded and then re-raised.
func Span[T any](ctx context.Context, a *Auditor, agent, action string, fn func(ctx context.Context) (T, error), opts ...SpanOption) (result T, err error) {
	if !a.Enabled() {
		return fn(ctx)
	}

	sc := spanConfig{eventType: observability.EventToolCall}
	for _, opt := range opts {
		opt(&sc)
	}

	spanCtx, _, spanErr := tracing.NewSpan(tracing.EnsureTrace(ctx))
	if spanErr != nil {
		spanCtx = ctx
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.emitFailure(spanCtx, sc, agent, action, start, fmt.Errorf("panic: %v", r), "panic", string(debug.Stack()))
			panic(r)
		}
	}()

	result, err = fn(spanCtx)
	if err != nil {
		a.emitFailure(spanCtx, sc, agent, action, start, err, auditerrors.Kind(err), string(debug.Stack()))
		return result, err
	}

	data := copyData(sc.data)
	if sc.withResult && a.cfg.IncludeSnapshots {
		data["result"] = snapshot(a.sanitizer, result)
	}
	a.Emit(spanCtx, observability.Event{
		Type:      sc.eventType,
		Agent:     agent,
		Action:    action,
		Status:    observability.StatusOK,
		LatencyMS: elapsedMS(start),
		Data:      data,
	})
	return result, nil
}

func (a *Auditor) emitFailure(ctx context.Context, sc spanConfig, agent, action string, start time.Time, err error, kind, stack string) {
	status := observability.StatusError
	if auditerrors.IsTimeout(err) {
		status = observability.StatusTimeout
	}

	data := copyData(sc.data)
	model, _ := data[observability.DataKeyModel].(string)

	detail := &observability.ErrorDetail{
		Kind:        kind,
		Message:     err.Error(),
		Stack:       stack,
		Recoverable: auditerrors.IsRetryable(err),
		Environment: a.environment(model),
	}
	if a.cfg.IncludeSnapshots && sc.input != nil {
		if m, ok := snapshot(a.sanitizer, sc.input).(map[string]any); ok {
			detail.InputSnapshot = m
		}
	}

	a.Emit(ctx, observability.Event{
		Type:      sc.eventType.ErrorType(),
		Agent:     agent,
		Action:    action,
		Status:    status,
		LatencyMS: elapsedMS(start),
		Data:      data,
		Error:     detail,
	})
}

// snapshot converts v to plain JSON values so the sanitizer can see inside
// structs. The value is sanitized before its size is checked; oversized
// values are replaced by a truncated encoding of the sanitized form.
func snapshot(s *redact.Sanitizer, v any) any {
	if s == nil {
		s = redact.New()
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%T: %v>", v, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return s.RedactString(string(encoded))
	}
	clean := s.Sanitize(decoded)
	if len(encoded) <= maxResultBytes {
		return clean
	}
	redacted, err := json.Marshal(clean)
	if err != nil {
		return fmt.Sprintf("<%T: %v>", v, err)
	}
	if len(redacted) > maxResultBytes {
		return string(redacted[:maxResultBytes]) + "...[truncated]"
	}
	return clean
}

func copyData(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func elapsedMS(start time.Time) *float64 {
	return observability.Float64(float64(time.Since(start).Microseconds()) / 1000)
}
