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

package tracing

import (
	"context"
	"encoding/hex"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

// HeaderTraceParent is the W3C Trace Context header name.
const HeaderTraceParent = "traceparent"

var w3c = propagation.TraceContext{}

// SpanContext identifies the current unit of work.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string

	// Seq is the creation index of the span within its trace. The root
	// span (or the adopted remote span) is 0.
	Seq int64

	// Remote is true for a span adopted from an inbound header.
	Remote bool
}

// IsRoot reports whether the span has no parent.
func (s SpanContext) IsRoot() bool {
	return s.ParentSpanID == ""
}

// traceState is shared by every span of one trace within this process.
type traceState struct {
	id  string
	seq atomic.Int64
}

type spanKeyType struct{}

var spanKey = spanKeyType{}

type spanValue struct {
	trace *traceState
	span  SpanContext
}

// NewTrace starts a fresh trace with a root span and returns a context in
// which it is current.
func NewTrace(ctx context.Context) (context.Context, string) {
	ts := &traceState{id: newTraceID()}
	root := SpanContext{TraceID: ts.id, SpanID: newSpanID()}
	return context.WithValue(ctx, spanKey, &spanValue{trace: ts, span: root}), ts.id
}

// NewSpan opens a child of the current span. The returned context carries
// the new span; the caller's ctx still carries the parent, so the parent is
// current again as soon as the caller stops using the returned context.
func NewSpan(ctx context.Context) (context.Context, SpanContext, error) {
	cur := spanFrom(ctx)
	if cur == nil {
		return ctx, SpanContext{}, auditerrors.ErrNoActiveTrace
	}
	child := SpanContext{
		TraceID:      cur.trace.id,
		SpanID:       newSpanID(),
		ParentSpanID: cur.span.SpanID,
		Seq:          cur.trace.seq.Add(1),
	}
	return context.WithValue(ctx, spanKey, &spanValue{trace: cur.trace, span: child}), child, nil
}

// WithSpan runs fn under a new child span of ctx.
func WithSpan(ctx context.Context, fn func(ctx context.Context) error) error {
	spanCtx, _, err := NewSpan(ctx)
	if err != nil {
		return err
	}
	return fn(spanCtx)
}

// EnsureTrace returns ctx unchanged when it already carries a trace, or
// starts a new one.
func EnsureTrace(ctx context.Context) context.Context {
	if spanFrom(ctx) != nil {
		return ctx
	}
	ctx, _ = NewTrace(ctx)
	return ctx
}

// CurrentSpan returns the span carried by ctx.
func CurrentSpan(ctx context.Context) (SpanContext, error) {
	cur := spanFrom(ctx)
	if cur == nil {
		return SpanContext{}, auditerrors.ErrNoActiveTrace
	}
	return cur.span, nil
}

// CurrentTraceID returns the trace ID carried by ctx.
func CurrentTraceID(ctx context.Context) (string, error) {
	span, err := CurrentSpan(ctx)
	return span.TraceID, err
}

// CurrentSpanID returns the span ID carried by ctx.
func CurrentSpanID(ctx context.Context) (string, error) {
	span, err := CurrentSpan(ctx)
	return span.SpanID, err
}

// CurrentParentSpanID returns the parent of the current span. The boolean
// is false for a root span.
func CurrentParentSpanID(ctx context.Context) (string, bool, error) {
	span, err := CurrentSpan(ctx)
	if err != nil {
		return "", false, err
	}
	return span.ParentSpanID, span.ParentSpanID != "", nil
}

// ToHeader renders the current span as a traceparent value,
// "00-{trace_id}-{span_id}-01".
func ToHeader(ctx context.Context) (string, error) {
	span, err := CurrentSpan(ctx)
	if err != nil {
		return "", err
	}
	sc, err := span.OTel()
	if err != nil {
		return "", err
	}

	carrier := propagation.MapCarrier{}
	w3c.Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	return carrier.Get(HeaderTraceParent), nil
}

// FromHeader adopts the trace and span of a traceparent value. The parsed
// span becomes current, so spans opened afterwards are its children and
// ToHeader reproduces the inbound identifiers. A malformed value starts a
// fresh trace instead; inbound headers never cause a failure.
func FromHeader(ctx context.Context, value string) context.Context {
	extracted := w3c.Extract(context.Background(), propagation.MapCarrier{HeaderTraceParent: value})
	sc := trace.SpanContextFromContext(extracted)
	if !sc.IsValid() {
		ctx, _ = NewTrace(ctx)
		return ctx
	}

	ts := &traceState{id: sc.TraceID().String()}
	span := SpanContext{
		TraceID: ts.id,
		SpanID:  sc.SpanID().String(),
		Remote:  true,
	}
	return context.WithValue(ctx, spanKey, &spanValue{trace: ts, span: span})
}

// OTel converts the span to an OpenTelemetry span context.
func (s SpanContext) OTel() (trace.SpanContext, error) {
	tid, err := trace.TraceIDFromHex(s.TraceID)
	if err != nil {
		return trace.SpanContext{}, err
	}
	sid, err := trace.SpanIDFromHex(s.SpanID)
	if err != nil {
		return trace.SpanContext{}, err
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     s.Remote,
	}), nil
}

func spanFrom(ctx context.Context) *spanValue {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(spanKey).(*spanValue)
	return v
}

func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func newSpanID() string {
	id := uuid.New()
	// Byte 6 holds the UUID version, so the span ID is never all zero.
	return hex.EncodeToString(id[:8])
}
