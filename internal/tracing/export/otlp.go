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

// Package export implements the audit event sinks: console, daily JSONL
// files, CloudWatch Logs and OpenTelemetry spans.
package export

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/pkg/observability"
)

// Exporter types accepted in tracing.ExporterConfig.Type.
const (
	ExporterOTLP     = "otlp"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
	ExporterConsole  = "console"
)

const scopeName = "github.com/tombee/auditflow"

// NewSpanExporter creates the span exporter described by cfg. gRPC is the
// default transport.
func NewSpanExporter(ctx context.Context, cfg tracing.ExporterConfig) (sdktrace.SpanExporter, error) {
	tlsCfg, err := ClientTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("invalid TLS config: %w", err)
	}
	if tlsCfg != nil {
		if err := ValidateTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
	}

	switch strings.ToLower(cfg.Type) {
	case "", ExporterOTLP, ExporterOTLPGRPC:
		return newGRPCExporter(ctx, cfg, tlsCfg)
	case ExporterOTLPHTTP:
		return newHTTPExporter(ctx, cfg, tlsCfg)
	case ExporterConsole, "stdout":
		return NewStdoutExporter(os.Stdout)
	default:
		return nil, fmt.Errorf("unknown exporter type %q", cfg.Type)
	}
}

func newGRPCExporter(ctx context.Context, cfg tracing.ExporterConfig, tlsCfg *tls.Config) (sdktrace.SpanExporter, error) {
	var opts []otlptracegrpc.Option
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}

	if tlsCfg == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

// NewStdoutExporter writes spans as pretty-printed JSON, for local debugging.
func NewStdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return exporter, nil
}

// OTLPSink converts each audit event into a finished span and hands it to a
// batch span processor.
type OTLPSink struct {
	processor sdktrace.SpanProcessor
	resource  *resource.Resource

	closeOnce sync.Once
	closeErr  error
}

// NewOTLPSink creates a sink exporting through exporter. res describes this
// process and may be nil.
func NewOTLPSink(exporter sdktrace.SpanExporter, res *resource.Resource) *OTLPSink {
	if res == nil {
		res = resource.Default()
	}
	return &OTLPSink{
		processor: sdktrace.NewBatchSpanProcessor(exporter),
		resource:  res,
	}
}

// Name implements observability.Sink.
func (s *OTLPSink) Name() string { return tracing.SinkOTLP }

// Start implements observability.Sink.
func (s *OTLPSink) Start(context.Context) error { return nil }

// Export implements observability.Sink.
func (s *OTLPSink) Export(_ context.Context, e observability.Event) error {
	stub, err := SpanFromEvent(e, s.resource)
	if err != nil {
		return err
	}
	s.processor.OnEnd(stub.Snapshot())
	return nil
}

// Flush exports every span queued in the batch processor.
func (s *OTLPSink) Flush(ctx context.Context) error {
	return s.processor.ForceFlush(ctx)
}

// Close flushes and shuts down the processor and its exporter.
func (s *OTLPSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.processor.Shutdown(ctx)
	})
	return s.closeErr
}

// SpanFromEvent maps an event to a completed span. The span ends at the
// event timestamp and starts LatencyMS earlier. Events without trace or span
// identifiers get identifiers derived from their event ID.
func SpanFromEvent(e observability.Event, res *resource.Resource) (tracetest.SpanStub, error) {
	sc, parent, err := spanContexts(e)
	if err != nil {
		return tracetest.SpanStub{}, err
	}

	name := string(e.Type)
	if e.Action != "" {
		name += " " + e.Action
	}

	stub := tracetest.SpanStub{
		Name:                 name,
		SpanContext:          sc,
		Parent:               parent,
		SpanKind:             trace.SpanKindInternal,
		StartTime:            e.Timestamp.Add(-e.Duration()),
		EndTime:              e.Timestamp,
		Attributes:           eventAttributes(e),
		Resource:             res,
		InstrumentationScope: instrumentation.Scope{Name: scopeName},
	}

	if e.IsFailure() {
		msg := string(e.Status)
		if e.Error != nil {
			msg = e.Error.Message
			stub.Events = []sdktrace.Event{{
				Name: "exception",
				Time: e.Timestamp,
				Attributes: []attribute.KeyValue{
					semconv.ExceptionType(e.Error.Kind),
					semconv.ExceptionMessage(e.Error.Message),
					semconv.ExceptionStacktrace(e.Error.Stack),
				},
			}}
		}
		stub.Status = sdktrace.Status{Code: codes.Error, Description: msg}
	} else {
		stub.Status = sdktrace.Status{Code: codes.Ok}
	}

	return stub, nil
}

func spanContexts(e observability.Event) (trace.SpanContext, trace.SpanContext, error) {
	var seed [16]byte
	if id, err := uuid.Parse(e.EventID); err == nil {
		seed = id
	} else {
		seed = uuid.New()
	}

	traceID := e.TraceID
	if traceID == "" {
		traceID = hex.EncodeToString(seed[:])
	}
	spanID := e.SpanID
	if spanID == "" {
		spanID = hex.EncodeToString(seed[8:])
	}

	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return trace.SpanContext{}, trace.SpanContext{}, fmt.Errorf("event %s: invalid trace_id: %w", e.EventID, err)
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return trace.SpanContext{}, trace.SpanContext{}, fmt.Errorf("event %s: invalid span_id: %w", e.EventID, err)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})

	var parent trace.SpanContext
	if e.ParentSpanID != "" {
		if pid, err := trace.SpanIDFromHex(e.ParentSpanID); err == nil {
			parent = trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     pid,
				TraceFlags: trace.FlagsSampled,
			})
		}
	}
	return sc, parent, nil
}

func eventAttributes(e observability.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("audit.event_id", e.EventID),
		attribute.String("audit.event_version", e.Version),
		attribute.String("audit.event_type", string(e.Type)),
		attribute.String("audit.agent", e.Agent),
		attribute.String("audit.action", e.Action),
		attribute.String("audit.status", string(e.Status)),
		attribute.Int64("audit.span_seq", e.SpanSeq),
	}
	if ms, ok := e.Latency(); ok {
		attrs = append(attrs, attribute.Float64("audit.latency_ms", ms))
	}
	if e.TokensInput != nil {
		attrs = append(attrs, attribute.Int("gen_ai.usage.input_tokens", *e.TokensInput))
	}
	if e.TokensOutput != nil {
		attrs = append(attrs, attribute.Int("gen_ai.usage.output_tokens", *e.TokensOutput))
	}
	if e.CostUSD != nil {
		attrs = append(attrs, attribute.String("audit.cost_usd", e.CostUSD.String()))
	}
	if model := e.Model(); model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", model))
	}
	if e.Error != nil {
		attrs = append(attrs, attribute.Bool("audit.error.recoverable", e.Error.Recoverable))
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, dataAttribute("audit.data."+k, e.Data[k]))
	}
	return attrs
}

func dataAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	case []string:
		return attribute.StringSlice(key, val)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return attribute.String(key, fmt.Sprint(v))
	}
	return attribute.String(key, string(b))
}
