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

/*
Package tracing provides trace propagation, sampling and metrics for the
audit pipeline.

# Overview

The tracing package supports:

  - Trace and span identifiers carried in context.Context
  - W3C traceparent rendering and parsing
  - HTTP middleware and RoundTripper for header propagation
  - Event sampling with trace-level consistency
  - In-memory metrics mirrored to OpenTelemetry and Prometheus

# Traces and Spans

A trace is started at request entry and spans are opened around units of
work:

	ctx, traceID := tracing.NewTrace(ctx)

	ctx, span, err := tracing.NewSpan(ctx)
	if err != nil {
	    return err // no trace in ctx
	}

Because contexts are immutable, leaving a span is simply returning to the
caller's context. Reading trace state from a context without a trace fails
with errors.ErrNoActiveTrace.

# Propagation

	header, _ := tracing.ToHeader(ctx)   // "00-<trace>-<span>-01"
	ctx = tracing.FromHeader(ctx, header) // malformed input starts a new trace

	handler = tracing.HTTPMiddleware(handler)
	client.Transport = tracing.NewRoundTripper(nil)

# Sampling

SamplingPolicy.ShouldRecord never drops error or timeout events unless
error downsampling is explicitly allowed. Slow events and debug mode are
always kept. Events that belong to a trace follow a deterministic
trace-level decision; events outside any trace use the success rate.

# Metrics

MetricsCollector.Observe is called synchronously for every emitted event.
Snapshot reads atomics only. Metrics exposed at /metrics:

  - auditflow_events_total{event_type,status}
  - auditflow_llm_calls_total, auditflow_tool_calls_total
  - auditflow_errors_total, auditflow_retries_total
  - auditflow_tokens_total{direction}
  - auditflow_latency_seconds{kind}
  - auditflow_active_traces, auditflow_queue_depth, auditflow_cost_usd

# Subpackages

  - redact: payload sanitization
  - pipeline: bounded queue and single consumer
  - export: console, jsonfile, cloudwatch and otlp sinks
  - storage: SQLite sink and retention
  - audit: the facade callers use
  - replay: offline reconstruction from JSONL files
*/
package tracing
