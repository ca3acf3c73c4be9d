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
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tombee/auditflow/pkg/observability"
)

// MetricsCollector derives counters, histograms and gauges from emitted
// events. It is updated synchronously by the audit facade, independent of
// the export pipeline, so it stays accurate while sinks are degraded.
// Every value is mirrored to OpenTelemetry instruments for Prometheus export.
type MetricsCollector struct {
	requests    atomic.Int64
	llmCalls    atomic.Int64
	toolCalls   atomic.Int64
	errors      atomic.Int64
	retries     atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	events      atomic.Int64
	tokensIn    atomic.Int64
	tokensOut   atomic.Int64

	cost atomic.Pointer[decimal.Decimal]

	activeTraces atomic.Int64
	queueDepth   atomic.Pointer[func() int]

	requestLatency *Histogram
	llmLatency     *Histogram
	toolLatency    *Histogram

	// OpenTelemetry instruments
	eventsTotal    metric.Int64Counter
	errorsTotal    metric.Int64Counter
	tokensTotal    metric.Int64Counter
	latencySeconds metric.Float64Histogram
	llmCallsTotal  metric.Int64Counter
	toolCallsTotal metric.Int64Counter
	retriesTotal   metric.Int64Counter
	requestsTotal  metric.Int64Counter
	cacheLookups   metric.Int64Counter
}

// NewMetricsCollector creates a collector whose instruments are registered
// with meterProvider. A nil provider records in memory only.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	if meterProvider == nil {
		meterProvider = noop.NewMeterProvider()
	}
	meter := meterProvider.Meter("auditflow")

	mc := &MetricsCollector{
		requestLatency: NewHistogram(LatencyBucketsMS),
		llmLatency:     NewHistogram(LatencyBucketsMS),
		toolLatency:    NewHistogram(LatencyBucketsMS),
	}
	zero := decimal.Zero
	mc.cost.Store(&zero)

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&mc.eventsTotal, "auditflow_events_total", "Total number of audit events emitted", "{event}"},
		{&mc.requestsTotal, "auditflow_requests_total", "Total number of requests started", "{request}"},
		{&mc.llmCallsTotal, "auditflow_llm_calls_total", "Total number of LLM invocations", "{call}"},
		{&mc.toolCallsTotal, "auditflow_tool_calls_total", "Total number of tool calls", "{call}"},
		{&mc.errorsTotal, "auditflow_errors_total", "Total number of error and timeout events", "{event}"},
		{&mc.retriesTotal, "auditflow_retries_total", "Total number of retries", "{retry}"},
		{&mc.tokensTotal, "auditflow_tokens_total", "Total number of LLM tokens", "{token}"},
		{&mc.cacheLookups, "auditflow_cache_lookups_total", "Cache lookups by result", "{lookup}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	mc.latencySeconds, err = meter.Float64Histogram(
		"auditflow_latency_seconds",
		metric.WithDescription("Operation latency in seconds by kind"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"auditflow_active_traces",
		metric.WithDescription("Requests started but not yet ended"),
		metric.WithUnit("{trace}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(mc.activeTraces.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"auditflow_queue_depth",
		metric.WithDescription("Events waiting in the export pipeline"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(mc.currentQueueDepth())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		"auditflow_cost_usd",
		metric.WithDescription("Total LLM cost in USD"),
		metric.WithUnit("USD"),
		metric.WithFloat64Callback(func(ctx context.Context, observer metric.Float64Observer) error {
			observer.Observe(mc.cost.Load().InexactFloat64())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// SetQueueDepthFunc installs the source of the queue depth gauge.
func (mc *MetricsCollector) SetQueueDepthFunc(fn func() int) {
	mc.queueDepth.Store(&fn)
}

func (mc *MetricsCollector) currentQueueDepth() int64 {
	fn := mc.queueDepth.Load()
	if fn == nil || *fn == nil {
		return 0
	}
	return int64((*fn)())
}

// Observe updates metrics from one event. It is called for every emitted
// event, before sampling.
func (mc *MetricsCollector) Observe(ctx context.Context, e observability.Event) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", string(e.Type)),
		attribute.String("status", string(e.Status)),
	)

	mc.events.Add(1)
	mc.eventsTotal.Add(ctx, 1, attrs)

	latency, hasLatency := e.Latency()

	switch e.Type {
	case observability.EventRequestStart:
		mc.requests.Add(1)
		mc.requestsTotal.Add(ctx, 1)
		mc.activeTraces.Add(1)
	case observability.EventRequestEnd:
		decrementFloor(&mc.activeTraces)
		if hasLatency {
			mc.recordLatency(ctx, mc.requestLatency, "request", latency)
		}
	case observability.EventLLMInvoke, observability.EventLLMError:
		mc.llmCalls.Add(1)
		mc.llmCallsTotal.Add(ctx, 1, attrs)
		if hasLatency {
			mc.recordLatency(ctx, mc.llmLatency, "llm", latency)
		}
	case observability.EventToolCall, observability.EventToolError:
		mc.toolCalls.Add(1)
		mc.toolCallsTotal.Add(ctx, 1, attrs)
		if hasLatency {
			mc.recordLatency(ctx, mc.toolLatency, "tool", latency)
		}
	case observability.EventToolResult:
		if hasLatency {
			mc.recordLatency(ctx, mc.toolLatency, "tool", latency)
		}
	case observability.EventCacheHit:
		mc.cacheHits.Add(1)
		mc.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
	case observability.EventCacheMiss:
		mc.cacheMisses.Add(1)
		mc.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))
	}

	if e.IsFailure() {
		mc.errors.Add(1)
		mc.errorsTotal.Add(ctx, 1, attrs)
	}
	if e.Status == observability.StatusRetry || e.Type == observability.EventAgentRetry {
		mc.retries.Add(1)
		mc.retriesTotal.Add(ctx, 1)
	}

	if e.TokensInput != nil && *e.TokensInput > 0 {
		mc.tokensIn.Add(int64(*e.TokensInput))
		mc.tokensTotal.Add(ctx, int64(*e.TokensInput), metric.WithAttributes(attribute.String("direction", "input")))
	}
	if e.TokensOutput != nil && *e.TokensOutput > 0 {
		mc.tokensOut.Add(int64(*e.TokensOutput))
		mc.tokensTotal.Add(ctx, int64(*e.TokensOutput), metric.WithAttributes(attribute.String("direction", "output")))
	}
	if e.CostUSD != nil && e.CostUSD.IsPositive() {
		mc.addCost(*e.CostUSD)
	}
}

func (mc *MetricsCollector) recordLatency(ctx context.Context, h *Histogram, kind string, ms float64) {
	h.Record(ms)
	mc.latencySeconds.Record(ctx, ms/1000, metric.WithAttributes(attribute.String("kind", kind)))
}

func (mc *MetricsCollector) addCost(amount decimal.Decimal) {
	for {
		old := mc.cost.Load()
		next := old.Add(amount)
		if mc.cost.CompareAndSwap(old, &next) {
			return
		}
	}
}

func decrementFloor(v *atomic.Int64) {
	for {
		old := v.Load()
		if old <= 0 {
			return
		}
		if v.CompareAndSwap(old, old-1) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time copy of the collector.
type MetricsSnapshot struct {
	Events       int64           `json:"events"`
	Requests     int64           `json:"requests"`
	LLMCalls     int64           `json:"llm_calls"`
	ToolCalls    int64           `json:"tool_calls"`
	Errors       int64           `json:"errors"`
	Retries      int64           `json:"retries"`
	CacheHits    int64           `json:"cache_hits"`
	CacheMisses  int64           `json:"cache_misses"`
	TokensInput  int64           `json:"tokens_input"`
	TokensOutput int64           `json:"tokens_output"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	ActiveTraces int64           `json:"active_traces"`
	QueueDepth   int64           `json:"queue_depth"`

	RequestLatency HistogramSnapshot `json:"request_latency_ms"`
	LLMLatency     HistogramSnapshot `json:"llm_latency_ms"`
	ToolLatency    HistogramSnapshot `json:"tool_latency_ms"`
}

// CacheHitRate returns hits/(hits+misses), or 0 with no lookups.
func (s MetricsSnapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Snapshot reads every metric without taking locks.
func (mc *MetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Events:         mc.events.Load(),
		Requests:       mc.requests.Load(),
		LLMCalls:       mc.llmCalls.Load(),
		ToolCalls:      mc.toolCalls.Load(),
		Errors:         mc.errors.Load(),
		Retries:        mc.retries.Load(),
		CacheHits:      mc.cacheHits.Load(),
		CacheMisses:    mc.cacheMisses.Load(),
		TokensInput:    mc.tokensIn.Load(),
		TokensOutput:   mc.tokensOut.Load(),
		CostUSD:        *mc.cost.Load(),
		ActiveTraces:   mc.activeTraces.Load(),
		QueueDepth:     mc.currentQueueDepth(),
		RequestLatency: mc.requestLatency.Snapshot(),
		LLMLatency:     mc.llmLatency.Snapshot(),
		ToolLatency:    mc.toolLatency.Snapshot(),
	}
}
