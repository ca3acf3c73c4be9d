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

// Package audit is the entry point instrumented code uses to record audit
// events. An Auditor is built once at process start from tracing.Config,
// passed to the code that emits events, and shut down exactly once.
package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/auditflow/internal/config"
	internallog "github.com/tombee/auditflow/internal/log"
	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/export"
	"github.com/tombee/auditflow/internal/tracing/pipeline"
	"github.com/tombee/auditflow/internal/tracing/redact"
	"github.com/tombee/auditflow/internal/tracing/storage"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/llm/pricing"
	"github.com/tombee/auditflow/pkg/llm/prompts"
	"github.com/tombee/auditflow/pkg/observability"
)

// Auditor enriches, sanitizes, measures and samples events, then hands the
// ones it keeps to the export pipeline. A disabled Auditor accepts every
// call and records nothing.
type Auditor struct {
	cfg       tracing.Config
	logger    *slog.Logger
	now       func() time.Time
	sanitizer *redact.Sanitizer
	sampler   *tracing.SamplingPolicy
	costs     *pricing.Calculator
	prompts   *prompts.Registry
	metrics   *tracing.MetricsProvider
	pipeline  *pipeline.Pipeline
	retention *storage.Retention
	watchPath string
	watcher   *config.Watcher
	env       map[string]string
	warn      *rate.Limiter

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ observability.Emitter = (*Auditor)(nil)

// Option customizes an Auditor.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	rnd          tracing.RandSource
	sinks        []observability.Sink
	console      io.Writer
	cwClient     export.LogsAPI
	spanExporter sdktrace.SpanExporter
	table        *pricing.Table
	prompts      *prompts.Registry
	configPath   string
}

// WithLogger sets the logger for audit warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRandSource sets the randomness used for per-event sampling.
func WithRandSource(rnd tracing.RandSource) Option {
	return func(o *options) { o.rnd = rnd }
}

// WithSinks replaces the sinks named in the configuration.
func WithSinks(sinks ...observability.Sink) Option {
	return func(o *options) { o.sinks = sinks }
}

// WithConsoleWriter sets where the console sink writes.
func WithConsoleWriter(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithCloudWatchClient sets the client used by the cloudwatch sink instead
// of one built from the default AWS configuration.
func WithCloudWatchClient(client export.LogsAPI) Option {
	return func(o *options) { o.cwClient = client }
}

// WithSpanExporter sets the exporter used by the otlp sink.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithPricingTable sets the model price table.
func WithPricingTable(table *pricing.Table) Option {
	return func(o *options) { o.table = table }
}

// WithPromptRegistry sets the registry used to stamp prompt versions and
// hashes on llm.invoke events. A configured prompts file is merged into it.
func WithPromptRegistry(r *prompts.Registry) Option {
	return func(o *options) { o.prompts = r }
}

// WithConfigFile watches path while the Auditor runs and applies sampling
// changes from each valid edit without restarting the pipeline.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// New builds an Auditor from cfg. Sinks are created but not started; call
// Start before emitting.
func New(cfg tracing.Config, opts ...Option) (*Auditor, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, &auditerrors.ConfigError{Key: "audit", Reason: err.Error(), Cause: err}
	}

	metrics, err := tracing.NewMetricsProvider(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	a := &Auditor{
		cfg:       cfg,
		logger:    internallog.WithComponent(o.logger, "audit"),
		now:       o.now,
		sampler:   tracing.NewSamplingPolicy(cfg.SamplingPolicyConfig(), o.rnd),
		metrics:   metrics,
		watchPath: o.configPath,
		warn:      rate.NewLimiter(rate.Every(10*time.Second), 1),
		env: map[string]string{
			"go_version":      runtime.Version(),
			"os":              runtime.GOOS,
			"arch":            runtime.GOARCH,
			"service":         cfg.ServiceName,
			"service_version": cfg.ServiceVersion,
		},
	}
	if !cfg.Enabled {
		return a, nil
	}

	if err := a.configure(o); err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Auditor) configure(o options) error {
	patterns := make([]redact.Pattern, 0, len(a.cfg.Redaction.Patterns))
	for _, p := range a.cfg.Redaction.Patterns {
		pattern, err := redact.NewPattern(p.Name, p.Regex)
		if err != nil {
			return &auditerrors.ConfigError{Key: "audit.redaction.patterns", Reason: err.Error(), Cause: err}
		}
		patterns = append(patterns, pattern)
	}
	a.sanitizer = redact.New(patterns...)

	table := o.table
	if table == nil {
		table = pricing.NewTable()
	}
	if a.cfg.PricingFile != "" {
		if err := table.LoadFile(a.cfg.PricingFile); err != nil {
			return &auditerrors.ConfigError{Key: "audit.pricing_file", Reason: err.Error(), Cause: err}
		}
	}
	a.costs = pricing.NewCalculator(table)

	registry := o.prompts
	if a.cfg.PromptsFile != "" {
		if registry == nil {
			registry = prompts.NewRegistry()
		}
		if err := registry.LoadFile(a.cfg.PromptsFile); err != nil {
			return &auditerrors.ConfigError{Key: "audit.prompts_file", Reason: err.Error(), Cause: err}
		}
	}
	a.prompts = registry

	sinks := o.sinks
	if sinks == nil {
		var err error
		if sinks, err = buildSinks(context.Background(), a.cfg, o, a.logger); err != nil {
			return err
		}
	}

	a.pipeline = pipeline.New(sinks, pipeline.Options{
		Capacity:        a.cfg.MaxQueue,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
		Logger:          o.logger,
	})
	a.metrics.Collector().SetQueueDepthFunc(a.pipeline.Len)

	if a.cfg.FileRetention > 0 && hasSink(a.cfg.Sinks, tracing.SinkJSONFile) {
		a.retention = storage.NewRetention(a.cfg.FileRetention, 0, a.logger, storage.FilePruner{Dir: a.cfg.LogDir})
	}
	return nil
}

// Start starts the sinks and the pipeline consumer. Sinks that fail to
// start are reported in the returned error and left out of delivery; the
// rest keep running.
func (a *Auditor) Start(ctx context.Context) error {
	if a.pipeline == nil {
		return nil
	}
	err := a.pipeline.Start(ctx)
	if err != nil && errors.Is(err, auditerrors.ErrPipelineClosed) {
		return err
	}
	if a.retention != nil {
		a.retention.Start()
	}
	if a.watchPath != "" {
		w, werr := config.Watch(a.watchPath, config.SamplingReloader(a.sampler), config.WatchOptions{Logger: a.logger})
		if werr != nil {
			a.logger.Warn("sampling hot reload disabled", "path", a.watchPath, internallog.Error(werr))
		} else {
			a.watcher = w
		}
	}
	return err
}

// Enabled reports whether the Auditor records events.
func (a *Auditor) Enabled() bool {
	return a != nil && a.pipeline != nil
}

// Emit records e. Missing trace identifiers, event ID, timestamp and
// version are filled in from ctx and the clock; an llm.invoke event with
// token counts and a model gets a cost. The payload and input snapshot are
// sanitized, metrics are updated, and the event is enqueued if the sampling
// policy keeps it. Events that fail Validate are dropped with a rate-limited
// warning. Emit never blocks and never fails.
func (a *Auditor) Emit(ctx context.Context, e observability.Event) {
	if !a.Enabled() {
		return
	}
	e = a.prepare(ctx, e)
	if err := e.Validate(); err != nil {
		if a.warn.Allow() {
			internallog.WithTrace(a.logger, e.TraceID, e.SpanID).Warn("dropping invalid audit event",
				slog.String("event_type", string(e.Type)),
				internallog.Error(err))
		}
		return
	}
	a.metrics.Collector().Observe(ctx, e)
	if !a.sampler.ShouldRecord(e) {
		return
	}
	a.pipeline.Enqueue(e)
}

func (a *Auditor) prepare(ctx context.Context, e observability.Event) observability.Event {
	if e.Version == "" {
		e.Version = observability.EventVersion
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Status == "" {
		e.Status = observability.StatusOK
	}
	if e.TraceID == "" {
		if span, err := tracing.CurrentSpan(ctx); err == nil {
			e.TraceID = span.TraceID
			e.SpanID = span.SpanID
			e.ParentSpanID = span.ParentSpanID
			e.SpanSeq = span.Seq
		}
	}

	a.applyCost(&e)

	// The sanitized copies are owned by the pipeline from here on.
	e.Data = a.sanitizer.SanitizeMap(e.Data)
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if e.Error != nil {
		detail := *e.Error
		detail.Message = a.sanitizer.RedactString(detail.Message)
		detail.InputSnapshot = a.sanitizer.SanitizeMap(detail.InputSnapshot)
		detail.Environment = maps.Clone(detail.Environment)
		e.Error = &detail
	}
	a.stampPrompt(&e)
	return e
}

// stampPrompt records the version and content hash of the prompt named on an
// LLM event. A version the caller set selects that version; otherwise the
// current one is used.
func (a *Auditor) stampPrompt(e *observability.Event) {
	if a.prompts == nil || (e.Type != observability.EventLLMInvoke && e.Type != observability.EventLLMError) {
		return
	}
	name, _ := e.Data[observability.DataKeyPromptName].(string)
	if name == "" {
		return
	}

	var (
		v   prompts.Version
		err error
	)
	if version, _ := e.Data[observability.DataKeyPromptVersion].(string); version != "" {
		v, err = a.prompts.GetVersion(name, version)
	} else {
		v, err = a.prompts.Get(name)
	}
	if err != nil {
		if a.warn.Allow() {
			internallog.WithTrace(a.logger, e.TraceID, e.SpanID).Warn("audit event recorded without prompt hash",
				slog.String("prompt", name),
				internallog.Error(err))
		}
		return
	}
	e.Data[observability.DataKeyPromptVersion] = v.Version
	e.Data[observability.DataKeyPromptHash] = v.Hash
}

func (a *Auditor) applyCost(e *observability.Event) {
	if e.Type != observability.EventLLMInvoke || e.CostUSD != nil || e.TokensInput == nil || e.TokensOutput == nil {
		return
	}
	model := e.Model()
	if model == "" {
		return
	}
	cost, err := a.costs.Cost(model, *e.TokensInput, *e.TokensOutput)
	if err != nil {
		if a.warn.Allow() {
			internallog.WithTrace(a.logger, e.TraceID, e.SpanID).Warn("audit event recorded without cost",
				slog.String("model", model),
				internallog.Error(err))
		}
		return
	}
	e.CostUSD = &cost
}

// Flush blocks until every queued event has been delivered to every sink.
func (a *Auditor) Flush(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	return a.pipeline.Flush(ctx)
}

// Shutdown flushes pending events within the configured shutdown timeout,
// closes the sinks and stops the metrics provider. Later calls return the
// first call's result.
func (a *Auditor) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.pipeline != nil {
			errs = append(errs, a.pipeline.Shutdown(ctx))
		}
		if a.retention != nil {
			a.retention.Stop()
		}
		if a.watcher != nil {
			errs = append(errs, a.watcher.Close())
		}
		errs = append(errs, a.metrics.Shutdown(ctx))
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

// Metrics returns the live metrics collector.
func (a *Auditor) Metrics() *tracing.MetricsCollector {
	return a.metrics.Collector()
}

// MetricsHandler serves the collector's metrics in Prometheus format.
func (a *Auditor) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// Sampling returns the active policy. Its configuration can be swapped at
// runtime with SetConfig.
func (a *Auditor) Sampling() *tracing.SamplingPolicy {
	return a.sampler
}

// Stats reports pipeline counters. It is zero for a disabled Auditor.
func (a *Auditor) Stats() pipeline.Stats {
	if !a.Enabled() {
		return pipeline.Stats{}
	}
	return a.pipeline.Stats()
}

func (a *Auditor) environment(model string) map[string]string {
	env := maps.Clone(a.env)
	if model != "" {
		env["model"] = model
	}
	return env
}

func hasSink(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
