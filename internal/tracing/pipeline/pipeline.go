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

// Package pipeline delivers audit events to sinks from a bounded in-memory
// queue drained by a single background goroutine.
//
// Producers call Enqueue, which never blocks: when the queue is full the
// oldest queued event is evicted and counted. The consumer hands each event
// to every sink in configuration order; an error or panic in one sink is
// counted and logged without affecting the other sinks or the producers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	internallog "github.com/tombee/auditflow/internal/log"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

// DefaultCapacity is used when Options.Capacity is not positive.
const DefaultCapacity = 10000

// DefaultShutdownTimeout is used when Options.ShutdownTimeout is not positive.
const DefaultShutdownTimeout = 5 * time.Second

// Options configures a Pipeline.
type Options struct {
	// Capacity bounds the queue. The oldest event is evicted when full.
	Capacity int

	// SinkTimeout bounds a single Export call. Zero means no per-call limit.
	SinkTimeout time.Duration

	// ShutdownTimeout bounds the final flush performed by Shutdown, and
	// separately bounds stopping the consumer and closing sinks. A sink that
	// ignores its context is abandoned once the bound passes.
	ShutdownTimeout time.Duration

	// Logger receives rate-limited warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// WarnInterval is the minimum spacing between repeated warnings of the
	// same kind. Defaults to one second.
	WarnInterval time.Duration
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`

	// Dropped counts events evicted by drop-oldest.
	Dropped uint64 `json:"dropped"`

	// Rejected counts events offered after Shutdown began.
	Rejected uint64 `json:"rejected"`

	// Discarded counts events still queued when the shutdown flush timed out.
	Discarded uint64 `json:"discarded"`

	// SinkFailures counts failed or panicking Export calls per sink name.
	SinkFailures map[string]uint64 `json:"sink_failures"`

	Depth int `json:"depth"`
}

// Pipeline is a bounded drop-oldest queue with one consumer goroutine.
type Pipeline struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	queue    *ring
	sinks    []observability.Sink
	active   []observability.Sink
	inFlight bool
	waiters  []chan struct{}
	started  bool
	closed   bool

	notify chan struct{}
	cancel context.CancelFunc
	doneCh chan struct{}

	// depth mirrors queue.len() for lock-free readers.
	depth atomic.Int64

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	discarded atomic.Uint64
	failures  map[string]*atomic.Uint64

	dropWarn *rate.Limiter
	sinkWarn *rate.Limiter
}

// New creates a pipeline delivering to sinks in the given order. Events may
// be enqueued before Start; they are held until the consumer runs.
func New(sinks []observability.Sink, opts Options) *Pipeline {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.WarnInterval <= 0 {
		opts.WarnInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	failures := make(map[string]*atomic.Uint64, len(sinks))
	for _, s := range sinks {
		if _, ok := failures[s.Name()]; !ok {
			failures[s.Name()] = new(atomic.Uint64)
		}
	}

	return &Pipeline{
		opts:     opts,
		logger:   internallog.WithComponent(logger, "audit_pipeline"),
		queue:    newRing(opts.Capacity),
		sinks:    append([]observability.Sink(nil), sinks...),
		notify:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		failures: failures,
		dropWarn: rate.NewLimiter(rate.Every(opts.WarnInterval), 1),
		sinkWarn: rate.NewLimiter(rate.Every(opts.WarnInterval), 1),
	}
}

// Start starts every sink and then the consumer. A sink whose Start fails is
// left out of delivery; the joined start errors are returned but the
// pipeline still runs with the remaining sinks. Calling Start again is a
// no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return auditerrors.ErrPipelineClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	var errs []error
	active := make([]observability.Sink, 0, len(p.sinks))
	for _, s := range p.sinks {
		if err := s.Start(ctx); err != nil {
			internallog.WithSink(p.logger, s.Name()).Warn("sink failed to start, disabling",
				internallog.Error(err))
			errs = append(errs, &auditerrors.SinkError{Sink: s.Name(), Cause: err})
			continue
		}
		active = append(active, s)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		for _, s := range active {
			_ = s.Close(ctx)
		}
		return auditerrors.ErrPipelineClosed
	}
	p.active = active
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)

	return errors.Join(errs...)
}

// Enqueue offers e to the queue. It never blocks. When the queue is full
// the oldest event is evicted. After Shutdown has begun, e is rejected and
// counted.
func (p *Pipeline) Enqueue(e observability.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.rejected.Add(1)
		return
	}
	evicted := p.queue.push(e)
	p.depth.Store(int64(p.queue.len()))
	p.mu.Unlock()

	p.enqueued.Add(1)
	if evicted {
		n := p.dropped.Add(1)
		if p.dropWarn.Allow() {
			p.logger.Warn("audit queue full, dropped oldest event",
				slog.Int("capacity", p.opts.Capacity),
				slog.Uint64("dropped_total", n))
		}
	}

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events, excluding one in flight. It does
// not take the queue lock.
func (p *Pipeline) Len() int {
	return int(p.depth.Load())
}

// Pending returns the number of events not yet handed to every sink.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.queue.len()
	if p.inFlight {
		n++
	}
	return n
}

// Flush blocks until the queue is empty and no event is being delivered,
// or ctx is done. It returns ErrPipelineClosed when events are pending but
// no consumer is running to deliver them.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.queue.len() == 0 && !p.inFlight {
		p.mu.Unlock()
		return nil
	}
	if !p.started {
		p.mu.Unlock()
		return auditerrors.ErrPipelineClosed
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting events, flushes within ShutdownTimeout, discards
// whatever is left, stops the consumer and closes every sink. Stopping is
// bounded by a second ShutdownTimeout regardless of ctx, so a hung sink
// cannot keep Shutdown from returning. Only the first call does any work.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	running := p.started && p.cancel != nil
	p.mu.Unlock()

	timeout := p.opts.ShutdownTimeout
	var errs []error

	if running {
		flushCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Flush(flushCtx)
		cancel()
		if err != nil {
			errs = append(errs, &auditerrors.TimeoutError{
				Operation: "audit flush",
				Duration:  timeout,
				Cause:     err,
			})
		}
	}

	if n := p.discard(); n > 0 {
		p.logger.Warn("discarded queued audit events at shutdown", slog.Int("count", n))
	}

	if !running {
		return errors.Join(errs...)
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.cancel()
	select {
	case <-p.doneCh:
	case <-stopCtx.Done():
		p.logger.Warn("abandoning audit consumer blocked in a sink", slog.Duration("timeout", timeout))
		errs = append(errs, &auditerrors.TimeoutError{
			Operation: "audit consumer stop",
			Duration:  timeout,
			Cause:     stopCtx.Err(),
		})
	}

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	errs = append(errs, p.closeSinks(stopCtx, active)...)

	return errors.Join(errs...)
}

// closeSinks closes sinks in order, giving up when ctx is done.
func (p *Pipeline) closeSinks(ctx context.Context, sinks []observability.Sink) []error {
	done := make(chan []error, 1)
	go func() {
		var errs []error
		for _, s := range sinks {
			if err := s.Close(ctx); err != nil {
				errs = append(errs, &auditerrors.SinkError{Sink: s.Name(), Cause: err})
			}
		}
		done <- errs
	}()

	select {
	case errs := <-done:
		return errs
	case <-ctx.Done():
		return []error{&auditerrors.TimeoutError{
			Operation: "audit sink close",
			Duration:  p.opts.ShutdownTimeout,
			Cause:     ctx.Err(),
		}}
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	failures := make(map[string]uint64, len(p.failures))
	for name, c := range p.failures {
		failures[name] = c.Load()
	}
	return Stats{
		Enqueued:     p.enqueued.Load(),
		Delivered:    p.delivered.Load(),
		Dropped:      p.dropped.Load(),
		Rejected:     p.rejected.Load(),
		Discarded:    p.discarded.Load(),
		SinkFailures: failures,
		Depth:        p.Len(),
	}
}

// run is the consumer loop.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.doneCh)

	for {
		p.mu.Lock()
		e, ok := p.queue.pop()
		p.depth.Store(int64(p.queue.len()))
		p.inFlight = ok
		if !ok {
			p.releaseWaitersLocked()
		}
		sinks := p.active
		p.mu.Unlock()

		if !ok {
			select {
			case <-p.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		for _, s := range sinks {
			if err := p.export(ctx, s, e); err != nil {
				p.sinkFailed(s, err)
			}
		}
		p.delivered.Add(1)
		internallog.Trace(p.logger, "audit event delivered", slog.String("event_id", e.EventID))
	}
}

// export calls s.Export, converting a panic into an error.
func (p *Pipeline) export(ctx context.Context, s observability.Sink, e observability.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	if p.opts.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SinkTimeout)
		defer cancel()
	}
	return s.Export(ctx, e)
}

func (p *Pipeline) sinkFailed(s observability.Sink, err error) {
	n := p.failures[s.Name()].Add(1)
	if p.sinkWarn.Allow() {
		internallog.WithSink(p.logger, s.Name()).Warn("audit sink export failed",
			slog.Uint64("failures_total", n),
			internallog.Error(err))
	}
}

// discard empties the queue, counts what was removed and wakes waiters.
func (p *Pipeline) discard() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.queue.drain()
	p.depth.Store(0)
	p.discarded.Add(uint64(n))
	if !p.inFlight {
		p.releaseWaitersLocked()
	}
	return n
}

func (p *Pipeline) releaseWaitersLocked() {
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}
