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
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/tombee/auditflow/pkg/observability"
)

// RandSource supplies uniform values in [0,1). Implementations passed to
// NewSamplingPolicy must be safe for concurrent use.
type RandSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// SamplingPolicy decides whether an event is persisted.
//
// Decision order, first match wins:
//  1. error or timeout status: recorded (at ErrorRate when downsampling is allowed)
//  2. latency above SlowThresholdMS: recorded
//  3. Debug: recorded
//  4. event belongs to a trace: the trace-level decision, a deterministic
//     function of the trace ID at TraceRate, so a trace's non-critical
//     events are kept or dropped together
//  5. otherwise: recorded with probability SuccessRate
type SamplingPolicy struct {
	cfg atomic.Pointer[SamplingConfig]
	rnd RandSource
}

// NewSamplingPolicy creates a policy. A nil rnd uses math/rand/v2.
func NewSamplingPolicy(cfg SamplingConfig, rnd RandSource) *SamplingPolicy {
	if rnd == nil {
		rnd = globalRand{}
	}
	p := &SamplingPolicy{rnd: rnd}
	p.SetConfig(cfg)
	return p
}

// SetConfig swaps the configuration. Safe to call while ShouldRecord runs.
func (p *SamplingPolicy) SetConfig(cfg SamplingConfig) {
	cfg.TraceRate = clampRate(cfg.TraceRate)
	cfg.SuccessRate = clampRate(cfg.SuccessRate)
	cfg.ErrorRate = clampRate(cfg.ErrorRate)
	p.cfg.Store(&cfg)
}

// Config returns the active configuration.
func (p *SamplingPolicy) Config() SamplingConfig {
	return *p.cfg.Load()
}

// ShouldRecord reports whether e should be enqueued.
func (p *SamplingPolicy) ShouldRecord(e observability.Event) bool {
	cfg := p.cfg.Load()

	if e.IsFailure() {
		rate := 1.0
		if cfg.AllowErrorDownsampling {
			rate = cfg.ErrorRate
		}
		return p.sample(rate)
	}

	if latency, ok := e.Latency(); ok && cfg.SlowThresholdMS > 0 && latency > cfg.SlowThresholdMS {
		return true
	}

	if cfg.Debug {
		return true
	}

	if e.TraceID != "" {
		return TraceSampled(e.TraceID, cfg.TraceRate)
	}

	return p.sample(cfg.SuccessRate)
}

func (p *SamplingPolicy) sample(rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return p.rnd.Float64() < rate
}

// TraceSampled is the trace-level decision: the same trace ID and rate
// always give the same answer, in this process and any other.
func TraceSampled(traceID string, rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return traceFraction(traceID) < rate
}

// traceFraction maps a trace ID to [0,1) with FNV-1a followed by a 64-bit
// finalizer. UUID-derived IDs carry fixed version and variant bits, so the
// raw bytes are not used directly.
func traceFraction(traceID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(traceID)))
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return float64(x>>11) / float64(1<<53)
}

func clampRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
