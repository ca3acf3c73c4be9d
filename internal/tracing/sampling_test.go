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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/auditflow/pkg/observability"
)

// fixedRand always returns v.
type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func TestShouldRecord_DecisionOrder(t *testing.T) {
	base := SamplingConfig{TraceRate: 0, SuccessRate: 0, ErrorRate: 1, SlowThresholdMS: 1500}

	tests := []struct {
		name  string
		cfg   func(SamplingConfig) SamplingConfig
		event observability.Event
		want  bool
	}{
		{
			name:  "error always recorded",
			event: observability.Event{Status: observability.StatusError},
			want:  true,
		},
		{
			name:  "timeout always recorded",
			event: observability.Event{Status: observability.StatusTimeout, TraceID: "abc"},
			want:  true,
		},
		{
			name:  "slow recorded",
			event: observability.Event{Status: observability.StatusOK, LatencyMS: observability.Float64(1500.5)},
			want:  true,
		},
		{
			name:  "at threshold is not slow",
			event: observability.Event{Status: observability.StatusOK, LatencyMS: observability.Float64(1500)},
			want:  false,
		},
		{
			name:  "debug recorded",
			cfg:   func(c SamplingConfig) SamplingConfig { c.Debug = true; return c },
			event: observability.Event{Status: observability.StatusOK},
			want:  true,
		},
		{
			name:  "untraced success uses success rate",
			cfg:   func(c SamplingConfig) SamplingConfig { c.SuccessRate = 1; return c },
			event: observability.Event{Status: observability.StatusOK},
			want:  true,
		},
		{
			name:  "traced success uses trace rate, not success rate",
			cfg:   func(c SamplingConfig) SamplingConfig { c.SuccessRate = 1; return c },
			event: observability.Event{Status: observability.StatusOK, TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"},
			want:  false,
		},
		{
			name:  "retry is not a failure",
			event: observability.Event{Status: observability.StatusRetry},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			if tt.cfg != nil {
				cfg = tt.cfg(cfg)
			}
			p := NewSamplingPolicy(cfg, fixedRand(0.5))
			assert.Equal(t, tt.want, p.ShouldRecord(tt.event))
		})
	}
}

func TestShouldRecord_ErrorsIgnoreSuccessRate(t *testing.T) {
	for _, rate := range []float64{0, 0.01, 0.5, 1} {
		// An error rate below 1 without the override is ignored.
		p := NewSamplingPolicy(SamplingConfig{SuccessRate: rate, TraceRate: rate, ErrorRate: 0}, fixedRand(0.999))
		for _, status := range []observability.Status{observability.StatusError, observability.StatusTimeout} {
			assert.True(t, p.ShouldRecord(observability.Event{Status: status, TraceID: "t"}))
		}
	}
}

func TestShouldRecord_ErrorDownsamplingRequiresOverride(t *testing.T) {
	p := NewSamplingPolicy(SamplingConfig{ErrorRate: 0.5, AllowErrorDownsampling: true}, fixedRand(0.7))
	assert.False(t, p.ShouldRecord(observability.Event{Status: observability.StatusError}))

	p = NewSamplingPolicy(SamplingConfig{ErrorRate: 0.5, AllowErrorDownsampling: true}, fixedRand(0.2))
	assert.True(t, p.ShouldRecord(observability.Event{Status: observability.StatusError}))
}

func TestShouldRecord_SuccessRateUsesRandomness(t *testing.T) {
	p := NewSamplingPolicy(SamplingConfig{SuccessRate: 0.10, ErrorRate: 1}, fixedRand(0.05))
	assert.True(t, p.ShouldRecord(observability.Event{Status: observability.StatusOK}))

	p = NewSamplingPolicy(SamplingConfig{SuccessRate: 0.10, ErrorRate: 1}, fixedRand(0.15))
	assert.False(t, p.ShouldRecord(observability.Event{Status: observability.StatusOK}))
}

func TestTraceSampled_AllOrNone(t *testing.T) {
	p := NewSamplingPolicy(SamplingConfig{TraceRate: 0.2, SuccessRate: 0.1, ErrorRate: 1}, nil)

	kept := 0
	const traces = 2000
	for i := 0; i < traces; i++ {
		_, traceID := NewTrace(context.Background())
		first := p.ShouldRecord(observability.Event{Status: observability.StatusOK, TraceID: traceID})
		for j := 0; j < 5; j++ {
			assert.Equal(t, first, p.ShouldRecord(observability.Event{Status: observability.StatusOK, TraceID: traceID}))
		}
		if first {
			kept++
		}
	}

	// 20% of 2000 is 400; allow generous slack for hash variance.
	assert.InDelta(t, 400, kept, 100)
}

func TestTraceSampled_Bounds(t *testing.T) {
	assert.True(t, TraceSampled("anything", 1))
	assert.False(t, TraceSampled("anything", 0))
	assert.Equal(t, TraceSampled("abc", 0.5), TraceSampled("ABC", 0.5))
}

func TestSetConfig_ClampsAndSwaps(t *testing.T) {
	p := NewSamplingPolicy(SamplingConfig{SuccessRate: 7, TraceRate: -1}, fixedRand(0.5))
	cfg := p.Config()
	assert.Equal(t, 1.0, cfg.SuccessRate)
	assert.Equal(t, 0.0, cfg.TraceRate)

	p.SetConfig(SamplingConfig{Debug: true})
	assert.True(t, p.ShouldRecord(observability.Event{Status: observability.StatusOK, TraceID: "x"}))
}
