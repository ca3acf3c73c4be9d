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
	"math"
	"sort"
	"sync/atomic"
)

// LatencyBucketsMS are the histogram upper bounds in milliseconds. The last
// bucket is unbounded.
var LatencyBucketsMS = []float64{
	1, 2, 5, 10, 25, 50, 100, 250, 500, 750, 1000, 1500, 2000, 3000, 5000, 10000, 30000, 60000,
}

// Histogram is a fixed-bucket latency histogram. Record and Snapshot use
// only atomic operations, so readers never block writers.
type Histogram struct {
	bounds []float64
	counts []atomic.Int64 // len(bounds)+1, last is overflow
	count  atomic.Int64
	sum    atomic.Uint64 // float64 bits
	max    atomic.Uint64 // float64 bits
}

// NewHistogram creates a histogram over bounds, which must be ascending.
func NewHistogram(bounds []float64) *Histogram {
	return &Histogram{
		bounds: bounds,
		counts: make([]atomic.Int64, len(bounds)+1),
	}
}

// Record adds one observation. Negative and NaN values are ignored.
func (h *Histogram) Record(v float64) {
	if v < 0 || math.IsNaN(v) {
		return
	}
	idx := sort.SearchFloat64s(h.bounds, v)
	h.counts[idx].Add(1)
	h.count.Add(1)
	addFloat(&h.sum, v)
	maxFloat(&h.max, v)
}

// HistogramSnapshot is a point-in-time copy of a histogram.
type HistogramSnapshot struct {
	Count  int64     `json:"count"`
	Sum    float64   `json:"sum"`
	Max    float64   `json:"max"`
	Bounds []float64 `json:"-"`
	Counts []int64   `json:"-"`
	P50    float64   `json:"p50"`
	P90    float64   `json:"p90"`
	P95    float64   `json:"p95"`
	P99    float64   `json:"p99"`
}

// Mean returns Sum/Count, or 0 for an empty histogram.
func (s HistogramSnapshot) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Snapshot copies the current state. Buckets are read one at a time, so a
// snapshot taken during concurrent writes may be off by in-flight records.
func (h *Histogram) Snapshot() HistogramSnapshot {
	s := HistogramSnapshot{
		Bounds: h.bounds,
		Counts: make([]int64, len(h.counts)),
		Sum:    math.Float64frombits(h.sum.Load()),
		Max:    math.Float64frombits(h.max.Load()),
	}
	for i := range h.counts {
		s.Counts[i] = h.counts[i].Load()
		s.Count += s.Counts[i]
	}
	s.P50 = s.Quantile(0.50)
	s.P90 = s.Quantile(0.90)
	s.P95 = s.Quantile(0.95)
	s.P99 = s.Quantile(0.99)
	return s
}

// Quantile estimates the q-th quantile (0 < q <= 1) by linear interpolation
// inside the bucket holding the target rank. Results are capped at Max.
func (s HistogramSnapshot) Quantile(q float64) float64 {
	if s.Count == 0 {
		return 0
	}
	q = math.Min(math.Max(q, 0), 1)
	rank := q * float64(s.Count)

	var cumulative float64
	for i, c := range s.Counts {
		if c == 0 {
			continue
		}
		next := cumulative + float64(c)
		if next >= rank {
			lower := 0.0
			if i > 0 {
				lower = s.Bounds[i-1]
			}
			upper := s.Max
			if i < len(s.Bounds) {
				upper = math.Min(s.Bounds[i], s.Max)
			}
			if upper < lower {
				upper = lower
			}
			frac := (rank - cumulative) / float64(c)
			return lower + (upper-lower)*frac
		}
		cumulative = next
	}
	return s.Max
}

func addFloat(dst *atomic.Uint64, v float64) {
	for {
		old := dst.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if dst.CompareAndSwap(old, next) {
			return
		}
	}
}

func maxFloat(dst *atomic.Uint64, v float64) {
	for {
		old := dst.Load()
		if math.Float64frombits(old) >= v {
			return
		}
		if dst.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}
