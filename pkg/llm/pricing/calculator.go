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

package pricing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

var thousand = decimal.NewFromInt(1000)

// Calculator computes event cost from a price table.
type Calculator struct {
	table *Table
}

// NewCalculator creates a calculator over table. A nil table uses built-ins.
func NewCalculator(table *Table) *Calculator {
	if table == nil {
		table = NewTable()
	}
	return &Calculator{table: table}
}

// Table returns the underlying price table.
func (c *Calculator) Table() *Table {
	return c.table
}

// Cost returns (input/1000)*InputPer1K + (output/1000)*OutputPer1K.
// It fails with *errors.UnknownModelError when model has no entry.
func (c *Calculator) Cost(model string, inputTokens, outputTokens int) (decimal.Decimal, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return decimal.Zero, &auditerrors.ValidationError{
			Field:   "tokens",
			Message: fmt.Sprintf("token counts must be non-negative, got %d/%d", inputTokens, outputTokens),
		}
	}

	mp, ok := c.table.Lookup(model)
	if !ok {
		return decimal.Zero, &auditerrors.UnknownModelError{Model: model}
	}

	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(mp.InputPer1K)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(mp.OutputPer1K)
	return in.Add(out), nil
}

// FormatUSD renders amount with six decimal places and a dollar sign.
func FormatUSD(amount decimal.Decimal) string {
	return "$" + amount.StringFixed(6)
}

// Line is one row of an Accumulator breakdown.
type Line struct {
	Key          string
	Calls        int
	InputTokens  int64
	OutputTokens int64
	Cost         decimal.Decimal
}

// Accumulator sums costs per key. It is safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	lines map[string]*Line
	total decimal.Decimal
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{lines: make(map[string]*Line)}
}

// Add records one call against key.
func (a *Accumulator) Add(key string, inputTokens, outputTokens int, cost decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.lines[key]
	if !ok {
		l = &Line{Key: key}
		a.lines[key] = l
	}
	l.Calls++
	l.InputTokens += int64(inputTokens)
	l.OutputTokens += int64(outputTokens)
	l.Cost = l.Cost.Add(cost)
	a.total = a.total.Add(cost)
}

// Total returns the sum over all keys.
func (a *Accumulator) Total() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Breakdown returns lines ordered by descending cost, then key.
func (a *Accumulator) Breakdown() []Line {
	a.mu.Lock()
	out := make([]Line, 0, len(a.lines))
	for _, l := range a.lines {
		out = append(out, *l)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Cost.Cmp(out[j].Cost); c != 0 {
			return c > 0
		}
		return out[i].Key < out[j].Key
	})
	return out
}
