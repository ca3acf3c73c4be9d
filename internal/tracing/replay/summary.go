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

package replay

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tombee/auditflow/pkg/observability"
)

// Summary totals one reconstructed trace.
type Summary struct {
	TraceID      string          `json:"trace_id"`
	Events       int             `json:"events"`
	Failures     int             `json:"failures"`
	TokensInput  int             `json:"tokens_input"`
	TokensOutput int             `json:"tokens_output"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	Agents       []string        `json:"agents"`
}

// Duration is the wall time between the first and last event.
func (s Summary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Summarize totals events, which are expected in execution order.
func Summarize(events []observability.Event) Summary {
	var s Summary
	if len(events) == 0 {
		return s
	}
	s.TraceID = events[0].TraceID
	s.Start = events[0].Timestamp
	s.End = events[len(events)-1].Timestamp

	for _, e := range events {
		s.Events++
		if e.IsFailure() {
			s.Failures++
		}
		if e.TokensInput != nil {
			s.TokensInput += *e.TokensInput
		}
		if e.TokensOutput != nil {
			s.TokensOutput += *e.TokensOutput
		}
		if e.CostUSD != nil {
			s.CostUSD = s.CostUSD.Add(*e.CostUSD)
		}
		if e.Agent != "" && !slices.Contains(s.Agents, e.Agent) {
			s.Agents = append(s.Agents, e.Agent)
		}
		if e.Timestamp.After(s.End) {
			s.End = e.Timestamp
		}
	}
	return s
}
