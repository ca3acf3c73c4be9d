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

// Package observability provides the audit event model and the sink contract.
// This package is designed to be embeddable in other Go applications that
// want to implement their own export sinks.
package observability

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventVersion is the schema version written to every persisted event.
const EventVersion = "3.0"

// DataKeyModel is the data key holding the model identifier of an llm.invoke
// event. The facade uses it to compute cost when the caller did not.
const DataKeyModel = "model"

// Prompt keys on llm.invoke events. When a prompt registry is configured the
// facade fills the version and hash for the named prompt.
const (
	DataKeyPromptName    = "prompt_name"
	DataKeyPromptVersion = "prompt_version"
	DataKeyPromptHash    = "prompt_hash"
)

// Event is one audit record. It is a value type: the facade builds a sealed
// copy with freshly sanitized maps before the event enters the pipeline, and
// nothing outside the pipeline holds a reference to those maps afterwards.
type Event struct {
	// Version is the schema version tag.
	Version string `json:"event_version"`

	// EventID uniquely identifies this event.
	EventID string `json:"event_id"`

	// TraceID correlates every event of one end-to-end request.
	TraceID string `json:"trace_id"`

	// SpanID identifies the unit of work that produced the event.
	SpanID string `json:"span_id"`

	// ParentSpanID links the span to its creator. Empty for the root span.
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// SpanSeq is the creation index of SpanID within its trace.
	SpanSeq int64 `json:"span_seq"`

	// Timestamp is when the event occurred, in UTC.
	Timestamp time.Time `json:"timestamp"`

	Type   EventType `json:"event_type"`
	Agent  string    `json:"agent"`
	Action string    `json:"action"`
	Status Status    `json:"status"`

	LatencyMS    *float64         `json:"latency_ms,omitempty"`
	TokensInput  *int             `json:"tokens_input,omitempty"`
	TokensOutput *int             `json:"tokens_output,omitempty"`
	CostUSD      *decimal.Decimal `json:"cost_usd,omitempty"`

	// Data is an arbitrary sanitized payload.
	Data map[string]any `json:"data"`

	// Error is present only when Status is not ok.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail describes a failure observed by an instrumented span.
type ErrorDetail struct {
	// Kind is the error category or Go type name.
	Kind string `json:"kind"`

	// Message is the error text.
	Message string `json:"message"`

	// Stack is an optional goroutine stack captured at the failure.
	Stack string `json:"stack,omitempty"`

	// Recoverable reports whether retrying the operation may succeed.
	Recoverable bool `json:"recoverable"`

	// InputSnapshot holds the sanitized arguments that triggered the failure.
	InputSnapshot map[string]any `json:"input_snapshot,omitempty"`

	// Environment fingerprints the model, tool and runtime versions.
	Environment map[string]string `json:"environment,omitempty"`
}

// IsFailure reports whether the event carries an error or timeout status.
func (e *Event) IsFailure() bool {
	return e.Status == StatusError || e.Status == StatusTimeout
}

// Latency returns the latency in milliseconds and whether it was set.
func (e *Event) Latency() (float64, bool) {
	if e.LatencyMS == nil {
		return 0, false
	}
	return *e.LatencyMS, true
}

// Model returns the model identifier from Data, if any.
func (e *Event) Model() string {
	if e.Data == nil {
		return ""
	}
	if m, ok := e.Data[DataKeyModel].(string); ok {
		return m
	}
	return ""
}

// Duration converts LatencyMS to a time.Duration.
func (e *Event) Duration() time.Duration {
	ms, ok := e.Latency()
	if !ok {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Validate checks the closed enumerations of an event.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event_type %q", e.Type)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.Status == StatusOK && e.Error != nil {
		return fmt.Errorf("error detail present on ok event")
	}
	return nil
}

// Float64 returns a pointer to v, for optional event fields.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional event fields.
func Int(v int) *int { return &v }
