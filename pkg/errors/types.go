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

package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoActiveTrace is returned when trace state is read from a context that
// was never attached to a trace. It signals a programming error at the call
// site and should not be swallowed.
var ErrNoActiveTrace = errors.New("no active trace in context")

// ErrUnknownModel is matched by UnknownModelError via errors.Is.
var ErrUnknownModel = errors.New("unknown model")

// ErrPipelineClosed is returned by operations on a pipeline after shutdown.
var ErrPipelineClosed = errors.New("pipeline closed")

// ValidationError represents an invalid event, configuration value or flag.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing resource such as a replay source or trace.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "trace", "source", "sink")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "audit.sampling.error_rate")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "pipeline flush", "llm.invoke")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// UnknownModelError is returned by the cost calculator when a model has no
// price table entry. Callers treat it as a warning and omit the cost.
type UnknownModelError struct {
	Model string
}

// Error implements the error interface.
func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %q has no pricing entry", e.Model)
}

// Is reports a match against ErrUnknownModel.
func (e *UnknownModelError) Is(target error) bool {
	return target == ErrUnknownModel
}

// SinkError wraps a failure raised by an export sink.
type SinkError struct {
	// Sink is the configured sink name
	Sink string

	// Retryable marks transient failures (throttling, network)
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SinkError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *SinkError) ErrorType() string { return "sink" }

// IsRetryable implements ErrorClassifier.
func (e *SinkError) IsRetryable() bool { return e.Retryable }
