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

// Package jq projects audit records with jq expressions.
package jq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds one evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the largest input accepted, in encoded bytes (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Query is a compiled jq program. It is safe for concurrent use.
type Query struct {
	expression   string
	code         *gojq.Code
	timeout      time.Duration
	maxInputSize int
}

// Compile parses and compiles expression. An empty expression is the
// identity query.
func Compile(expression string) (*Query, error) {
	if expression == "" {
		expression = "."
	}
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return &Query{
		expression:   expression,
		code:         code,
		timeout:      DefaultTimeout,
		maxInputSize: DefaultMaxInputSize,
	}, nil
}

// String returns the source expression.
func (q *Query) String() string { return q.expression }

// Run evaluates the query against v. Structs are normalized through JSON
// first so field names follow their json tags. Every output value is
// returned; a query that yields nothing returns an empty slice.
func (q *Query) Run(ctx context.Context, v any) ([]any, error) {
	input, err := q.normalize(v)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	var out []any
	iter := q.code.RunWithContext(ctx, input)
	for {
		res, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := res.(error); isErr {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("jq execution timeout after %v", q.timeout)
			}
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (q *Query) normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jq input: %w", err)
	}
	if len(data) > q.maxInputSize {
		return nil, fmt.Errorf("jq input size (%d bytes) exceeds maximum (%d bytes)", len(data), q.maxInputSize)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode jq input: %w", err)
	}
	return out, nil
}
