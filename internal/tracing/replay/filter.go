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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

// Filter is a compiled boolean expression over events. Field names are the
// JSON keys of the event, for example:
//
//	event_type == "llm.invoke" && (latency_ms ?? 0) > 1000
//	error?.kind == "timeout" || hasPrefix(agent, "router")
//
// Optional keys such as latency_ms and error are absent on some events, so
// use ?. and ?? when touching them. A nil Filter matches everything.
type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter compiles expression. An empty expression yields a nil
// Filter.
func CompileFilter(expression string) (*Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	program, err := expr.Compile(expression,
		expr.Env(filterFuncs(nil)),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &auditerrors.ValidationError{
			Field:   "where",
			Message: fmt.Sprintf("failed to compile filter: %s", err),
		}
	}
	return &Filter{source: expression, program: program}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match evaluates the filter against e.
func (f *Filter) Match(e observability.Event) (bool, error) {
	if f == nil {
		return true, nil
	}
	env, err := eventEnv(e)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(f.program, filterFuncs(env))
	if err != nil {
		return false, &auditerrors.ValidationError{
			Field:   "where",
			Message: fmt.Sprintf("filter evaluation failed: %s", err),
		}
	}
	match, _ := out.(bool)
	return match, nil
}

// eventEnv exposes e by its JSON keys.
func eventEnv(e observability.Event) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event for filter: %w", err)
	}
	env := map[string]any{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event for filter: %w", err)
	}
	return env, nil
}

// filterFuncs adds helper functions to env. "contains" is reserved by expr,
// so the membership helper is "has".
func filterFuncs(env map[string]any) map[string]any {
	if env == nil {
		env = map[string]any{}
	}
	env["has"] = has
	env["hasPrefix"] = strings.HasPrefix
	env["lower"] = strings.ToLower
	return env
}

// has reports whether collection contains item. Strings are searched as
// substrings, maps by key, slices by element.
func has(collection, item any) bool {
	switch c := collection.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false
		}
		_, found := c[key]
		return found
	case []any:
		for _, v := range c {
			if v == item {
				return true
			}
		}
	}
	return false
}
