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

// Package redact removes sensitive content from audit payloads.
//
// Sanitize returns a deep copy of its input in which:
//   - values under sensitive keys (password, token, cookie, ...) become "[REDACTED]"
//   - substrings matching a known pattern (email, card number, JWT, AWS access
//     key) become a pattern-specific marker such as "[REDACTED_EMAIL]"
//   - every other scalar is returned unchanged
//
// The input is never mutated. Maps and slices of the common JSON shapes are
// copied recursively; other types pass through opaquely.
package redact

import (
	"strings"

	"golang.org/x/text/cases"
)

// MaxDepth bounds recursion. Containers nested deeper are replaced by
// TruncatedMarker.
const MaxDepth = 64

// Sanitizer applies key and pattern redaction. It is immutable after
// construction and safe for concurrent use.
type Sanitizer struct {
	keys     map[string]struct{}
	patterns []Pattern
}

var defaultSanitizer = New()

// Sanitize redacts v with the built-in keys and patterns.
func Sanitize(v any) any {
	return defaultSanitizer.Sanitize(v)
}

// SanitizeMap is Sanitize for the common map payload. A nil map stays nil.
func SanitizeMap(m map[string]any) map[string]any {
	return defaultSanitizer.SanitizeMap(m)
}

// New creates a sanitizer with the built-in keys and patterns plus any extra
// patterns, which are applied after the built-ins.
func New(extra ...Pattern) *Sanitizer {
	s := &Sanitizer{
		keys:     make(map[string]struct{}),
		patterns: append(StandardPatterns(), extra...),
	}
	for _, k := range SensitiveKeys() {
		s.keys[foldKey(k)] = struct{}{}
	}
	return s
}

// IsSensitiveKey reports whether values under key are always redacted.
func (s *Sanitizer) IsSensitiveKey(key string) bool {
	_, ok := s.keys[foldKey(key)]
	return ok
}

// Sanitize returns a redacted deep copy of v.
func (s *Sanitizer) Sanitize(v any) any {
	return s.walk(v, 0)
}

// SanitizeMap returns a redacted deep copy of m.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return s.walkMap(m, 0)
}

// RedactString applies each pattern once, in order.
func (s *Sanitizer) RedactString(str string) string {
	for _, p := range s.patterns {
		str = p.Regex.ReplaceAllLiteralString(str, p.Replacement)
	}
	return str
}

func (s *Sanitizer) walk(v any, depth int) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return s.RedactString(val)
	case map[string]any:
		if depth >= MaxDepth {
			return TruncatedMarker
		}
		return s.walkMap(val, depth)
	case []any:
		if depth >= MaxDepth {
			return TruncatedMarker
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.walk(item, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			if s.IsSensitiveKey(k) {
				out[k] = Marker
				continue
			}
			out[k] = s.RedactString(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = s.RedactString(item)
		}
		return out
	case []map[string]any:
		if depth >= MaxDepth {
			return TruncatedMarker
		}
		out := make([]map[string]any, len(val))
		for i, item := range val {
			if item != nil {
				out[i] = s.walkMap(item, depth+1)
			}
		}
		return out
	default:
		return v
	}
}

func (s *Sanitizer) walkMap(m map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for k, item := range m {
		if s.IsSensitiveKey(k) {
			out[k] = Marker
			continue
		}
		out[k] = s.walk(item, depth+1)
	}
	return out
}

func foldKey(key string) string {
	// cases.Caser is stateful, so a fresh one is used per call.
	return strings.ReplaceAll(cases.Fold().String(key), "-", "_")
}
