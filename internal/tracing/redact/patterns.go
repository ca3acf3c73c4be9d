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

package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces the whole value of a sensitive key.
const Marker = "[REDACTED]"

// TruncatedMarker replaces containers nested deeper than the traversal bound.
const TruncatedMarker = "[TRUNCATED]"

// Pattern defines a redaction pattern with a name and regular expression.
// Matches are replaced by Replacement.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// NewPattern compiles expr and derives the replacement marker from name,
// e.g. "ssn" becomes "[REDACTED_SSN]". Expressions that match the empty
// string or their own marker are rejected.
func NewPattern(name, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %s: %w", name, err)
	}
	marker := markerFor(name)
	if re.MatchString("") {
		return Pattern{}, fmt.Errorf("pattern %s: matches the empty string", name)
	}
	if re.MatchString(marker) {
		return Pattern{}, fmt.Errorf("pattern %s: matches its own marker %s", name, marker)
	}
	return Pattern{Name: name, Regex: re, Replacement: marker}, nil
}

func markerFor(name string) string {
	return "[REDACTED_" + strings.ToUpper(name) + "]"
}

// StandardPatterns returns the built-in string patterns, in the order they
// are applied.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: markerFor("email"),
		},
		{
			Name:        "card",
			Regex:       regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			Replacement: markerFor("card"),
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
			Replacement: markerFor("jwt"),
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Replacement: markerFor("aws_key"),
		},
	}
}

// SensitiveKeys returns the built-in set of keys whose values are always
// replaced by Marker. Keys are compared after case folding, with hyphens
// treated as underscores.
func SensitiveKeys() []string {
	return []string{
		"password", "passwd",
		"secret", "client_secret",
		"token", "access_token", "refresh_token", "session_token", "id_token",
		"api_key", "apikey",
		"authorization", "proxy_authorization",
		"cookie", "set_cookie",
		"credentials",
		"private_key",
	}
}
