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

/*
Package cli provides the root command for the auditflow CLI.

It owns the persistent flags, version information and exit handling.
Individual commands live in the internal/commands subpackages.

# Command Tree

	auditflow
	├── replay
	│   ├── errors    Failure snapshots, filtered with --where / --jq
	│   └── trace     Every event of one trace plus a summary
	├── costs         Token and cost report by model or agent
	├── metrics       Rebuild metrics from events, optionally serve /metrics
	├── emit          Send JSON events through the audit pipeline
	├── doctor        Check config, sink destinations and credentials
	└── version       Show version, or the event JSON Schema with --schema

# Exit Codes

	0  success
	1  command failed
	2  invalid configuration
	3  source, trace or file not found
	4  doctor checks failed
*/
package cli
