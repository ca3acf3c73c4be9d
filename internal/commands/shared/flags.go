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

package shared

// globals holds the persistent flags bound by the root command.
type globals struct {
	verbose bool
	quiet   bool
	json    bool
	config  string
}

// buildInfo is injected by main via SetVersion.
type buildInfo struct {
	version, commit, date string
}

var (
	flags globals
	build = buildInfo{version: "dev", commit: "unknown", date: "unknown"}
)

// RegisterFlagPointers returns the verbose, quiet, json and config flag
// targets for binding on the root command.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &flags.verbose, &flags.quiet, &flags.json, &flags.config
}

// SetVersion records build metadata.
func SetVersion(version, commit, date string) {
	build = buildInfo{version: version, commit: commit, date: date}
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return build.version, build.commit, build.date
}

// GetVerbose reports --verbose.
func GetVerbose() bool { return flags.verbose }

// GetQuiet reports --quiet.
func GetQuiet() bool { return flags.quiet }

// GetJSON reports --json.
func GetJSON() bool { return flags.json }

// GetConfigPath returns the --config value.
func GetConfigPath() string { return flags.config }

// ResetFlagsForTest clears global flags between command tests.
func ResetFlagsForTest() {
	flags = globals{}
}
