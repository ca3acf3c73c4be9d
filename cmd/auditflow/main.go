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

package main

import (
	"github.com/tombee/auditflow/internal/cli"
	"github.com/tombee/auditflow/internal/commands/costs"
	"github.com/tombee/auditflow/internal/commands/doctor"
	"github.com/tombee/auditflow/internal/commands/emit"
	"github.com/tombee/auditflow/internal/commands/metrics"
	"github.com/tombee/auditflow/internal/commands/replay"
	versioncmd "github.com/tombee/auditflow/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Reading the audit trail
	rootCmd.AddCommand(replay.NewCommand())
	rootCmd.AddCommand(costs.NewCommand())
	rootCmd.AddCommand(metrics.NewCommand())

	// Writing and checking
	rootCmd.AddCommand(emit.NewCommand())
	rootCmd.AddCommand(doctor.NewCommand())

	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
