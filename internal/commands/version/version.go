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

package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/pkg/observability"
	"github.com/tombee/auditflow/schemas"
)

// Info contains version metadata.
type Info struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildDate   string `json:"build_date"`
	EventSchema string `json:"event_schema"`
	GoVersion   string `json:"go_version"`
	OSArch      string `json:"os_arch"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var schema bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the auditflow version, build details and the audit event schema version it writes.

With --schema the JSON Schema of the event lines is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema {
				_, err := cmd.OutOrStdout().Write(schemas.GetEventSchema())
				return err
			}
			return runVersion(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "Print the audit event JSON Schema")
	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	v, c, b := shared.GetVersion()
	info := Info{
		Version:     v,
		Commit:      c,
		BuildDate:   b,
		EventSchema: observability.EventVersion,
		GoVersion:   runtime.Version(),
		OSArch:      runtime.GOOS + "/" + runtime.GOARCH,
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.PrintJSON(out, info)
	}

	fmt.Fprintf(out, "auditflow version %s\n", info.Version)
	fmt.Fprintf(out, "  commit:       %s\n", info.Commit)
	fmt.Fprintf(out, "  build date:   %s\n", info.BuildDate)
	fmt.Fprintf(out, "  event schema: %s\n", info.EventSchema)
	fmt.Fprintf(out, "  go:           %s %s\n", info.GoVersion, info.OSArch)
	return nil
}
