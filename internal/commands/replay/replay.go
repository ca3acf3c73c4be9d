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
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/internal/jq"
	"github.com/tombee/auditflow/internal/tracing/export"
	"github.com/tombee/auditflow/internal/tracing/replay"
	"github.com/tombee/auditflow/pkg/llm/pricing"
	"github.com/tombee/auditflow/pkg/observability"
)

// NewCommand creates the replay command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Read persisted audit events back",
		Long: `Replay reads the JSON-lines files written by the jsonfile sink.

Sources are a file, a directory of *.jsonl files, or a glob such as
"logs/audit-2025-03-*.jsonl". Malformed lines are skipped and counted.`,
	}
	cmd.AddCommand(newErrorsCommand())
	cmd.AddCommand(newTraceCommand())
	return cmd
}

type errorsOptions struct {
	source string
	action string
	where  string
	query  string
	limit  int
}

func newErrorsCommand() *cobra.Command {
	var opts errorsOptions
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List failure snapshots",
		Long: `List error and timeout events with their sanitized input snapshots.

--where filters with an expression over the JSON event keys:

  auditflow replay errors --where 'error?.kind == "timeout" && agent == "router"'

--jq projects each match:

  auditflow replay errors --jq '{action, input: .error.input_snapshot}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErrors(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "File, directory or glob to read (default: configured log_dir)")
	cmd.Flags().StringVar(&opts.action, "action", "", "Only failures of this action")
	cmd.Flags().StringVar(&opts.where, "where", "", "Filter expression")
	cmd.Flags().StringVar(&opts.query, "jq", "", "jq expression applied to each match")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Stop after this many matches (0 = no limit)")
	return cmd
}

func runErrors(cmd *cobra.Command, opts errorsOptions) error {
	source, err := shared.ResolveSource(opts.source)
	if err != nil {
		return err
	}
	filter, err := replay.CompileFilter(opts.where)
	if err != nil {
		return err
	}
	var query *jq.Query
	if opts.query != "" {
		if query, err = jq.Compile(opts.query); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	console := export.NewConsoleSink(out)
	reader := replay.New(source)
	matched := 0

	for snap, err := range reader.Errors(opts.action) {
		if err != nil {
			return err
		}
		ok, err := filter.Match(snap.Event)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		matched++

		switch {
		case query != nil:
			results, err := query.Run(cmd.Context(), snap)
			if err != nil {
				return fmt.Errorf("jq failed on %s:%d: %w", snap.File, snap.Line, err)
			}
			for _, r := range results {
				if err := writeCompact(out, r); err != nil {
					return err
				}
			}
		case shared.GetJSON():
			if err := writeCompact(out, snap); err != nil {
				return err
			}
		default:
			writeSnapshot(out, console, snap)
		}

		if opts.limit > 0 && matched >= opts.limit {
			break
		}
	}

	reportStats(cmd, reader.Stats(), matched)
	return nil
}

func writeSnapshot(w io.Writer, console *export.ConsoleSink, snap replay.Snapshot) {
	fmt.Fprintln(w, console.Format(snap.Event))
	fmt.Fprintf(w, "  %s %s:%d\n", shared.RenderLabel("source:"), snap.File, snap.Line)
	if snap.Error == nil {
		return
	}
	if len(snap.Error.InputSnapshot) > 0 {
		data, _ := json.Marshal(snap.Error.InputSnapshot)
		fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("input:"), data)
	}
	if len(snap.Error.Environment) > 0 {
		data, _ := json.Marshal(snap.Error.Environment)
		fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("env:"), data)
	}
}

type traceOptions struct {
	source string
}

func newTraceCommand() *cobra.Command {
	var opts traceOptions
	cmd := &cobra.Command{
		Use:   "trace TRACE_ID",
		Short: "Show every event of one trace in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "File, directory or glob to read (default: configured log_dir)")
	return cmd
}

// traceReport is the --json output of replay trace.
type traceReport struct {
	Summary replay.Summary        `json:"summary"`
	Events  []observability.Event `json:"events"`
}

func runTrace(cmd *cobra.Command, opts traceOptions, traceID string) error {
	source, err := shared.ResolveSource(opts.source)
	if err != nil {
		return err
	}
	reader := replay.New(source)
	events, err := reader.Trace(traceID)
	if err != nil {
		return err
	}
	summary := replay.Summarize(events)

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.PrintJSON(out, traceReport{Summary: summary, Events: events})
	}

	console := export.NewConsoleSink(out)
	depth := spanDepths(events)
	for _, e := range events {
		fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", depth[e.SpanID]), console.Format(e))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, shared.Header.Render("Trace "+summary.TraceID))
	fmt.Fprintf(out, "  %s %d (%d failed)\n", shared.RenderLabel("events:  "), summary.Events, summary.Failures)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("duration:"), summary.Duration())
	fmt.Fprintf(out, "  %s in=%d out=%d\n", shared.RenderLabel("tokens:  "), summary.TokensInput, summary.TokensOutput)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("cost:    "), pricing.FormatUSD(summary.CostUSD))
	if len(summary.Agents) > 0 {
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("agents:  "), strings.Join(summary.Agents, ", "))
	}
	return nil
}

// spanDepths returns the nesting depth of each span. Spans whose parent
// is not in the trace (the root, or an adopted remote parent) are depth 0.
func spanDepths(events []observability.Event) map[string]int {
	parent := make(map[string]string, len(events))
	for _, e := range events {
		if _, seen := parent[e.SpanID]; !seen {
			parent[e.SpanID] = e.ParentSpanID
		}
	}

	depth := make(map[string]int, len(parent))
	var walk func(id string, hops int) int
	walk = func(id string, hops int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		p := parent[id]
		if _, inTrace := parent[p]; p == "" || !inTrace || hops > len(parent) {
			depth[id] = 0
			return 0
		}
		d := walk(p, hops+1) + 1
		depth[id] = d
		return d
	}
	for id := range parent {
		walk(id, 0)
	}
	return depth
}

func writeCompact(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func reportStats(cmd *cobra.Command, stats replay.Stats, matched int) {
	if shared.GetQuiet() || shared.GetJSON() {
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderLabel(fmt.Sprintf(
		"%d matches from %d files, %d lines (%d malformed)",
		matched, stats.Files, stats.Lines, stats.Malformed)))
}
