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

package costs

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/internal/tracing/replay"
	"github.com/tombee/auditflow/pkg/llm/pricing"
	"github.com/tombee/auditflow/pkg/observability"
)

// Grouping keys for --by.
const (
	ByModel = "model"
	ByAgent = "agent"
)

type options struct {
	source string
	by     string
	where  string
}

// NewCommand creates the costs command.
func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Report LLM token usage and cost from persisted events",
		Long: `Costs totals tokens and USD cost per model or per agent.

Events that carry cost_usd are counted as recorded. Events with token counts
but no cost are priced from the built-in table plus audit.pricing_file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "File, directory or glob to read (default: configured log_dir)")
	cmd.Flags().StringVar(&opts.by, "by", ByModel, "Group by model or agent")
	cmd.Flags().StringVar(&opts.where, "where", "", "Filter expression")
	return cmd
}

// Report is the result of a cost scan.
type Report struct {
	By       string       `json:"by"`
	Lines    []ReportLine `json:"lines"`
	Total    string       `json:"total_usd"`
	Unpriced int          `json:"unpriced"`
}

// ReportLine is one group of a Report.
type ReportLine struct {
	Key          string `json:"key"`
	Calls        int    `json:"calls"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	CostUSD      string `json:"cost_usd"`
}

func run(cmd *cobra.Command, opts options) error {
	if opts.by != ByModel && opts.by != ByAgent {
		return fmt.Errorf("--by must be %q or %q, got %q", ByModel, ByAgent, opts.by)
	}
	cfg, _, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	source := opts.source
	if source == "" {
		source = cfg.Audit.LogDir
	}
	prices := pricing.NewTable()
	if cfg.Audit.PricingFile != "" {
		if err := prices.LoadFile(cfg.Audit.PricingFile); err != nil {
			return shared.NewConfigError("failed to load pricing file", err)
		}
	}
	filter, err := replay.CompileFilter(opts.where)
	if err != nil {
		return err
	}

	report, err := Scan(replay.New(source), pricing.NewCalculator(prices), filter, opts.by)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.PrintJSON(out, report)
	}
	fmt.Fprintln(out, render(report))
	if report.Unpriced > 0 {
		fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf("%d events had tokens for a model with no price", report.Unpriced)))
	}
	return nil
}

// Scan accumulates the cost of every event in reader matching filter.
func Scan(reader *replay.Reader, calc *pricing.Calculator, filter *replay.Filter, by string) (Report, error) {
	acc := pricing.NewAccumulator()
	report := Report{By: by}

	for snap, err := range reader.Events() {
		if err != nil {
			return report, err
		}
		ok, err := filter.Match(snap.Event)
		if err != nil {
			return report, err
		}
		if !ok {
			continue
		}

		in, out := tokens(snap.Event)
		var cost decimal.Decimal
		switch {
		case snap.CostUSD != nil:
			cost = *snap.CostUSD
		case snap.TokensInput != nil || snap.TokensOutput != nil:
			c, err := calc.Cost(snap.Model(), in, out)
			if err != nil {
				report.Unpriced++
			}
			cost = c
		default:
			continue
		}
		acc.Add(groupKey(snap.Event, by), in, out, cost)
	}

	for _, l := range acc.Breakdown() {
		report.Lines = append(report.Lines, ReportLine{
			Key:          l.Key,
			Calls:        l.Calls,
			TokensInput:  l.InputTokens,
			TokensOutput: l.OutputTokens,
			CostUSD:      l.Cost.StringFixed(6),
		})
	}
	report.Total = acc.Total().StringFixed(6)
	return report, nil
}

func tokens(e observability.Event) (in, out int) {
	if e.TokensInput != nil {
		in = *e.TokensInput
	}
	if e.TokensOutput != nil {
		out = *e.TokensOutput
	}
	return in, out
}

func groupKey(e observability.Event, by string) string {
	key := e.Agent
	if by == ByModel {
		key = e.Model()
	}
	if key == "" {
		return "(unknown)"
	}
	return key
}

func render(r Report) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(r.By, "calls", "tokens in", "tokens out", "cost usd")
	for _, l := range r.Lines {
		t.Row(l.Key, strconv.Itoa(l.Calls),
			strconv.FormatInt(l.TokensInput, 10),
			strconv.FormatInt(l.TokensOutput, 10),
			"$"+l.CostUSD)
	}
	t.Row("total", "", "", "", "$"+r.Total)
	return t.String()
}
