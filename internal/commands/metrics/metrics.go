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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/replay"
	"github.com/tombee/auditflow/pkg/llm/pricing"
)

type options struct {
	source string
	where  string
	serve  string
}

// NewCommand creates the metrics command.
func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Rebuild metrics from persisted events",
		Long: `Metrics replays persisted events into a fresh collector and prints the
snapshot. With --serve the result is exposed in Prometheus format on
ADDR/metrics until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "File, directory or glob to read (default: configured log_dir)")
	cmd.Flags().StringVar(&opts.where, "where", "", "Filter expression")
	cmd.Flags().StringVar(&opts.serve, "serve", "", "Serve /metrics on this address, e.g. :9464")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	source, err := shared.ResolveSource(opts.source)
	if err != nil {
		return err
	}
	filter, err := replay.CompileFilter(opts.where)
	if err != nil {
		return err
	}

	version, _, _ := shared.GetVersion()
	provider, err := tracing.NewMetricsProvider("auditflow", version)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := Load(ctx, provider.Collector(), replay.New(source), filter); err != nil {
		return err
	}

	if opts.serve != "" {
		return serve(ctx, cmd, opts.serve, provider.Handler())
	}

	snap := provider.Collector().Snapshot()
	if shared.GetJSON() {
		return shared.PrintJSON(cmd.OutOrStdout(), snap)
	}
	writeSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

// Load feeds every event of reader that matches filter into collector.
func Load(ctx context.Context, collector *tracing.MetricsCollector, reader *replay.Reader, filter *replay.Filter) error {
	for snap, err := range reader.Events() {
		if err != nil {
			return err
		}
		ok, err := filter.Match(snap.Event)
		if err != nil {
			return err
		}
		if ok {
			collector.Observe(ctx, snap.Event)
		}
	}
	return nil
}

func serve(ctx context.Context, cmd *cobra.Command, addr string, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if !shared.GetQuiet() {
		fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK("serving metrics on "+addr+"/metrics"))
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeSnapshot(w io.Writer, s tracing.MetricsSnapshot) {
	row := func(label string, value any) {
		fmt.Fprintf(w, "  %s %v\n", shared.RenderLabel(fmt.Sprintf("%-14s", label)), value)
	}

	fmt.Fprintln(w, shared.Header.Render("Counters"))
	row("events", s.Events)
	row("requests", s.Requests)
	row("llm calls", s.LLMCalls)
	row("tool calls", s.ToolCalls)
	row("errors", s.Errors)
	row("retries", s.Retries)
	row("cache hit rate", fmt.Sprintf("%.1f%% (%d/%d)", s.CacheHitRate()*100, s.CacheHits, s.CacheHits+s.CacheMisses))
	row("tokens", fmt.Sprintf("in=%d out=%d", s.TokensInput, s.TokensOutput))
	row("cost", pricing.FormatUSD(s.CostUSD))

	fmt.Fprintln(w, shared.Header.Render("Latency (ms)"))
	latency := func(label string, h tracing.HistogramSnapshot) {
		row(label, fmt.Sprintf("n=%d mean=%.1f p50=%.1f p95=%.1f p99=%.1f max=%.1f",
			h.Count, h.Mean(), h.P50, h.P95, h.P99, h.Max))
	}
	latency("request", s.RequestLatency)
	latency("llm", s.LLMLatency)
	latency("tool", s.ToolLatency)
}
