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

package emit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/audit"
	"github.com/tombee/auditflow/internal/tracing/pipeline"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

type options struct {
	file  string
	sinks []string
	trace bool
}

// NewCommand creates the emit command.
func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send JSON events through the audit pipeline",
		Long: `Emit reads JSON events from stdin (or --file) and records each one through
the audit facade, so they are enriched, sanitized, sampled and delivered to
the configured sinks exactly as events from an instrumented service.
While the input stays open, sampling edits to the config file apply live.

  echo '{"event_type":"tool.call","agent":"cli","action":"ping"}' | auditflow emit --sink console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Read events from this file instead of stdin")
	cmd.Flags().StringSliceVar(&opts.sinks, "sink", nil, "Override the configured sinks (repeatable)")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Record all events under one new trace")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	cfg, path, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if len(opts.sinks) > 0 {
		cfg.Audit.Sinks = opts.sinks
		if err := cfg.Audit.Validate(); err != nil {
			return shared.NewConfigError("invalid --sink", err)
		}
	}
	if !cfg.Audit.Enabled {
		return shared.NewConfigError("audit is disabled", errors.New("set audit.enabled or AUDIT_ENABLED=true"))
	}

	in := cmd.InOrStdin()
	if opts.file != "" {
		f, err := os.Open(opts.file)
		if err != nil {
			return shared.NewNotFoundError("failed to open event file", err)
		}
		defer f.Close()
		in = f
	}

	logger := shared.NewLogger(cfg, cmd.ErrOrStderr())
	auditOpts := []audit.Option{audit.WithLogger(logger), audit.WithConsoleWriter(cmd.OutOrStdout())}
	if path != "" {
		auditOpts = append(auditOpts, audit.WithConfigFile(path))
	}
	a, err := audit.New(cfg.Audit, auditOpts...)
	if err != nil {
		return shared.NewConfigError("failed to create auditor", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Start(ctx); err != nil {
		logger.Warn("some sinks failed to start", "error", err)
	}

	emitted, readErr := Emit(ctx, a, in, opts.trace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Audit.ShutdownTimeout+time.Second)
	defer cancel()
	shutdownErr := a.Shutdown(shutdownCtx)

	report(cmd, emitted, a.Stats())
	return errors.Join(readErr, shutdownErr)
}

// Emit decodes a stream of JSON events from r and records each through a.
// It returns the number of events emitted before the first decode or
// validation error.
func Emit(ctx context.Context, a *audit.Auditor, r io.Reader, oneTrace bool) (int, error) {
	if oneTrace {
		ctx, _ = tracing.NewTrace(ctx)
	}

	dec := json.NewDecoder(r)
	n := 0
	for {
		var e observability.Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, &auditerrors.ValidationError{Field: fmt.Sprintf("event %d", n+1), Message: err.Error()}
		}
		if e.Status == "" {
			e.Status = observability.StatusOK
		}
		if err := e.Validate(); err != nil {
			return n, &auditerrors.ValidationError{Field: fmt.Sprintf("event %d", n+1), Message: err.Error()}
		}

		eventCtx := ctx
		if oneTrace {
			eventCtx, _, _ = tracing.NewSpan(ctx)
		}
		a.Emit(eventCtx, e)
		n++
	}
}

// summary is the --json output of emit.
type summary struct {
	Emitted int            `json:"emitted"`
	Stats   pipeline.Stats `json:"pipeline"`
}

func report(cmd *cobra.Command, emitted int, stats pipeline.Stats) {
	if shared.GetJSON() {
		_ = shared.PrintJSON(cmd.OutOrStdout(), summary{Emitted: emitted, Stats: stats})
		return
	}
	if shared.GetQuiet() {
		return
	}
	msg := fmt.Sprintf("emitted %d events (delivered %d, sampled out %d, dropped %d)",
		emitted, stats.Delivered, uint64(emitted)-min(stats.Enqueued, uint64(emitted)), stats.Dropped)
	fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK(msg))
}
