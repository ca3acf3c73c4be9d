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

package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/export"
	"github.com/tombee/auditflow/internal/tracing/storage"
	"github.com/tombee/auditflow/pkg/observability"
)

// buildSinks creates the sinks named in cfg.Sinks, in order. A name that
// appears twice, or stdout next to console, yields one sink.
func buildSinks(ctx context.Context, cfg tracing.Config, o options, logger *slog.Logger) ([]observability.Sink, error) {
	seen := make(map[string]bool)
	sinks := make([]observability.Sink, 0, len(cfg.Sinks))

	for _, name := range cfg.Sinks {
		if name == tracing.SinkStdout {
			name = tracing.SinkConsole
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case tracing.SinkConsole:
			sinks = append(sinks, export.NewConsoleSink(o.console))

		case tracing.SinkJSONFile:
			sinks = append(sinks, export.NewJSONFileSink(cfg.LogDir, export.WithClock(o.now)))

		case tracing.SinkCloudWatch:
			client := o.cwClient
			if client == nil {
				c, err := export.NewCloudWatchClient(ctx, cfg.CloudWatch.Region)
				if err != nil {
					return nil, fmt.Errorf("cloudwatch sink: %w", err)
				}
				client = c
			}
			sinks = append(sinks, export.NewCloudWatchSink(client, cfg.CloudWatch,
				export.WithCloudWatchClock(o.now),
				export.WithCloudWatchLogger(logger)))

		case tracing.SinkOTLP:
			exp := o.spanExporter
			if exp == nil {
				var err error
				if exp, err = export.NewSpanExporter(ctx, cfg.OTLP); err != nil {
					return nil, fmt.Errorf("otlp sink: %w", err)
				}
			}
			res, err := tracing.NewResource(cfg.ServiceName, cfg.ServiceVersion)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, export.NewOTLPSink(exp, res))

		case tracing.SinkSQLite:
			sinks = append(sinks, storage.NewSQLiteSink(cfg.SQLite, logger))

		case tracing.SinkPostgres:
			sinks = append(sinks, storage.NewPostgresSink(cfg.Postgres, logger))

		default:
			return nil, fmt.Errorf("unknown sink %q", name)
		}
	}
	return sinks, nil
}
