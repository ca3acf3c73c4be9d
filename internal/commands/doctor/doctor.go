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

package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/internal/config"
	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/internal/tracing/export"
	"github.com/tombee/auditflow/internal/tracing/storage"
	"github.com/tombee/auditflow/pkg/llm/pricing"
	"github.com/tombee/auditflow/pkg/llm/prompts"
)

// Check outcomes.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Check is the result of one diagnostic.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// IdentityAPI is the subset of the STS client used to verify credentials.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// IdentityFactory builds an IdentityAPI for region.
type IdentityFactory func(ctx context.Context, region string) (IdentityAPI, error)

// DefaultIdentity uses the default AWS credential chain.
func DefaultIdentity(ctx context.Context, region string) (IdentityAPI, error) {
	awsCfg, err := export.LoadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(awsCfg), nil
}

// NewCommand creates the doctor command.
func NewCommand() *cobra.Command {
	return newCommand(DefaultIdentity)
}

func newCommand(identity IdentityFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, sink destinations and credentials",
		Long: `Doctor loads the configuration the way a service would and checks that
every configured sink can work: log directories are writable, the SQLite
key is present when encryption is on, the OTLP TLS settings load, and AWS
credentials resolve to an identity for CloudWatch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			checks := Run(ctx, cfg, path, identity)
			return report(cmd, checks)
		},
	}
}

// Run executes every diagnostic for cfg.
func Run(ctx context.Context, cfg *config.Config, path string, identity IdentityFactory) []Check {
	checks := []Check{configCheck(cfg, path), samplingCheck(cfg.Audit)}

	seen := map[string]bool{}
	for _, name := range cfg.Audit.Sinks {
		if name == tracing.SinkStdout {
			name = tracing.SinkConsole
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case tracing.SinkConsole:
			checks = append(checks, Check{Name: "sink console", Status: StatusOK, Detail: "writes to stdout"})
		case tracing.SinkJSONFile:
			checks = append(checks, dirCheck("sink jsonfile", cfg.Audit.LogDir))
		case tracing.SinkSQLite:
			checks = append(checks, sqliteChecks(cfg.Audit.SQLite)...)
		case tracing.SinkOTLP:
			checks = append(checks, otlpCheck(cfg.Audit.OTLP))
		case tracing.SinkCloudWatch:
			checks = append(checks, cloudWatchCheck(ctx, cfg.Audit.CloudWatch, identity))
		case tracing.SinkPostgres:
			checks = append(checks, postgresCheck(ctx, cfg.Audit.Postgres))
		}
	}

	checks = append(checks, pricingCheck(cfg.Audit.PricingFile))
	if cfg.Audit.PromptsFile != "" {
		checks = append(checks, promptsCheck(cfg.Audit.PromptsFile))
	}
	return checks
}

func configCheck(cfg *config.Config, path string) Check {
	c := Check{Name: "config", Status: StatusOK, Detail: "defaults and environment"}
	if path != "" {
		c.Detail = "loaded " + path
	}
	if !cfg.Audit.Enabled {
		c.Status = StatusWarn
		c.Detail += "; audit is disabled"
	}
	return c
}

func samplingCheck(cfg tracing.Config) Check {
	s := cfg.Sampling
	c := Check{
		Name:   "sampling",
		Status: StatusOK,
		Detail: fmt.Sprintf("trace=%.2f success=%.2f error=%.2f slow>%.0fms", s.TraceRate, s.SuccessRate, s.ErrorRate, s.SlowThresholdMS),
	}
	if cfg.Debug {
		c.Status = StatusWarn
		c.Detail = "debug mode records every event"
	}
	return c
}

// dirCheck verifies that dir exists or can be created, and is writable.
func dirCheck(name, dir string) Check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Status: StatusFail, Detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".auditflow-doctor-*")
	if err != nil {
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return Check{Name: name, Status: StatusOK, Detail: dir + " is writable"}
}

func sqliteChecks(cfg tracing.StorageConfig) []Check {
	checks := []Check{dirCheck("sink sqlite", filepath.Dir(cfg.Path))}
	if !cfg.Encrypt {
		return checks
	}
	sealer, err := storage.SealerFromEnv()
	switch {
	case err != nil:
		checks = append(checks, Check{Name: "sqlite encryption", Status: StatusFail, Detail: err.Error()})
	case sealer == nil:
		checks = append(checks, Check{Name: "sqlite encryption", Status: StatusFail, Detail: storage.KeyEnv + " is not set"})
	default:
		checks = append(checks, Check{Name: "sqlite encryption", Status: StatusOK, Detail: "key loaded from " + storage.KeyEnv})
	}
	return checks
}

func otlpCheck(cfg tracing.ExporterConfig) Check {
	if cfg.Endpoint == "" {
		return Check{Name: "sink otlp", Status: StatusFail, Detail: "no endpoint configured"}
	}
	if _, err := export.ClientTLS(cfg.TLS); err != nil {
		return Check{Name: "sink otlp", Status: StatusFail, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%s via %s", cfg.Endpoint, cfg.Type)
	if cfg.TLS.Enabled {
		detail += " (tls)"
	}
	return Check{Name: "sink otlp", Status: StatusOK, Detail: detail}
}

func cloudWatchCheck(ctx context.Context, cfg tracing.CloudWatchConfig, identity IdentityFactory) Check {
	name := "sink cloudwatch"
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := identity(ctx, cfg.Region)
	if err != nil {
		return Check{Name: name, Status: StatusFail, Detail: err.Error()}
	}
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("AWS credentials did not resolve: %v", err)}
	}
	return Check{
		Name:   name,
		Status: StatusOK,
		Detail: fmt.Sprintf("log group %s as %s (account %s)", cfg.LogGroup, aws.ToString(out.Arn), aws.ToString(out.Account)),
	}
}

func postgresCheck(ctx context.Context, cfg tracing.PostgresConfig) Check {
	name := "sink postgres"
	if cfg.DSN == "" {
		return Check{Name: name, Status: StatusFail, Detail: "no dsn configured"}
	}
	connector, err := pq.NewConnector(cfg.DSN)
	if err != nil {
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("invalid dsn: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db := sql.OpenDB(connector)
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("database unreachable: %v", err)}
	}
	return Check{Name: name, Status: StatusOK, Detail: "connected"}
}

func promptsCheck(path string) Check {
	registry := prompts.NewRegistry()
	if err := registry.LoadFile(path); err != nil {
		return Check{Name: "prompts", Status: StatusFail, Detail: err.Error()}
	}
	return Check{Name: "prompts", Status: StatusOK, Detail: fmt.Sprintf("%d prompts from %s", len(registry.List()), path)}
}

func pricingCheck(path string) Check {
	if path == "" {
		return Check{Name: "pricing", Status: StatusOK, Detail: fmt.Sprintf("%d built-in models", len(pricing.NewTable().Models()))}
	}
	table, err := pricing.NewTableFromFile(path)
	if err != nil {
		return Check{Name: "pricing", Status: StatusFail, Detail: err.Error()}
	}
	return Check{Name: "pricing", Status: StatusOK, Detail: fmt.Sprintf("%d models, overrides from %s", len(table.Models()), path)}
}

func report(cmd *cobra.Command, checks []Check) error {
	failed := 0
	for _, c := range checks {
		if c.Status == StatusFail {
			failed++
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.PrintJSON(out, struct {
			Checks []Check `json:"checks"`
			Failed int     `json:"failed"`
		}{checks, failed}); err != nil {
			return err
		}
	} else {
		for _, c := range checks {
			line := fmt.Sprintf("%-18s %s", c.Name, c.Detail)
			switch c.Status {
			case StatusOK:
				fmt.Fprintln(out, shared.RenderOK(line))
			case StatusWarn:
				fmt.Fprintln(out, shared.RenderWarn(line))
			default:
				fmt.Fprintln(out, shared.RenderError(line))
			}
		}
	}

	if failed > 0 {
		return shared.NewCheckFailedError(fmt.Sprintf("%d check(s) failed", failed))
	}
	return nil
}
