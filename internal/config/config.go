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

// Package config loads auditflow configuration from a YAML file and the
// environment, and watches the file for sampling changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/auditflow/internal/tracing"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

// Config is the complete auditflow configuration.
type Config struct {
	Log   LogConfig      `yaml:"log"`
	Audit tracing.Config `yaml:"audit"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL, or AUDITFLOW_DEBUG=1 for debug
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: tracing.DefaultConfig(),
	}
}

// Load builds configuration from defaults, then the YAML file at
// configPath (skipped when empty), then environment variables, which take
// precedence. The result is validated.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &auditerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &auditerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file at path. Keys absent from the file
// keep their defaults.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// envReader applies environment overrides and remembers the first value
// that fails to parse.
type envReader struct {
	err error
}

func (r *envReader) fail(key, val string, err error) {
	if r.err == nil {
		r.err = &auditerrors.ConfigError{
			Key:    key,
			Reason: fmt.Sprintf("invalid value %q", val),
			Cause:  err,
		}
	}
}

func (r *envReader) str(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		r.fail(key, val, err)
		return
	}
	*dst = b
}

func (r *envReader) integer(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		r.fail(key, val, err)
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		r.fail(key, val, err)
		return
	}
	*dst = f
}

func (r *envReader) duration(key string, dst *time.Duration) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		r.fail(key, val, err)
		return
	}
	*dst = d
}

func (r *envReader) list(key string, dst *[]string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	*dst = out
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() error {
	var r envReader
	a := &c.Audit

	r.boolean("AUDIT_ENABLED", &a.Enabled)
	// AUDIT_EXPORTER names a single sink; AUDIT_SINKS wins when both are set.
	r.list("AUDIT_EXPORTER", &a.Sinks)
	r.list("AUDIT_SINKS", &a.Sinks)
	r.str("AUDIT_LOG_DIR", &a.LogDir)
	r.duration("AUDIT_FILE_RETENTION", &a.FileRetention)
	r.boolean("AUDIT_DEBUG", &a.Debug)
	r.boolean("AUDIT_INCLUDE_SNAPSHOTS", &a.IncludeSnapshots)
	r.integer("AUDIT_MAX_QUEUE", &a.MaxQueue)
	r.duration("AUDIT_SHUTDOWN_TIMEOUT", &a.ShutdownTimeout)
	r.str("AUDIT_SERVICE_NAME", &a.ServiceName)
	r.str("AUDIT_PRICING_FILE", &a.PricingFile)
	r.str("AUDIT_PROMPTS_FILE", &a.PromptsFile)

	r.float("TRACE_SAMPLE_RATE", &a.Sampling.TraceRate)
	r.float("SUCCESS_SAMPLE_RATE", &a.Sampling.SuccessRate)
	r.float("ERROR_SAMPLE_RATE", &a.Sampling.ErrorRate)
	r.boolean("ALLOW_ERROR_DOWNSAMPLING", &a.Sampling.AllowErrorDownsampling)
	r.float("SLOW_REQUEST_THRESHOLD_MS", &a.Sampling.SlowThresholdMS)

	r.str("AWS_REGION", &a.CloudWatch.Region)
	r.str("AUDIT_CLOUDWATCH_LOG_GROUP", &a.CloudWatch.LogGroup)
	r.str("OTEL_EXPORTER_OTLP_ENDPOINT", &a.OTLP.Endpoint)
	r.str("AUDIT_SQLITE_PATH", &a.SQLite.Path)
	r.boolean("AUDIT_SQLITE_ENCRYPT", &a.SQLite.Encrypt)
	r.str("AUDIT_POSTGRES_DSN", &a.Postgres.DSN)

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("AUDITFLOW_DEBUG"); val == "1" || strings.EqualFold(val, "true") {
		c.Log.Level = "debug"
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	r.boolean("LOG_SOURCE", &c.Log.AddSource)

	return r.err
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Errorf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	if err := c.Audit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	return errors.Join(errs...)
}
