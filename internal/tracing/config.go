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

package tracing

import (
	"fmt"
	"time"

	"github.com/tombee/auditflow/internal/tracing/redact"
)

// Sink names accepted in Config.Sinks.
const (
	SinkConsole    = "console"
	SinkStdout     = "stdout" // alias for console
	SinkJSONFile   = "jsonfile"
	SinkCloudWatch = "cloudwatch"
	SinkOTLP       = "otlp"
	SinkSQLite     = "sqlite"
	SinkPostgres   = "postgres"
)

// Config holds audit pipeline configuration.
type Config struct {
	// Enabled switches the whole subsystem. When false, Emit is a no-op.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process on exported spans and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version, recorded in error environments.
	ServiceVersion string `yaml:"service_version"`

	// Sinks lists active sinks in delivery order.
	Sinks []string `yaml:"sinks"`

	// LogDir is where the jsonfile sink writes daily files.
	LogDir string `yaml:"log_dir"`

	// FileRetention removes daily files older than this. Zero keeps them.
	FileRetention time.Duration `yaml:"file_retention"`

	// Debug disables sampling so every event is recorded.
	Debug bool `yaml:"debug"`

	// IncludeSnapshots attaches sanitized inputs to error events and results
	// to ok events produced by instrumented spans.
	IncludeSnapshots bool `yaml:"include_snapshots"`

	// MaxQueue is the pipeline capacity. The oldest event is evicted when full.
	MaxQueue int `yaml:"max_queue"`

	// ShutdownTimeout bounds the final flush.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Sampling   SamplingConfig   `yaml:"sampling"`
	Redaction  RedactionConfig  `yaml:"redaction"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	OTLP       ExporterConfig   `yaml:"otlp"`
	SQLite     StorageConfig    `yaml:"sqlite"`
	Postgres   PostgresConfig   `yaml:"postgres"`

	// PricingFile overrides built-in model prices.
	PricingFile string `yaml:"pricing_file"`

	// PromptsFile is a versioned prompt registry. When set, llm.invoke events
	// naming a prompt get its version and content hash.
	PromptsFile string `yaml:"prompts_file"`
}

// SamplingConfig controls which events are persisted.
type SamplingConfig struct {
	// TraceRate is the fraction of traces whose non-critical events are kept.
	TraceRate float64 `yaml:"trace_rate"`

	// SuccessRate is the fraction of untraced ok events that are kept.
	SuccessRate float64 `yaml:"success_rate"`

	// ErrorRate is the fraction of error and timeout events that are kept.
	// Values below 1.0 only apply when AllowErrorDownsampling is set.
	ErrorRate float64 `yaml:"error_rate"`

	// AllowErrorDownsampling permits ErrorRate below 1.0.
	AllowErrorDownsampling bool `yaml:"allow_error_downsampling"`

	// SlowThresholdMS records any event slower than this.
	SlowThresholdMS float64 `yaml:"slow_threshold_ms"`

	// Debug records everything. Mirrors Config.Debug.
	Debug bool `yaml:"-"`
}

// RedactionConfig adds patterns on top of the built-in sanitizer rules.
type RedactionConfig struct {
	Patterns []RedactionPattern `yaml:"patterns"`
}

// RedactionPattern defines a sensitive data pattern.
type RedactionPattern struct {
	// Name identifies this pattern; matches become "[REDACTED_<NAME>]".
	Name string `yaml:"name"`

	// Regex is the pattern to match.
	Regex string `yaml:"regex"`
}

// CloudWatchConfig configures the CloudWatch Logs sink.
type CloudWatchConfig struct {
	Region        string        `yaml:"region"`
	LogGroup      string        `yaml:"log_group"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`

	// RequestsPerSecond caps PutLogEvents calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// RetentionDays is applied when the sink creates the log group.
	RetentionDays int32 `yaml:"retention_days"`
}

// ExporterConfig defines an OTLP export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint"`

	// Headers are additional headers for authentication.
	Headers map[string]string `yaml:"headers"`

	// TLS configures secure connections.
	TLS TLSConfig `yaml:"tls"`

	// Timeout is the export timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	// Enabled activates TLS.
	Enabled bool `yaml:"enabled"`

	// VerifyCertificate controls certificate validation.
	VerifyCertificate bool `yaml:"verify_certificate"`

	// CACertPath is the path to the CA certificate.
	CACertPath string `yaml:"ca_cert_path"`
}

// StorageConfig controls the local SQLite event store.
type StorageConfig struct {
	Path string `yaml:"path"`

	// Retention is how long rows are kept. Zero keeps rows forever.
	Retention time.Duration `yaml:"retention"`

	// Encrypt seals payload columns with AUDITFLOW_STORE_KEY.
	Encrypt bool `yaml:"encrypt"`
}

// PostgresConfig controls the shared PostgreSQL event store.
type PostgresConfig struct {
	// DSN is a lib/pq connection string or postgres:// URL.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Retention is how long rows are kept. Zero keeps rows forever.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ServiceName:      "auditflow",
		ServiceVersion:   "unknown",
		Sinks:            []string{SinkJSONFile},
		LogDir:           "logs",
		IncludeSnapshots: true,
		MaxQueue:         10000,
		ShutdownTimeout:  5 * time.Second,
		Sampling: SamplingConfig{
			TraceRate:       0.20,
			SuccessRate:     0.10,
			ErrorRate:       1.00,
			SlowThresholdMS: 1500,
		},
		CloudWatch: CloudWatchConfig{
			LogGroup:          "/auditflow/events",
			BatchSize:         100,
			FlushInterval:     2 * time.Second,
			MaxRetries:        5,
			RequestsPerSecond: 5,
			RetentionDays:     90,
		},
		OTLP: ExporterConfig{
			Type:     "otlp",
			Endpoint: "localhost:4317",
			Timeout:  10 * time.Second,
		},
		SQLite: StorageConfig{
			Path:      "audit.db",
			Retention: 30 * 24 * time.Hour,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// SamplingPolicyConfig returns the sampling settings with Debug applied.
func (c Config) SamplingPolicyConfig() SamplingConfig {
	s := c.Sampling
	s.Debug = c.Debug
	return s
}

// Validate checks ranges and sink names.
func (c Config) Validate() error {
	rates := map[string]float64{
		"sampling.trace_rate":   c.Sampling.TraceRate,
		"sampling.success_rate": c.Sampling.SuccessRate,
		"sampling.error_rate":   c.Sampling.ErrorRate,
	}
	for key, rate := range rates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", key, rate)
		}
	}
	if c.Sampling.ErrorRate < 1 && !c.Sampling.AllowErrorDownsampling {
		return fmt.Errorf("sampling.error_rate below 1.0 requires sampling.allow_error_downsampling")
	}
	if c.Sampling.SlowThresholdMS < 0 {
		return fmt.Errorf("sampling.slow_threshold_ms must be non-negative")
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be positive, got %d", c.MaxQueue)
	}
	if c.FileRetention < 0 {
		return fmt.Errorf("file_retention must be non-negative")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be non-negative")
	}
	for _, s := range c.Sinks {
		switch s {
		case SinkConsole, SinkStdout, SinkJSONFile, SinkCloudWatch, SinkOTLP, SinkSQLite:
		case SinkPostgres:
			if c.Postgres.DSN == "" {
				return fmt.Errorf("postgres sink requires postgres.dsn")
			}
		default:
			return fmt.Errorf("unknown sink %q", s)
		}
	}
	for _, p := range c.Redaction.Patterns {
		if _, err := redact.NewPattern(p.Name, p.Regex); err != nil {
			return fmt.Errorf("redaction.patterns: %w", err)
		}
	}
	return nil
}
