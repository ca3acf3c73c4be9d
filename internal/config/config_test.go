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

package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/internal/tracing"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// replaceFile swaps path's contents in one rename so the watcher never
// reads a half-written file.
func replaceFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, []string{tracing.SinkJSONFile}, cfg.Audit.Sinks)
	assert.Equal(t, 10000, cfg.Audit.MaxQueue)
	assert.Equal(t, 0.20, cfg.Audit.Sampling.TraceRate)
	assert.Equal(t, 0.10, cfg.Audit.Sampling.SuccessRate)
	assert.Equal(t, 1.0, cfg.Audit.Sampling.ErrorRate)
	assert.Equal(t, 1500.0, cfg.Audit.Sampling.SlowThresholdMS)
	assert.Equal(t, 5*time.Second, cfg.Audit.ShutdownTimeout)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
log:
  level: debug
audit:
  sinks: [console, sqlite]
  log_dir: /var/log/audit
  max_queue: 50
  sampling:
    success_rate: 0.5
  redaction:
    patterns:
      - name: ssn
        regex: '\b\d{3}-\d{2}-\d{4}\b'
  sqlite:
    path: /tmp/audit.db
    retention: 48h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"console", "sqlite"}, cfg.Audit.Sinks)
	assert.Equal(t, "/var/log/audit", cfg.Audit.LogDir)
	assert.Equal(t, 50, cfg.Audit.MaxQueue)
	assert.Equal(t, 0.5, cfg.Audit.Sampling.SuccessRate)
	assert.Equal(t, 0.20, cfg.Audit.Sampling.TraceRate, "unset keys keep defaults")
	require.Len(t, cfg.Audit.Redaction.Patterns, 1)
	assert.Equal(t, "ssn", cfg.Audit.Redaction.Patterns[0].Name)
	assert.Equal(t, 48*time.Hour, cfg.Audit.SQLite.Retention)
}

func TestLoad_EnvWins(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "audit:\n  max_queue: 50\n  debug: false\n")

	t.Setenv("AUDIT_MAX_QUEUE", "75")
	t.Setenv("AUDIT_DEBUG", "true")
	t.Setenv("AUDIT_SINKS", "Console, jsonfile")
	t.Setenv("TRACE_SAMPLE_RATE", "0.3")
	t.Setenv("SLOW_REQUEST_THRESHOLD_MS", "900")
	t.Setenv("AUDIT_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("AUDITFLOW_DEBUG", "1")
	t.Setenv("LOG_FORMAT", "TEXT")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 75, cfg.Audit.MaxQueue)
	assert.True(t, cfg.Audit.Debug)
	assert.True(t, cfg.Audit.SamplingPolicyConfig().Debug)
	assert.Equal(t, []string{"console", "jsonfile"}, cfg.Audit.Sinks)
	assert.Equal(t, 0.3, cfg.Audit.Sampling.TraceRate)
	assert.Equal(t, 900.0, cfg.Audit.Sampling.SlowThresholdMS)
	assert.Equal(t, 2*time.Second, cfg.Audit.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_SingleExporterEnv(t *testing.T) {
	t.Setenv("AUDIT_EXPORTER", "cloudwatch")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{tracing.SinkCloudWatch}, cfg.Audit.Sinks)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("SUCCESS_SAMPLE_RATE", "often")

	_, err := Load("")
	var cfgErr *auditerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "SUCCESS_SAMPLE_RATE", cfgErr.Key)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"rate out of range", "audit:\n  sampling:\n    trace_rate: 1.5\n", "sampling.trace_rate"},
		{"error downsampling without override", "audit:\n  sampling:\n    error_rate: 0.5\n", "allow_error_downsampling"},
		{"unknown sink", "audit:\n  sinks: [kafka]\n", `unknown sink "kafka"`},
		{"postgres without dsn", "audit:\n  sinks: [postgres]\n", "postgres.dsn"},
		{"bad log level", "log:\n  level: chatty\n", "log.level"},
		{"queue", "audit:\n  max_queue: 0\n", "max_queue"},
		{"redaction pattern matches marker", "audit:\n  redaction:\n    patterns:\n      - name: pin2\n        regex: '\\d'\n", "pin2"},
		{"redaction pattern matches empty", "audit:\n  redaction:\n    patterns:\n      - name: digits\n        regex: '\\d*'\n", "empty string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.body))
			require.Error(t, err)

			var cfgErr *auditerrors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, "validation", cfgErr.Key)
			assert.Contains(t, errors.Unwrap(cfgErr).Error(), tt.want)
		})
	}
}

func TestLoad_ErrorDownsamplingWithOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), "audit:\n  sampling:\n    error_rate: 0.5\n    allow_error_downsampling: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Audit.Sampling.ErrorRate)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *auditerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("AUDITFLOW_CONFIG", "")

	assert.Equal(t, "explicit.yaml", ResolvePath("explicit.yaml"))
	assert.Empty(t, ResolvePath(""), "default path does not exist yet")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "auditflow"), 0o700))
	writeConfig(t, filepath.Join(dir, "auditflow"), "log:\n  level: info\n")
	assert.Equal(t, filepath.Join(dir, "auditflow", "config.yaml"), ResolvePath(""))

	t.Setenv("AUDITFLOW_CONFIG", "/etc/auditflow.yaml")
	assert.Equal(t, "/etc/auditflow.yaml", ResolvePath(""))
}

func TestWatch_SwapsSamplingPolicy(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "audit:\n  sampling:\n    success_rate: 0.1\n")

	policy := tracing.NewSamplingPolicy(tracing.DefaultConfig().Sampling, nil)
	var reloads atomic.Int32
	reload := SamplingReloader(policy)

	w, err := Watch(path, func(cfg *Config) {
		reload(cfg)
		reloads.Add(1)
	}, WatchOptions{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Debounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	replaceFile(t, path, "audit:\n  sampling:\n    success_rate: 0.9\n")
	require.Eventually(t, func() bool {
		return policy.Config().SuccessRate == 0.9
	}, 5*time.Second, 10*time.Millisecond)

	// An invalid edit leaves the last good policy in place.
	before := reloads.Load()
	replaceFile(t, path, "audit:\n  sampling:\n    success_rate: 7\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0.9, policy.Config().SuccessRate)
	assert.Equal(t, before, reloads.Load())
}
