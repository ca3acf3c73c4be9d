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

package shared

import (
	"io"
	"log/slog"

	"github.com/tombee/auditflow/internal/config"
	internallog "github.com/tombee/auditflow/internal/log"
)

// LoadConfig loads configuration from --config, $AUDITFLOW_CONFIG or the
// default path, then the environment. It returns the file used, which is
// empty when only defaults and environment applied.
func LoadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(GetConfigPath())
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, NewConfigError("failed to load configuration", err)
	}
	return cfg, path, nil
}

// NewLogger builds the command logger. --verbose forces debug and --quiet
// limits output to errors.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lc := &internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    w,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetQuiet():
		lc.Level = "error"
	case GetVerbose():
		lc.Level = "debug"
	}
	return internallog.New(lc)
}

// ResolveSource returns the replay source: the flag value when set, or the
// configured jsonfile directory.
func ResolveSource(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, _, err := LoadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Audit.LogDir, nil
}
