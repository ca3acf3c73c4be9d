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

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/pkg/observability"
)

// FilePrefix and FileSuffix frame the UTC date in daily audit file names.
const (
	FilePrefix = "audit-"
	FileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// DailyFileName returns the audit file name for the UTC day containing t.
func DailyFileName(t time.Time) string {
	return FilePrefix + t.UTC().Format(dayLayout) + FileSuffix
}

// ParseDailyFileName extracts the day from a name produced by DailyFileName.
func ParseDailyFileName(name string) (time.Time, bool) {
	if len(name) != len(FilePrefix)+len(dayLayout)+len(FileSuffix) ||
		name[:len(FilePrefix)] != FilePrefix || name[len(name)-len(FileSuffix):] != FileSuffix {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, name[len(FilePrefix):len(name)-len(FileSuffix)])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// JSONFileSink appends one JSON object per line to audit-YYYY-MM-DD.jsonl
// in its directory, switching files when the UTC day changes.
type JSONFileSink struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	file *os.File
	day  string
}

// JSONFileOption configures a JSONFileSink.
type JSONFileOption func(*JSONFileSink)

// WithClock overrides the clock used to pick the daily file.
func WithClock(now func() time.Time) JSONFileOption {
	return func(s *JSONFileSink) { s.now = now }
}

// NewJSONFileSink creates a sink writing under dir.
func NewJSONFileSink(dir string, opts ...JSONFileOption) *JSONFileSink {
	s := &JSONFileSink{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements observability.Sink.
func (s *JSONFileSink) Name() string { return tracing.SinkJSONFile }

// Dir returns the output directory.
func (s *JSONFileSink) Dir() string { return s.dir }

// Start creates the output directory.
func (s *JSONFileSink) Start(context.Context) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating audit log directory: %w", err)
	}
	return nil
}

// Export appends e to the current day's file.
func (s *JSONFileSink) Export(_ context.Context, e observability.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.EventID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("writing %s: %w", s.file.Name(), err)
	}
	return nil
}

func (s *JSONFileSink) rotateLocked() error {
	day := s.now().UTC().Format(dayLayout)
	if s.file != nil && day == s.day {
		return nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	path := filepath.Join(s.dir, FilePrefix+day+FileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	s.file = f
	s.day = day
	return nil
}

// Close syncs and closes the current file. Safe to call more than once.
func (s *JSONFileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
