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

// Package replay reads persisted JSONL audit events back for offline
// analysis: streaming the failures of an operation and reconstructing one
// trace in execution order. Sources are never modified.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

// Snapshot is one decoded event and where it was read from.
type Snapshot struct {
	observability.Event

	File string `json:"source_file"`
	Line int    `json:"source_line"`
}

// Stats describes the most recent scan of a Reader.
type Stats struct {
	Files     int `json:"files"`
	Lines     int `json:"lines"`
	Malformed int `json:"malformed"`
}

// Reader scans a source: a JSONL file, a directory of *.jsonl files, or a
// doublestar glob such as "logs/**/audit-2025-03-*.jsonl". Files are read
// in lexical order, which is chronological for daily files.
type Reader struct {
	source string

	mu    sync.Mutex
	stats Stats
}

// New creates a Reader for source.
func New(source string) *Reader {
	return &Reader{source: source}
}

// Errors streams the error and timeout events of src, restricted to action
// when it is non-empty.
func Errors(src, action string) iter.Seq2[Snapshot, error] {
	return New(src).Errors(action)
}

// Trace returns the events of one trace from src in execution order.
func Trace(src, traceID string) ([]observability.Event, error) {
	return New(src).Trace(traceID)
}

// Stats returns counters for the latest scan.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Events streams every well-formed event. Malformed lines are skipped and
// counted. A source that cannot be read yields a single error and ends the
// sequence. Each range starts a fresh scan.
func (r *Reader) Events() iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		r.mu.Lock()
		r.stats = Stats{}
		r.mu.Unlock()

		files, err := Files(r.source)
		if err != nil {
			yield(Snapshot{}, err)
			return
		}
		for _, path := range files {
			if !r.scanFile(path, yield) {
				return
			}
		}
	}
}

// Errors streams failure events, optionally for one action.
func (r *Reader) Errors(action string) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		for snap, err := range r.Events() {
			if err != nil {
				yield(snap, err)
				return
			}
			if !snap.IsFailure() {
				continue
			}
			if action != "" && snap.Action != action {
				continue
			}
			if !yield(snap, nil) {
				return
			}
		}
	}
}

// Trace collects the events of traceID ordered by timestamp, then by span
// creation order. It returns a NotFoundError when the trace has no events.
func (r *Reader) Trace(traceID string) ([]observability.Event, error) {
	var events []observability.Event
	for snap, err := range r.Events() {
		if err != nil {
			return nil, err
		}
		if snap.TraceID == traceID {
			events = append(events, snap.Event)
		}
	}
	if len(events) == 0 {
		return nil, &auditerrors.NotFoundError{Resource: "trace", ID: traceID}
	}
	SortEvents(events)
	return events, nil
}

// SortEvents orders events by timestamp, then span creation order.
func SortEvents(events []observability.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.SpanSeq < b.SpanSeq
	})
}

// scanFile yields the events of one file and reports whether to continue.
func (r *Reader) scanFile(path string, yield func(Snapshot, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		yield(Snapshot{}, fmt.Errorf("opening replay source: %w", err))
		return false
	}
	defer f.Close()

	r.mu.Lock()
	r.stats.Files++
	r.mu.Unlock()

	br := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			yield(Snapshot{}, fmt.Errorf("reading %s: %w", path, readErr))
			return false
		}

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var e observability.Event
			err := json.Unmarshal(line, &e)
			r.mu.Lock()
			r.stats.Lines++
			if err != nil {
				r.stats.Malformed++
			}
			r.mu.Unlock()

			if err == nil && !yield(Snapshot{Event: e, File: path, Line: lineNo}, nil) {
				return false
			}
		}

		if readErr != nil {
			return true
		}
	}
}

// Files resolves source to the JSONL files it names, sorted.
func Files(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err == nil && !info.IsDir() {
		return []string{source}, nil
	}

	pattern := source
	if err == nil {
		pattern = filepath.Join(source, "*.jsonl")
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid replay source %q: %w", source, err)
	}

	files := matches[:0]
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, &auditerrors.NotFoundError{Resource: "replay source", ID: source}
	}
	sort.Strings(files)
	return files, nil
}
