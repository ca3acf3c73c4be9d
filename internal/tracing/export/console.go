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
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/pkg/observability"
)

// ConsoleSink prints a one-line summary per event. Colors are used only
// when the writer is a terminal and NO_COLOR is unset.
type ConsoleSink struct {
	mu     sync.Mutex
	w      io.Writer
	styles consoleStyles
}

type consoleStyles struct {
	ok, fail, warn, muted, bold lipgloss.Style
}

// NewConsoleSink creates a console sink writing to w (os.Stdout when nil).
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	s := &ConsoleSink{w: w}
	if colorEnabled(w) {
		s.styles = consoleStyles{
			ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			fail:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			muted: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			bold:  lipgloss.NewStyle().Bold(true),
		}
	}
	return s
}

func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Name implements observability.Sink.
func (s *ConsoleSink) Name() string { return tracing.SinkConsole }

// Start implements observability.Sink.
func (s *ConsoleSink) Start(context.Context) error { return nil }

// Export implements observability.Sink.
func (s *ConsoleSink) Export(_ context.Context, e observability.Event) error {
	line := s.Format(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

// Close implements observability.Sink.
func (s *ConsoleSink) Close(context.Context) error { return nil }

// Format renders e as a single line:
//
//	15:04:05.000 ✓ llm.invoke router/classify 250ms in=100 out=50 $0.000375 trace=0af76519
func (s *ConsoleSink) Format(e observability.Event) string {
	var b strings.Builder

	b.WriteString(s.styles.muted.Render(e.Timestamp.UTC().Format("15:04:05.000")))
	b.WriteByte(' ')

	switch {
	case e.IsFailure():
		b.WriteString(s.styles.fail.Render("✗"))
	case e.Status == observability.StatusRetry:
		b.WriteString(s.styles.warn.Render("↻"))
	default:
		b.WriteString(s.styles.ok.Render("✓"))
	}
	b.WriteByte(' ')
	b.WriteString(s.styles.bold.Render(string(e.Type)))

	if label := componentLabel(e); label != "" {
		b.WriteByte(' ')
		b.WriteString(label)
	}
	if d := e.Duration(); d > 0 {
		fmt.Fprintf(&b, " %s", d.Round(time.Millisecond))
	}
	if e.TokensInput != nil {
		fmt.Fprintf(&b, " in=%d", *e.TokensInput)
	}
	if e.TokensOutput != nil {
		fmt.Fprintf(&b, " out=%d", *e.TokensOutput)
	}
	if e.CostUSD != nil {
		fmt.Fprintf(&b, " $%s", e.CostUSD.StringFixed(6))
	}
	if e.Error != nil {
		b.WriteByte(' ')
		b.WriteString(s.styles.fail.Render(fmt.Sprintf("[%s] %s", e.Error.Kind, e.Error.Message)))
	}
	if e.TraceID != "" {
		id := e.TraceID
		if len(id) > 8 {
			id = id[:8]
		}
		b.WriteByte(' ')
		b.WriteString(s.styles.muted.Render("trace=" + id))
	}
	return b.String()
}

func componentLabel(e observability.Event) string {
	switch {
	case e.Agent != "" && e.Action != "":
		return e.Agent + "/" + e.Action
	case e.Agent != "":
		return e.Agent
	}
	return e.Action
}
