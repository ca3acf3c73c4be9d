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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/internal/cli"
	"github.com/tombee/auditflow/internal/commands/shared"
	"github.com/tombee/auditflow/internal/tracing/replay"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("AUDITFLOW_CONFIG", "")
	t.Setenv("AUDIT_DEBUG", "true")
	t.Cleanup(shared.ResetFlagsForTest)

	root := cli.NewRootCommand()
	root.AddCommand(NewCommand())
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

const twoEvents = `{"event_type":"tool.call","agent":"cli","action":"ping"}
{"event_type":"llm.invoke","agent":"cli","data":{"model":"gpt-4o"},"tokens_input":1000,"tokens_output":1000}
`

func TestEmit_JSONFileWithTrace(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUDIT_LOG_DIR", dir)

	res := execute(t, twoEvents, "emit", "--sink", "jsonfile", "--trace", "--json")
	require.NoError(t, res.err)

	var sum summary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &sum))
	assert.Equal(t, 2, sum.Emitted)
	assert.Equal(t, uint64(2), sum.Stats.Delivered)
	assert.Zero(t, sum.Stats.Dropped)

	var traceIDs, spanIDs []string
	for snap, err := range replay.New(dir).Events() {
		require.NoError(t, err)
		traceIDs = append(traceIDs, snap.TraceID)
		spanIDs = append(spanIDs, snap.SpanID)
		if snap.Type == "llm.invoke" {
			require.NotNil(t, snap.CostUSD)
			assert.Equal(t, "0.0125", snap.CostUSD.String())
		}
	}
	require.Len(t, traceIDs, 2)
	assert.NotEmpty(t, traceIDs[0])
	assert.Equal(t, traceIDs[0], traceIDs[1])
	assert.NotEqual(t, spanIDs[0], spanIDs[1])
}

func TestEmit_FromFileToConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(twoEvents), 0o600))

	res := execute(t, "", "emit", "--sink", "console", "--file", path)
	require.NoError(t, res.err)

	assert.Contains(t, res.stdout, "tool.call")
	assert.Contains(t, res.stdout, "llm.invoke")
	assert.Contains(t, res.stderr, "emitted 2 events")
}

func TestEmit_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"malformed json", `{"event_type":`, "event 1"},
		{"unknown type", `{"event_type":"tool.call"}` + "\n" + `{"event_type":"nope"}`, "event 2"},
		{"error on ok", `{"event_type":"tool.call","status":"ok","error":{"kind":"x","message":"y"}}`, "event 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUDIT_LOG_DIR", t.TempDir())
			res := execute(t, tt.input, "emit", "--sink", "jsonfile", "--quiet")
			require.Error(t, res.err)

			var ve *auditerrors.ValidationError
			require.True(t, errors.As(res.err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestEmit_ConfigErrors(t *testing.T) {
	res := execute(t, "", "emit", "--sink", "carrier-pigeon")
	require.Error(t, res.err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(res.err))

	t.Setenv("AUDIT_ENABLED", "false")
	res = execute(t, "", "emit", "--sink", "console")
	require.Error(t, res.err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(res.err))
}

func TestEmit_MissingFile(t *testing.T) {
	res := execute(t, "", "emit", "--sink", "console", "--file", filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, res.err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(res.err))
}

func TestEmitFunc_CountsBeforeError(t *testing.T) {
	n, err := Emit(context.Background(), nil, strings.NewReader(`not json`), false)
	assert.Zero(t, n)
	require.Error(t, err)
}
