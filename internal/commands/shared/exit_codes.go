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
	"errors"
	"fmt"
	"io"
	"os"

	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

// Exit codes for auditflow commands.
const (
	ExitSuccess       = 0
	ExitFailed        = 1
	ExitInvalidConfig = 2
	ExitNotFound      = 3
	ExitCheckFailed   = 4
)

// Error codes for structured JSON output.
const (
	ErrorCodeFailed        = "E001"
	ErrorCodeInvalidConfig = "E201"
	ErrorCodeInvalidInput  = "E302"
	ErrorCodeNotFound      = "E401"
	ErrorCodeCheckFailed   = "E501"
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError reports unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewNotFoundError reports a missing source, trace or file.
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// NewCheckFailedError reports failed doctor checks.
func NewCheckFailedError(msg string) *ExitError {
	return &ExitError{Code: ExitCheckFailed, Message: msg}
}

// ExitCode picks the process exit code for err. Typed errors from the
// audit packages map to their own codes even when not wrapped in an
// ExitError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cfgErr *auditerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitInvalidConfig
	}
	var nfErr *auditerrors.NotFoundError
	if errors.As(err, &nfErr) {
		return ExitNotFound
	}
	return ExitFailed
}

// errorCode maps an exit code to the JSON error code.
func errorCode(exitCode int, err error) string {
	switch exitCode {
	case ExitInvalidConfig:
		return ErrorCodeInvalidConfig
	case ExitNotFound:
		return ErrorCodeNotFound
	case ExitCheckFailed:
		return ErrorCodeCheckFailed
	}
	var verr *auditerrors.ValidationError
	if errors.As(err, &verr) {
		return ErrorCodeInvalidInput
	}
	return ErrorCodeFailed
}

// WriteError reports err on w, as a JSON envelope when --json is set.
func WriteError(w io.Writer, command string, err error) {
	code := ExitCode(err)
	if GetJSON() {
		_ = PrintJSON(w, JSONErrorResponse{
			JSONResponse: JSONResponse{Version: "1.0", Command: command, Success: false},
			Errors:       []JSONError{{Code: errorCode(code, err), Message: err.Error()}},
		})
		return
	}
	fmt.Fprintln(w, RenderError(err.Error()))
}

// HandleExitError prints err and exits with its exit code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	WriteError(os.Stderr, "auditflow", err)
	os.Exit(ExitCode(err))
}
