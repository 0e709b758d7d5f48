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

	"github.com/tombee/serverctl/internal/lifecycle"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// Exit codes
const (
	ExitSuccess = 0
	// ExitFailed covers command, transport and configuration failures.
	ExitFailed = 1
	// ExitUsage is returned for bad arguments or unknown servers.
	ExitUsage = 2
	// ExitNotConfirmed is returned when a transition was requested but not
	// confirmed before the poll deadline.
	ExitNotConfirmed = 3
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

// NewFailedError creates an error for failed operations.
func NewFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFailed, Message: msg, Cause: cause}
}

// NewUsageError creates an error for invalid invocations.
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg, Cause: cause}
}

// NewNotConfirmedError creates an error for unconfirmed transitions.
func NewNotConfirmedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotConfirmed, Message: msg, Cause: cause}
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var notFound *sctlerrors.NotFoundError
	var validation *sctlerrors.ValidationError
	switch {
	case errors.As(err, &notFound), errors.As(err, &validation):
		return ExitUsage
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return ExitUsage
	}

	var pollTimeout *sctlerrors.PollTimeoutError
	if errors.As(err, &pollTimeout) {
		return ExitNotConfirmed
	}
	return ExitFailed
}

// PrintError writes err and any suggestion it carries to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, RenderError(err.Error()))

	var validation *sctlerrors.ValidationError
	if errors.As(err, &validation) && validation.Suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", validation.Suggestion)
	}
}

// HandleExitError prints err and exits with its exit code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}
