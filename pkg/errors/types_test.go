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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *sctlerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &sctlerrors.ValidationError{
				Field:   "servers[0].name",
				Message: "required field is missing",
			},
			wantMsg: "validation failed on servers[0].name: required field is missing",
		},
		{
			name:    "without field",
			err:     &sctlerrors.ValidationError{Message: "invalid format"},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &sctlerrors.NotFoundError{Resource: "server", ID: "eap-7"}
	if got, want := err.Error(), "server not found: eap-7"; got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *sctlerrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &sctlerrors.ConfigError{Key: "poll.max_concurrent", Reason: "must be positive"},
			wantMsg: "config error at poll.max_concurrent: must be positive",
		},
		{
			name:    "without key",
			err:     &sctlerrors.ConfigError{Reason: "no servers configured"},
			wantMsg: "config error: no servers configured",
		},
		{
			name:    "with cause",
			err:     &sctlerrors.ConfigError{Key: "config_file", Reason: "failed to load", Cause: errors.New("permission denied")},
			wantMsg: "config error at config_file: failed to load: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestCommandError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *sctlerrors.CommandError
		contains []string
	}{
		{
			name: "transport failure",
			err: &sctlerrors.CommandError{
				Server:   "eap",
				Command:  "bin/jboss-cli.sh --connect command=:shutdown",
				ExitCode: -1,
				Cause:    errors.New("auth failed"),
			},
			contains: []string{"on server eap", "auth failed", "jboss-cli.sh"},
		},
		{
			name: "non-zero exit",
			err: &sctlerrors.CommandError{
				Command:  "stop.sh",
				ExitCode: 3,
			},
			contains: []string{"(exit 3)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("CommandError.Error() = %q, want it to contain %q", msg, want)
				}
			}
		})
	}
}

func TestCommandError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &sctlerrors.CommandError{Command: "stop", ExitCode: -1, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("CommandError should unwrap to its cause")
	}
}

func TestCommandError_IsRetryable(t *testing.T) {
	timedOut := &sctlerrors.CommandError{
		Command:  "stop",
		ExitCode: -1,
		Cause:    &sctlerrors.TimeoutError{Operation: "shutdown command", Duration: 10 * time.Second},
	}
	if !timedOut.IsRetryable() {
		t.Error("timed out command should be retryable")
	}

	failed := &sctlerrors.CommandError{Command: "stop", ExitCode: 1}
	if failed.IsRetryable() {
		t.Error("command with exit status should not be retryable")
	}
}

func TestPollTimeoutError(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:9990: connect: connection refused")
	err := &sctlerrors.PollTimeoutError{
		Server:   "wildfly",
		Expected: "up",
		Deadline: 30 * time.Second,
		Cause:    cause,
	}

	msg := err.Error()
	if !strings.Contains(msg, "did not reach state up within 30s") {
		t.Errorf("unexpected message: %q", msg)
	}
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("message should include last probe error: %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("PollTimeoutError should unwrap to its cause")
	}
	if err.Severity() != sctlerrors.SeverityWarning {
		t.Errorf("Severity() = %v, want warning", err.Severity())
	}
}

func TestResourceExhaustedError(t *testing.T) {
	err := &sctlerrors.ResourceExhaustedError{Resource: "poll tasks", Limit: 4}
	if got, want := err.Error(), "poll tasks exhausted (limit 4)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorWrapping(t *testing.T) {
	base := &sctlerrors.CommandError{Server: "eap", Command: "stop", ExitCode: 1}
	wrapped := fmt.Errorf("graceful stop: %w", base)

	var cmdErr *sctlerrors.CommandError
	if !errors.As(wrapped, &cmdErr) {
		t.Fatal("errors.As should find CommandError in chain")
	}
	if cmdErr.Server != "eap" {
		t.Errorf("Server = %q, want eap", cmdErr.Server)
	}

	if got := sctlerrors.TypeOf(wrapped); got != "command" {
		t.Errorf("TypeOf() = %q, want command", got)
	}
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sctlerrors.Severity
	}{
		{"poll timeout", &sctlerrors.PollTimeoutError{Server: "a", Expected: "up"}, sctlerrors.SeverityWarning},
		{"command", &sctlerrors.CommandError{Command: "x"}, sctlerrors.SeverityError},
		{"plain", errors.New("boom"), sctlerrors.SeverityError},
		{"wrapped warning", fmt.Errorf("ctx: %w", &sctlerrors.PollTimeoutError{}), sctlerrors.SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sctlerrors.SeverityOf(tt.err); got != tt.want {
				t.Errorf("SeverityOf() = %v, want %v", got, tt.want)
			}
		})
	}
}
