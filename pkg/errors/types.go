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

package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrPollCancelled marks a poll that ended because a newer transition
// superseded it. It is an expected outcome, never reported to users.
var ErrPollCancelled = errors.New("poll cancelled")

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "server", "poller")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "servers[0].poller.type")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error: %s", e.Reason)
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "shutdown command")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// CommandError represents a failed or timed out remote command, most
// notably the graceful shutdown command.
type CommandError struct {
	// Server is the managed server the command targeted
	Server string

	// Command is the command line that was issued
	Command string

	// ExitCode is the remote exit status, or -1 when the command never
	// produced one (transport failure, timeout, authentication)
	ExitCode int

	// Output holds trailing stderr/stdout for diagnostics
	Output string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.Server != "" {
		msg = fmt.Sprintf("%s on server %s", msg, e.Server)
	}
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CommandError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *CommandError) ErrorType() string { return "command" }

// IsRetryable implements ErrorClassifier.
func (e *CommandError) IsRetryable() bool {
	var timeout *TimeoutError
	return errors.As(e.Cause, &timeout)
}

// Severity implements SeverityClassifier.
func (e *CommandError) Severity() Severity { return SeverityError }

// PollTimeoutError is reported when a poller did not observe the expected
// state before its deadline. It is a warning: the last published state
// stays authoritative.
type PollTimeoutError struct {
	// Server is the managed server being polled
	Server string

	// Expected is the state the poller waited for ("up" or "down")
	Expected string

	// Deadline is the poll deadline that elapsed
	Deadline time.Duration

	// Cause is the last probe error, if any
	Cause error
}

// Error implements the error interface.
func (e *PollTimeoutError) Error() string {
	msg := fmt.Sprintf("server %s did not reach state %s within %v", e.Server, e.Expected, e.Deadline)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (last probe: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PollTimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *PollTimeoutError) ErrorType() string { return "poll_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *PollTimeoutError) IsRetryable() bool { return true }

// Severity implements SeverityClassifier.
func (e *PollTimeoutError) Severity() Severity { return SeverityWarning }

// ResourceExhaustedError is returned when no background execution slot is
// available for a new poll task.
type ResourceExhaustedError struct {
	// Resource names the exhausted resource (e.g., "poll tasks")
	Resource string

	// Limit is the configured capacity
	Limit int
}

// Error implements the error interface.
func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted (limit %d)", e.Resource, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *ResourceExhaustedError) ErrorType() string { return "resource_exhausted" }

// IsRetryable implements ErrorClassifier.
func (e *ResourceExhaustedError) IsRetryable() bool { return true }

// Severity implements SeverityClassifier.
func (e *ResourceExhaustedError) Severity() Severity { return SeverityError }
