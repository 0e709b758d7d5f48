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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ServerHandle identifies a managed server. It holds the configured
// server name.
type ServerHandle string

// State is a published lifecycle state.
type State string

const (
	StateStarting State = "STARTING"
	StateStarted  State = "STARTED"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// States lists every lifecycle state.
var States = []State{StateStarting, StateStarted, StateStopping, StateStopped}

// ParseState parses a state name as printed by State.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle state %q", s)
}

// fsm event names
const (
	eventStart   = "start"
	eventStarted = "started"
	eventStop    = "stop"
	eventStopped = "stopped"
	eventKill    = "kill"
)

// Behaviour is the capability set of a managed server.
type Behaviour interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, force bool) error
	State() State
}

// Policy is consulted on every graceful stop.
type Policy interface {
	ShouldIgnoreShutdownCommand(handle ServerHandle) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(handle ServerHandle) bool

// ShouldIgnoreShutdownCommand implements Policy.
func (f PolicyFunc) ShouldIgnoreShutdownCommand(handle ServerHandle) bool { return f(handle) }

// Status is a point-in-time view of a controller.
type Status struct {
	Server ServerHandle `json:"server"`
	State  State        `json:"state"`

	// Since is when State was entered.
	Since time.Time `json:"since"`

	// StartFailed is set when the last start was not confirmed before its
	// deadline. The state stays STARTING.
	StartFailed bool `json:"start_failed,omitempty"`

	// ActiveTaskID is the outstanding poll task, if any.
	ActiveTaskID string `json:"active_task_id,omitempty"`

	// LastError is the last reported failure or warning.
	LastError string `json:"last_error,omitempty"`
}

// Settled reports whether no poll task is outstanding.
func (s Status) Settled() bool {
	return s.ActiveTaskID == ""
}

var (
	// ErrClosed is returned by requests made after Close.
	ErrClosed = errors.New("controller closed")

	// ErrInvalidTransition is returned when a request is not allowed from
	// the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyAttached is returned when a handle already has a controller.
	ErrAlreadyAttached = errors.New("server already attached")
)

// TransitionError reports a request refused in the current state.
type TransitionError struct {
	Server  ServerHandle
	Request string
	State   State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s server %s while %s", e.Request, e.Server, e.State)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrorType implements errors.ErrorClassifier.
func (e *TransitionError) ErrorType() string { return "invalid_transition" }

// IsRetryable implements errors.ErrorClassifier.
func (e *TransitionError) IsRetryable() bool { return true }
