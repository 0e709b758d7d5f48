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

// Package events carries lifecycle transitions, rollbacks and errors
// from the controllers to displays, history and metrics.
package events

import (
	"time"
)

// Kind identifies the type of an Event.
type Kind string

const (
	// KindTransition is a published lifecycle state change.
	KindTransition Kind = "transition"
	// KindRollback restores a state after a failed transition.
	KindRollback Kind = "rollback"
	// KindError is a reported failure or warning.
	KindError Kind = "error"
)

// Transition is a published lifecycle state change.
type Transition struct {
	Server string    `json:"server"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`

	// TaskID is the poll task that confirmed the transition, if any.
	TaskID string `json:"task_id,omitempty"`
}

// Rollback reports that a transition was abandoned and the state
// restored. It is not a transition: displays use it to undo the last one.
type Rollback struct {
	Server string    `json:"server"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Cause  error     `json:"-"`
}

// Sink receives published transitions. Publish must not block.
type Sink interface {
	Publish(t Transition)
}

// ErrorSink receives failures and warnings. Log never fails or panics.
type ErrorSink interface {
	Log(server string, err error)
}

// RollbackSink is implemented by sinks that track rollbacks.
type RollbackSink interface {
	Rollback(r Rollback)
}

// Event is the flattened form of a transition, rollback or error used by
// subscribers and history.
type Event struct {
	Kind     Kind      `json:"kind"`
	Server   string    `json:"server"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	At       time.Time `json:"at"`
	TaskID   string    `json:"task_id,omitempty"`
	Message  string    `json:"message,omitempty"`
	Severity string    `json:"severity,omitempty"`
}
