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

package events

import (
	"log/slog"
	"time"

	"github.com/tombee/serverctl/internal/log"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// Emitter writes lifecycle events to a structured logger.
type Emitter struct {
	logger *slog.Logger
}

// NewEmitter creates a logging emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// Publish implements Sink.
func (e *Emitter) Publish(t Transition) {
	attrs := []any{
		log.ServerKey, t.Server,
		log.EventKey, string(KindTransition),
		"from", t.From,
		log.StateKey, t.To,
	}
	if t.TaskID != "" {
		attrs = append(attrs, log.TaskIDKey, t.TaskID)
	}
	e.logger.Info("server state changed", attrs...)
}

// Rollback implements RollbackSink.
func (e *Emitter) Rollback(r Rollback) {
	attrs := []any{
		log.ServerKey, r.Server,
		log.EventKey, string(KindRollback),
		"from", r.From,
		log.StateKey, r.To,
	}
	if r.Cause != nil {
		attrs = append(attrs, "error", r.Cause.Error())
	}
	e.logger.Warn("server state rolled back", attrs...)
}

// Log implements ErrorSink. Warnings are logged at WARN, everything else
// at ERROR.
func (e *Emitter) Log(server string, err error) {
	if err == nil {
		return
	}
	attrs := []any{
		log.ServerKey, server,
		log.EventKey, string(KindError),
		"error_type", sctlerrors.TypeOf(err),
		"error", err.Error(),
	}
	if sctlerrors.SeverityOf(err) == sctlerrors.SeverityWarning {
		e.logger.Warn("server lifecycle warning", attrs...)
		return
	}
	e.logger.Error("server lifecycle error", attrs...)
}

// TransitionEvent flattens t.
func TransitionEvent(t Transition) Event {
	return Event{Kind: KindTransition, Server: t.Server, From: t.From, To: t.To, At: t.At, TaskID: t.TaskID}
}

// RollbackEvent flattens r.
func RollbackEvent(r Rollback) Event {
	ev := Event{Kind: KindRollback, Server: r.Server, From: r.From, To: r.To, At: r.At}
	if r.Cause != nil {
		ev.Message = r.Cause.Error()
	}
	return ev
}

// ErrorEvent flattens a reported error.
func ErrorEvent(server string, err error) Event {
	return Event{
		Kind:     KindError,
		Server:   server,
		At:       time.Now(),
		Message:  err.Error(),
		Severity: sctlerrors.SeverityOf(err).String(),
	}
}
