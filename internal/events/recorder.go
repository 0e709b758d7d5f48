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

import "sync"

// Recorder keeps every event in memory. One-shot CLI commands use it to
// report what a request published.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
}

// Publish implements Sink.
func (r *Recorder) Publish(t Transition) { r.add(TransitionEvent(t), nil) }

// Rollback implements RollbackSink.
func (r *Recorder) Rollback(rb Rollback) { r.add(RollbackEvent(rb), nil) }

// Log implements ErrorSink.
func (r *Recorder) Log(server string, err error) {
	if err == nil {
		return
	}
	r.add(ErrorEvent(server, err), err)
}

func (r *Recorder) add(ev Event, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// States returns the target states of the recorded transitions in order.
func (r *Recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []string
	for _, ev := range r.events {
		if ev.Kind == KindTransition {
			states = append(states, ev.To)
		}
	}
	return states
}

// Errors returns the recorded errors in order.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Rollbacks returns the recorded rollback events.
func (r *Recorder) Rollbacks() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == KindRollback {
			out = append(out, ev)
		}
	}
	return out
}
