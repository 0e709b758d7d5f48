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
	"sync"
	"sync/atomic"
)

// Multi forwards to several sinks in order. Rollbacks and errors reach
// only the sinks that accept them.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(t Transition) {
	for _, s := range m {
		s.Publish(t)
	}
}

// Rollback implements RollbackSink.
func (m Multi) Rollback(r Rollback) {
	for _, s := range m {
		if rs, ok := s.(RollbackSink); ok {
			rs.Rollback(r)
		}
	}
}

// Log implements ErrorSink.
func (m Multi) Log(server string, err error) {
	for _, s := range m {
		if es, ok := s.(ErrorSink); ok {
			es.Log(server, err)
		}
	}
}

// Async delivers to a slow sink from its own goroutine. Calls enqueue and
// return at once; when the queue is full the event is dropped.
type Async struct {
	target  Sink
	queue   chan func()
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts delivering to target with a queue of size buffer.
func NewAsync(target Sink, buffer int) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		target: target,
		queue:  make(chan func(), buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for fn := range a.queue {
		fn()
	}
}

func (a *Async) enqueue(fn func()) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- fn:
	default:
		a.dropped.Add(1)
	}
}

// Publish implements Sink.
func (a *Async) Publish(t Transition) {
	a.enqueue(func() { a.target.Publish(t) })
}

// Rollback implements RollbackSink.
func (a *Async) Rollback(r Rollback) {
	if rs, ok := a.target.(RollbackSink); ok {
		a.enqueue(func() { rs.Rollback(r) })
	}
}

// Log implements ErrorSink.
func (a *Async) Log(server string, err error) {
	if es, ok := a.target.(ErrorSink); ok {
		a.enqueue(func() { es.Log(server, err) })
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}
