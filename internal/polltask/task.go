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

// Package polltask runs state polls in the background. A Task owns one
// in-flight poll and reports its outcome exactly once.
package polltask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/serverctl/internal/poller"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// CompletionFunc receives the final outcome of a task. It is called once
// per task, on the task's goroutine, after Done is closed.
type CompletionFunc func(task *Task, outcome poller.Outcome)

// Observer receives task lifecycle notifications, typically for metrics.
type Observer interface {
	TaskStarted(ctx context.Context, server string)
	TaskFinished(ctx context.Context, server, outcome string, elapsed time.Duration)
}

// Pool bounds the number of concurrently running poll tasks.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	active   atomic.Int64
	wg       sync.WaitGroup
	observer Observer
	logger   *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithObserver sets the task observer.
func WithObserver(o Observer) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// WithLogger sets the pool logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool that runs at most limit tasks at once.
func NewPool(limit int, opts ...PoolOption) *Pool {
	if limit < 1 {
		limit = 1
	}
	p := &Pool{
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  limit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs sp for intent on a new goroutine and returns immediately.
// It fails only when no execution slot is free.
func (p *Pool) Start(ctx context.Context, intent poller.Intent, sp poller.StatePoller, onComplete CompletionFunc) (*Task, error) {
	if !p.sem.TryAcquire(1) {
		return nil, &sctlerrors.ResourceExhaustedError{Resource: "poll tasks", Limit: p.limit}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:      uuid.NewString(),
		intent:  intent,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.active.Add(1)
	p.wg.Add(1)
	if p.observer != nil {
		p.observer.TaskStarted(ctx, intent.Server)
	}
	p.logger.Debug("poll task started",
		slog.String("server", intent.Server),
		slog.String("task_id", t.id),
		slog.String("expected", intent.Expected.String()),
		slog.Duration("deadline", intent.Deadline))

	go p.run(taskCtx, t, sp, onComplete)
	return t, nil
}

func (p *Pool) run(ctx context.Context, t *Task, sp poller.StatePoller, onComplete CompletionFunc) {
	defer p.wg.Done()

	out := p.poll(ctx, t, sp)
	t.cancel()

	p.active.Add(-1)
	p.sem.Release(1)

	elapsed := time.Since(t.started)
	if p.observer != nil {
		p.observer.TaskFinished(context.Background(), t.intent.Server, out.Kind.String(), elapsed)
	}
	p.logger.Debug("poll task finished",
		slog.String("server", t.intent.Server),
		slog.String("task_id", t.id),
		slog.String("outcome", out.Kind.String()),
		slog.Int64("duration_ms", elapsed.Milliseconds()))

	t.finish(out, onComplete)
}

// poll runs the poller, converting a panic into a timeout outcome so the
// completion still fires.
func (p *Pool) poll(ctx context.Context, t *Task, sp poller.StatePoller) (out poller.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poller panicked",
				slog.String("server", t.intent.Server),
				slog.String("task_id", t.id),
				slog.Any("panic", r))
			out = poller.Outcome{Kind: poller.Timeout, Err: fmt.Errorf("poller panic: %v", r)}
		}
	}()
	return sp.Poll(ctx, t.intent.Expected, t.intent.Deadline)
}

// Active returns the number of running tasks.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Limit returns the pool capacity.
func (p *Pool) Limit() int {
	return p.limit
}

// Wait blocks until every started task has completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Task is one in-flight poll.
type Task struct {
	id      string
	intent  poller.Intent
	started time.Time
	cancel  context.CancelFunc

	once    sync.Once
	done    chan struct{}
	outcome poller.Outcome
}

// ID returns the unique task identifier.
func (t *Task) ID() string { return t.id }

// Intent returns the poll intent the task was started with.
func (t *Task) Intent() poller.Intent { return t.intent }

// Started returns when the task was started.
func (t *Task) Started() time.Time { return t.started }

// Cancel asks the poll to stop. It never blocks and is a no-op once the
// task has completed.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once the outcome is latched and the poll goroutine no
// longer touches the poller.
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome returns the latched outcome and whether the task has completed.
func (t *Task) Outcome() (poller.Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return poller.Outcome{}, false
	}
}

// finish latches out and fires onComplete. Later calls are ignored.
func (t *Task) finish(out poller.Outcome, onComplete CompletionFunc) {
	t.once.Do(func() {
		t.outcome = out
		close(t.done)
		if onComplete != nil {
			onComplete(t, out)
		}
	})
}
