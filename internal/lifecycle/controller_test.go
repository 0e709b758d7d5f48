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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/serverctl/internal/events"
	"github.com/tombee/serverctl/internal/log"
	"github.com/tombee/serverctl/internal/poller"
	"github.com/tombee/serverctl/internal/polltask"
	"github.com/tombee/serverctl/internal/remote"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// fakeExecutor records every request and returns err.
type fakeExecutor struct {
	mu    sync.Mutex
	reqs  []remote.Request
	err   error
	block chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, req remote.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeExecutor) Close() error { return nil }

func (f *fakeExecutor) Requests() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.reqs...)
}

// scriptedPoller blocks each poll until an outcome is sent on results or
// the poll is cancelled. It tracks how many polls run at once.
type scriptedPoller struct {
	results chan poller.Outcome

	// onCancel is returned when the poll is cancelled.
	onCancel poller.OutcomeKind

	// succeedAfter, if set, reports success after that long.
	succeedAfter time.Duration

	mu         sync.Mutex
	running    int
	maxRunning int
	calls      int
	expected   []poller.Expected
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{results: make(chan poller.Outcome), onCancel: poller.Cancelled}
}

func (p *scriptedPoller) Poll(ctx context.Context, expected poller.Expected, _ time.Duration) poller.Outcome {
	p.mu.Lock()
	p.running++
	p.calls++
	p.expected = append(p.expected, expected)
	if p.running > p.maxRunning {
		p.maxRunning = p.running
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	var auto <-chan time.Time
	if p.succeedAfter > 0 {
		auto = time.After(p.succeedAfter)
	}

	select {
	case out := <-p.results:
		return out
	case <-auto:
		return poller.Outcome{Kind: poller.Success, ObservedAt: time.Now()}
	case <-ctx.Done():
		return poller.Outcome{Kind: p.onCancel, Err: ctx.Err()}
	}
}

func (p *scriptedPoller) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedPoller) Expected() []poller.Expected {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]poller.Expected(nil), p.expected...)
}

func (p *scriptedPoller) MaxRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRunning
}

type fixture struct {
	ctrl   *Controller
	exec   *fakeExecutor
	poller *scriptedPoller
	pool   *polltask.Pool
	rec    *events.Recorder
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		exec:   &fakeExecutor{},
		poller: newScriptedPoller(),
		pool:   polltask.NewPool(4, polltask.WithLogger(log.Discard())),
		rec:    &events.Recorder{},
	}
	opts := Options{
		Executor:        f.exec,
		Poller:          f.poller,
		Pool:            f.pool,
		Sink:            f.rec,
		ErrorSink:       f.rec,
		Logger:          log.Discard(),
		ShutdownCommand: "bin/jboss-cli.sh --connect command=:shutdown",
		Workdir:         "/opt/wildfly",
	}
	if mutate != nil {
		mutate(&opts)
	}

	ctrl, err := New("wf1", opts)
	require.NoError(t, err)
	f.ctrl = ctrl
	t.Cleanup(func() {
		ctrl.Close()
		f.pool.Wait()
	})
	return f
}

func (f *fixture) awaitSettled(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := f.ctrl.Await(ctx)
	require.NoError(t, err)
	return st
}

func (f *fixture) waitForTask(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ctrl.Status().ActiveTaskID != ""
	}, 2*time.Second, time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	pool := polltask.NewPool(1)
	p := newScriptedPoller()

	_, err := New("", Options{Poller: p, Pool: pool})
	assert.Error(t, err)

	_, err = New("wf1", Options{Pool: pool})
	var verr *sctlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "poller", verr.Field)

	_, err = New("wf1", Options{Poller: p})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "pool", verr.Field)

	_, err = New("wf1", Options{Poller: p, Pool: pool, InitialState: "RUNNING"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "initial_state", verr.Field)
}

func TestController_InitialState(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, StateStopped, f.ctrl.State())

	g := newFixture(t, func(o *Options) { o.InitialState = StateStarted })
	st := g.ctrl.Status()
	assert.Equal(t, StateStarted, st.State)
	assert.Equal(t, ServerHandle("wf1"), st.Server)
	assert.True(t, st.Settled())
}

func TestController_StartConfirmedByPoll(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StartCommand = "bin/standalone.sh" })
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	assert.Equal(t, StateStarting, f.ctrl.State())

	reqs := f.exec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "bin/standalone.sh", reqs[0].Command)
	assert.Equal(t, "/opt/wildfly", reqs[0].Dir)
	assert.False(t, reqs[0].Wait)

	f.waitForTask(t)
	taskID := f.ctrl.Status().ActiveTaskID
	f.poller.results <- poller.Outcome{Kind: poller.Success, ObservedAt: time.Now()}

	st := f.awaitSettled(t)
	assert.Equal(t, StateStarted, st.State)
	assert.False(t, st.StartFailed)
	assert.Equal(t, []string{"STARTING", "STARTED"}, f.rec.States())

	evs := f.rec.Events()
	assert.Equal(t, taskID, evs[1].TaskID)
	assert.Equal(t, "STARTING", evs[1].From)
	assert.Equal(t, []poller.Expected{poller.Up}, f.poller.Expected())
}

func TestController_StartTimeoutKeepsStarting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	f.waitForTask(t)
	f.poller.results <- poller.Outcome{Kind: poller.Timeout, Err: errors.New("connection refused")}

	st := f.awaitSettled(t)
	assert.Equal(t, StateStarting, st.State)
	assert.True(t, st.StartFailed)
	assert.Contains(t, st.LastError, "did not reach state up")
	assert.Equal(t, []string{"STARTING"}, f.rec.States())

	errs := f.rec.Errors()
	require.Len(t, errs, 1)
	var timeout *sctlerrors.PollTimeoutError
	require.ErrorAs(t, errs[0], &timeout)
	assert.Equal(t, sctlerrors.SeverityWarning, sctlerrors.SeverityOf(errs[0]))

	// A failed start may be retried without republishing STARTING.
	require.NoError(t, f.ctrl.Start(ctx))
	f.waitForTask(t)
	assert.False(t, f.ctrl.Status().StartFailed)
	f.poller.results <- poller.Outcome{Kind: poller.Success}

	st = f.awaitSettled(t)
	assert.Equal(t, StateStarted, st.State)
	assert.Equal(t, []string{"STARTING", "STARTED"}, f.rec.States())
}

func TestController_StartRejectedWhenRunning(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InitialState = StateStarted })

	err := f.ctrl.Start(context.Background())
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateStarted, terr.State)
	assert.Empty(t, f.rec.Events())

	g := newFixture(t, nil)
	require.NoError(t, g.ctrl.Start(context.Background()))
	assert.ErrorIs(t, g.ctrl.Start(context.Background()), ErrInvalidTransition)
}

func TestController_StartCommandFailureRollsBack(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StartCommand = "bin/standalone.sh" })
	f.exec.err = errors.New("permission denied")

	err := f.ctrl.Start(context.Background())
	var cmdErr *sctlerrors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "wf1", cmdErr.Server)

	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Equal(t, []string{"STARTING"}, f.rec.States())
	require.Len(t, f.rec.Rollbacks(), 1)
	assert.Equal(t, "STOPPED", f.rec.Rollbacks()[0].To)
	assert.Len(t, f.rec.Errors(), 1)
	assert.Zero(t, f.poller.Calls())
}

func TestController_StartPoolExhausted(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Pool = polltask.NewPool(1) })

	// Occupy the only slot.
	blocker := newScriptedPoller()
	_, err := f.ctrl.opts.Pool.Start(context.Background(), poller.Intent{Server: "other"}, blocker, nil)
	require.NoError(t, err)
	defer func() { blocker.results <- poller.Outcome{Kind: poller.Success} }()

	err = f.ctrl.Start(context.Background())
	var exhausted *sctlerrors.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)

	assert.Equal(t, StateStopped, f.ctrl.State())
	require.Len(t, f.rec.Errors(), 1)
	assert.ErrorAs(t, f.rec.Errors()[0], &exhausted)
}

// Graceful stop whose command fails: STARTED remains, one error is logged.
func TestController_GracefulStopRollback(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InitialState = StateStarted })
	f.exec.err = errors.New("auth failed")

	err := f.ctrl.Stop(context.Background(), false)
	var cmdErr *sctlerrors.CommandError
	require.ErrorAs(t, err, &cmdErr)

	assert.Equal(t, StateStarted, f.ctrl.State())
	assert.Equal(t, []string{"STOPPING"}, f.rec.States())

	errs := f.rec.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "auth failed")

	rollbacks := f.rec.Rollbacks()
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "STOPPING", rollbacks[0].From)
	assert.Equal(t, "STARTED", rollbacks[0].To)
	assert.Contains(t, rollbacks[0].Message, "auth failed")

	reqs := f.exec.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Wait)
	assert.Equal(t, DefaultShutdownTimeout, reqs[0].Timeout)
	assert.Zero(t, f.poller.Calls())
	assert.Contains(t, f.ctrl.Status().LastError, "auth failed")
}

func TestController_GracefulStopSuccess(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.InitialState = StateStarted
		o.ShutdownTimeout = 3 * time.Second
	})

	require.NoError(t, f.ctrl.Stop(context.Background(), false))
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Equal(t, []string{"STOPPING", "STOPPED"}, f.rec.States())
	assert.Empty(t, f.rec.Errors())

	reqs := f.exec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "bin/jboss-cli.sh --connect command=:shutdown", reqs[0].Command)
	assert.Equal(t, 3*time.Second, reqs[0].Timeout)
	assert.Zero(t, f.poller.Calls())
}

func TestController_GracefulStopWithoutCommand(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.InitialState = StateStarted
		o.ShutdownCommand = ""
	})

	err := f.ctrl.Stop(context.Background(), false)
	var cmdErr *sctlerrors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, StateStarted, f.ctrl.State())
	assert.Empty(t, f.exec.Requests())
}

func TestController_ForcedStop(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InitialState = StateStarted })

	require.NoError(t, f.ctrl.Stop(context.Background(), true))
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Equal(t, []string{"STOPPED"}, f.rec.States())
	assert.Empty(t, f.exec.Requests())
	assert.Zero(t, f.poller.Calls())
	assert.Zero(t, f.pool.Active())
	assert.Empty(t, f.rec.Errors())

	// Already stopped: nothing more is published.
	require.NoError(t, f.ctrl.Stop(context.Background(), true))
	assert.Equal(t, []string{"STOPPED"}, f.rec.States())
}

func TestController_IgnoreShutdownCommandPolicy(t *testing.T) {
	var asked []ServerHandle
	f := newFixture(t, func(o *Options) {
		o.InitialState = StateStarted
		o.Policy = PolicyFunc(func(h ServerHandle) bool {
			asked = append(asked, h)
			return true
		})
	})

	require.NoError(t, f.ctrl.Stop(context.Background(), false))
	assert.Equal(t, []string{"STOPPING", "STOPPED"}, f.rec.States())
	assert.Empty(t, f.exec.Requests())
	assert.Equal(t, []ServerHandle{"wf1"}, asked)
	assert.Zero(t, f.poller.Calls())
}

func TestController_IgnorePolicyConfirmedByPolling(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.InitialState = StateStarted
		o.Policy = PolicyFunc(func(ServerHandle) bool { return true })
		o.ConfirmStopByPolling = true
	})

	require.NoError(t, f.ctrl.Stop(context.Background(), false))
	assert.Equal(t, StateStopping, f.ctrl.State())
	f.waitForTask(t)

	f.poller.results <- poller.Outcome{Kind: poller.Success}
	st := f.awaitSettled(t)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, []string{"STOPPING", "STOPPED"}, f.rec.States())
	assert.Equal(t, []poller.Expected{poller.Down}, f.poller.Expected())
	assert.Empty(t, f.exec.Requests())
}

func TestController_StopPollTimeoutIsWarning(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.InitialState = StateStarted
		o.Policy = PolicyFunc(func(ServerHandle) bool { return true })
		o.ConfirmStopByPolling = true
	})

	require.NoError(t, f.ctrl.Stop(context.Background(), false))
	f.waitForTask(t)
	f.poller.results <- poller.Outcome{Kind: poller.Timeout}

	st := f.awaitSettled(t)
	assert.Equal(t, StateStopping, st.State)
	assert.False(t, st.StartFailed)
	require.Len(t, f.rec.Errors(), 1)
	assert.Equal(t, sctlerrors.SeverityWarning, sctlerrors.SeverityOf(f.rec.Errors()[0]))
}

func TestController_StopSupersedesStartPoll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	f.waitForTask(t)

	require.NoError(t, f.ctrl.Stop(ctx, true))
	st := f.awaitSettled(t)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, []string{"STARTING", "STOPPED"}, f.rec.States())
	assert.Empty(t, f.rec.Errors())
	assert.Zero(t, f.pool.Active())
}

// A superseded poll that reports success anyway must not publish.
func TestController_SupersededOutcomeDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.poller.onCancel = poller.Success
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	f.waitForTask(t)
	require.NoError(t, f.ctrl.Stop(ctx, true))

	// The stale completion has been handed to the mailbox once the pool
	// is idle; Await queues behind it.
	f.pool.Wait()
	st := f.awaitSettled(t)

	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, []string{"STARTING", "STOPPED"}, f.rec.States())
}

func TestController_StatusWhileCommandRuns(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, func(o *Options) { o.InitialState = StateStarted })
	f.exec.block = block

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Stop(context.Background(), false) }()

	require.Eventually(t, func() bool { return len(f.exec.Requests()) == 1 }, 2*time.Second, time.Millisecond)
	// State reads never wait for the mailbox.
	assert.Equal(t, StateStopping, f.ctrl.State())

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, f.ctrl.State())
}

func TestController_RequestContextCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, func(o *Options) { o.InitialState = StateStarted })
	f.exec.block = block

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Either the reply or the caller's deadline wins; both carry it.
	err := f.ctrl.Stop(ctx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The command saw the same context and failed, so the stop rolled back.
	require.Eventually(t, func() bool {
		return len(f.rec.Rollbacks()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateStarted, f.ctrl.State())
}

func TestController_Close(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	f.waitForTask(t)

	require.NoError(t, f.ctrl.Close())
	require.NoError(t, f.ctrl.Close())
	f.pool.Wait()

	assert.ErrorIs(t, f.ctrl.Start(ctx), ErrClosed)
	assert.ErrorIs(t, f.ctrl.Stop(ctx, true), ErrClosed)
	_, err := f.ctrl.Await(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateStarting, f.ctrl.State())
	assert.True(t, f.ctrl.Status().Settled())
}

func TestParseState(t *testing.T) {
	for _, st := range States {
		got, err := ParseState(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseState("RUNNING")
	assert.Error(t, err)
}
