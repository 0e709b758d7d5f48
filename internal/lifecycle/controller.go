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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/tombee/serverctl/internal/events"
	"github.com/tombee/serverctl/internal/log"
	"github.com/tombee/serverctl/internal/poller"
	"github.com/tombee/serverctl/internal/polltask"
	"github.com/tombee/serverctl/internal/remote"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStartTimeout    = 5 * time.Minute
	DefaultStopTimeout     = 2 * time.Minute
)

// Options configures a Controller.
type Options struct {
	// InitialState is the state on attach. Defaults to STOPPED.
	InitialState State

	// Executor runs the start and shutdown commands.
	Executor remote.Executor

	// Poller confirms transitions. Required.
	Poller poller.StatePoller

	// Pool runs poll tasks. Required.
	Pool *polltask.Pool

	// Policy decides whether the shutdown command is skipped. Nil never skips.
	Policy Policy

	// Sink receives published transitions. If it also implements
	// events.RollbackSink it receives rollbacks. Defaults to an Emitter.
	Sink events.Sink

	// ErrorSink receives failures and warnings. Defaults to an Emitter.
	ErrorSink events.ErrorSink

	Tracer trace.Tracer
	Logger *slog.Logger

	// Workdir is the directory commands run in.
	Workdir string

	// StartCommand is launched without waiting on start. Empty skips it.
	StartCommand string

	// ShutdownCommand is run to completion on graceful stop.
	ShutdownCommand string

	// ShutdownTimeout bounds every command.
	ShutdownTimeout time.Duration

	// StartTimeout is the deadline for the UP poll after a start.
	StartTimeout time.Duration

	// StopTimeout is the deadline for the DOWN poll when a stop without
	// shutdown command is confirmed by polling.
	StopTimeout time.Duration

	// ConfirmStopByPolling waits for DOWN before publishing STOPPED when
	// the shutdown command is skipped.
	ConfirmStopByPolling bool
}

func (o *Options) applyDefaults() {
	if o.InitialState == "" {
		o.InitialState = StateStopped
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil || o.ErrorSink == nil {
		emitter := events.NewEmitter(o.Logger)
		if o.Sink == nil {
			o.Sink = emitter
		}
		if o.ErrorSink == nil {
			o.ErrorSink = emitter
		}
	}
	if o.Policy == nil {
		o.Policy = PolicyFunc(func(ServerHandle) bool { return false })
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/tombee/serverctl/internal/lifecycle")
	}
}

type op int

const (
	opStart op = iota
	opStop
	opKill
)

func (o op) String() string {
	switch o {
	case opStart:
		return "start"
	case opStop:
		return "stop"
	default:
		return "kill"
	}
}

// request is a caller intent.
type request struct {
	ctx   context.Context
	op    op
	reply chan error
}

// completion is sent by a finished poll task.
type completion struct {
	taskID   string
	expected poller.Expected
	outcome  poller.Outcome
}

// await asks for the status once no poll task is outstanding.
type await struct {
	reply chan Status
}

// Controller drives one server. All state lives on the mailbox goroutine;
// State and Status read a snapshot it publishes.
type Controller struct {
	handle ServerHandle
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mailbox   chan any
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	status atomic.Pointer[Status]

	// owned by the mailbox goroutine
	machine     *fsm.FSM
	active      *polltask.Task
	startFailed bool
	lastErr     error
	since       time.Time
	waiters     []chan Status
}

var _ Behaviour = (*Controller)(nil)

// New creates a controller for handle and starts its mailbox goroutine.
func New(handle ServerHandle, opts Options) (*Controller, error) {
	if handle == "" {
		return nil, &sctlerrors.ValidationError{Field: "handle", Message: "server handle is required"}
	}
	if opts.Poller == nil {
		return nil, &sctlerrors.ValidationError{Field: "poller", Message: "a state poller is required"}
	}
	if opts.Pool == nil {
		return nil, &sctlerrors.ValidationError{Field: "pool", Message: "a poll task pool is required"}
	}
	opts.applyDefaults()
	if _, err := ParseState(string(opts.InitialState)); err != nil {
		return nil, &sctlerrors.ValidationError{Field: "initial_state", Message: err.Error()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		handle:  handle,
		opts:    opts,
		logger:  log.WithServer(log.WithComponent(opts.Logger, "lifecycle"), string(handle)),
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan any),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		since:   time.Now(),
	}

	c.machine = fsm.NewFSM(
		string(opts.InitialState),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateStopped), string(StateStopping)}, Dst: string(StateStarting)},
			{Name: eventStarted, Src: []string{string(StateStarting)}, Dst: string(StateStarted)},
			{Name: eventStop, Src: []string{string(StateStarting), string(StateStarted), string(StateStopping), string(StateStopped)}, Dst: string(StateStopping)},
			{Name: eventStopped, Src: []string{string(StateStopping)}, Dst: string(StateStopped)},
			{Name: eventKill, Src: []string{string(StateStarting), string(StateStarted), string(StateStopping), string(StateStopped)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.publish(e)
			},
		},
	)
	c.snapshot()

	go c.run()
	return c, nil
}

// Handle returns the server handle.
func (c *Controller) Handle() ServerHandle { return c.handle }

// State returns the current published state. It never blocks.
func (c *Controller) State() State {
	return c.status.Load().State
}

// Status returns the latest status snapshot. It never blocks.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Start requests a transition to STARTING and starts polling for UP. It
// returns once the start command was launched and the poll started; use
// Await to wait for the outcome.
func (c *Controller) Start(ctx context.Context) error {
	return c.request(ctx, opStart)
}

// Stop requests a stop. A graceful stop runs the shutdown command and
// returns its result; a forced stop publishes STOPPED immediately.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	if force {
		return c.request(ctx, opKill)
	}
	return c.request(ctx, opStop)
}

// Await blocks until no poll task is outstanding and returns the status at
// that point.
func (c *Controller) Await(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := c.send(ctx, await{reply: reply}); err != nil {
		return c.Status(), err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

// Close cancels the outstanding poll task, waits for it, and stops the
// mailbox goroutine. Later requests fail with ErrClosed.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.stopped
		c.cancel()
	})
	return nil
}

func (c *Controller) request(ctx context.Context, o op) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, request{ctx: ctx, op: o, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) send(ctx context.Context, msg any) error {
	select {
	case <-c.stopped:
		return ErrClosed
	default:
	}
	select {
	case c.mailbox <- msg:
		return nil
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case msg := <-c.mailbox:
			switch m := msg.(type) {
			case request:
				m.reply <- c.dispatch(m)
			case completion:
				c.complete(m)
			case await:
				c.waiters = append(c.waiters, m.reply)
			}
			c.settle()
		case <-c.quit:
			c.supersede()
			c.settle()
			return
		}
	}
}

func (c *Controller) dispatch(req request) (err error) {
	ctx, span := c.opts.Tracer.Start(req.ctx, "lifecycle."+req.op.String(),
		trace.WithAttributes(
			attribute.String("server.name", string(c.handle)),
			attribute.String("server.state", c.machine.Current()),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("server.state.after", c.machine.Current()))
		span.End()
	}()

	c.logger.Debug("request received", slog.String(log.EventKey, req.op.String()), slog.String(log.StateKey, c.machine.Current()))

	switch req.op {
	case opStart:
		return c.start(ctx)
	case opStop:
		return c.stop(ctx)
	default:
		return c.kill()
	}
}

func (c *Controller) start(ctx context.Context) error {
	prev := c.current()
	retry := prev == StateStarting && c.startFailed
	if !retry && !c.machine.Can(eventStart) {
		return &TransitionError{Server: c.handle, Request: "start", State: prev}
	}

	c.supersede()
	c.startFailed = false
	if !retry {
		c.fire(eventStart, "")
	}

	if c.opts.StartCommand != "" {
		if err := c.execute(ctx, c.opts.StartCommand, false); err != nil {
			c.abortStart(prev, retry, err)
			return err
		}
	}

	if err := c.poll(poller.Up, c.opts.StartTimeout); err != nil {
		c.abortStart(prev, retry, err)
		return err
	}
	return nil
}

// abortStart reports err and restores the state from before the start.
func (c *Controller) abortStart(prev State, retry bool, err error) {
	c.report(err)
	if retry {
		c.startFailed = true
		return
	}
	c.rollback(prev, err)
	if prev == StateStarting {
		c.startFailed = true
	}
}

func (c *Controller) stop(ctx context.Context) error {
	c.supersede()
	c.startFailed = false
	c.fire(eventStop, "")

	if c.opts.Policy.ShouldIgnoreShutdownCommand(c.handle) {
		c.logger.Debug("shutdown command skipped by policy")
		if !c.opts.ConfirmStopByPolling {
			c.fire(eventStopped, "")
			return nil
		}
		if err := c.poll(poller.Down, c.opts.StopTimeout); err != nil {
			c.report(err)
			c.rollback(StateStarted, err)
			return err
		}
		return nil
	}

	if err := c.execute(ctx, c.opts.ShutdownCommand, true); err != nil {
		c.report(err)
		c.rollback(StateStarted, err)
		return err
	}
	c.fire(eventStopped, "")
	return nil
}

func (c *Controller) kill() error {
	c.supersede()
	c.startFailed = false
	c.fire(eventKill, "")
	return nil
}

// execute runs command and converts any failure into a CommandError.
func (c *Controller) execute(ctx context.Context, command string, wait bool) error {
	if command == "" {
		return &sctlerrors.CommandError{
			Server:   string(c.handle),
			ExitCode: -1,
			Cause:    errors.New("no command configured"),
		}
	}
	if c.opts.Executor == nil {
		return &sctlerrors.CommandError{
			Server:   string(c.handle),
			Command:  command,
			ExitCode: -1,
			Cause:    errors.New("no command executor configured"),
		}
	}

	started := time.Now()
	err := c.opts.Executor.Execute(ctx, remote.Request{
		Dir:     c.opts.Workdir,
		Command: command,
		Timeout: c.opts.ShutdownTimeout,
		Wait:    wait,
	})
	c.logger.Debug("command finished",
		slog.String("command", command),
		slog.Bool("wait", wait),
		log.Duration(log.DurationKey, time.Since(started).Milliseconds()),
		slog.Bool("ok", err == nil))
	if err == nil {
		return nil
	}

	var cmdErr *sctlerrors.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Server == "" {
			cmdErr.Server = string(c.handle)
		}
		return cmdErr
	}
	return &sctlerrors.CommandError{Server: string(c.handle), Command: command, ExitCode: -1, Cause: err}
}

// poll starts the task that confirms the current transition.
func (c *Controller) poll(expected poller.Expected, deadline time.Duration) error {
	intent := poller.Intent{Server: string(c.handle), Expected: expected, Deadline: deadline}
	task, err := c.opts.Pool.Start(c.ctx, intent, c.opts.Poller, c.deliver)
	if err != nil {
		return err
	}
	c.active = task
	c.logger.Debug("poll started", slog.String(log.TaskIDKey, task.ID()), slog.String(log.ExpectedKey, expected.String()))
	return nil
}

// deliver runs on the task goroutine and hands the outcome to the mailbox.
func (c *Controller) deliver(task *polltask.Task, out poller.Outcome) {
	msg := completion{taskID: task.ID(), expected: task.Intent().Expected, outcome: out}
	select {
	case c.mailbox <- msg:
	case <-c.stopped:
	}
}

// supersede cancels the outstanding task and waits until it has finished.
// Its completion message, if still queued, no longer matches and is dropped.
func (c *Controller) supersede() {
	if c.active == nil {
		return
	}
	task := c.active
	task.Cancel()
	<-task.Done()
	c.active = nil
	c.logger.Debug("poll superseded", slog.String(log.TaskIDKey, task.ID()))
}

func (c *Controller) complete(m completion) {
	if c.active == nil || c.active.ID() != m.taskID {
		log.Trace(c.logger, "stale completion discarded",
			slog.String(log.TaskIDKey, m.taskID),
			slog.String("outcome", m.outcome.Kind.String()))
		return
	}
	c.active = nil

	switch m.outcome.Kind {
	case poller.Success:
		if m.expected == poller.Up {
			c.fire(eventStarted, m.taskID)
		} else {
			c.fire(eventStopped, m.taskID)
		}
	case poller.Timeout:
		if m.expected == poller.Up {
			c.startFailed = true
		}
		c.report(&sctlerrors.PollTimeoutError{
			Server:   string(c.handle),
			Expected: m.expected.String(),
			Deadline: c.deadlineFor(m.expected),
			Cause:    m.outcome.Err,
		})
	case poller.Cancelled:
		c.logger.Debug("poll cancelled", slog.String(log.TaskIDKey, m.taskID))
	}
}

func (c *Controller) deadlineFor(expected poller.Expected) time.Duration {
	if expected == poller.Up {
		return c.opts.StartTimeout
	}
	return c.opts.StopTimeout
}

// fire runs an fsm event. Events to the current state publish nothing.
func (c *Controller) fire(event, taskID string) {
	var err error
	if taskID != "" {
		err = c.machine.Event(context.Background(), event, taskID)
	} else {
		err = c.machine.Event(context.Background(), event)
	}
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		c.logger.Error("state machine rejected event",
			slog.String(log.EventKey, event),
			slog.String(log.StateKey, c.machine.Current()),
			log.Error(err))
	}
}

// publish is the fsm enter_state callback.
func (c *Controller) publish(e *fsm.Event) {
	t := events.Transition{
		Server: string(c.handle),
		From:   e.Src,
		To:     e.Dst,
		At:     time.Now(),
	}
	if len(e.Args) > 0 {
		if id, ok := e.Args[0].(string); ok {
			t.TaskID = id
		}
	}
	c.since = t.At
	c.snapshot()
	c.logger.Info("state changed", slog.String("from", e.Src), slog.String(log.StateKey, e.Dst))
	c.opts.Sink.Publish(t)
}

// rollback restores to without publishing a transition.
func (c *Controller) rollback(to State, cause error) {
	from := c.current()
	if from == to {
		return
	}
	c.machine.SetState(string(to))
	c.since = time.Now()
	c.snapshot()
	c.logger.Warn("state rolled back", slog.String("from", string(from)), slog.String(log.StateKey, string(to)))
	if rs, ok := c.opts.Sink.(events.RollbackSink); ok {
		rs.Rollback(events.Rollback{
			Server: string(c.handle),
			From:   string(from),
			To:     string(to),
			At:     c.since,
			Cause:  cause,
		})
	}
}

// report sends err to the error sink and records it in the status.
func (c *Controller) report(err error) {
	c.lastErr = err
	c.opts.ErrorSink.Log(string(c.handle), err)
}

func (c *Controller) current() State {
	return State(c.machine.Current())
}

// snapshot stores the status read by State and Status.
func (c *Controller) snapshot() *Status {
	st := &Status{
		Server:      c.handle,
		State:       c.current(),
		Since:       c.since,
		StartFailed: c.startFailed,
	}
	if c.active != nil {
		st.ActiveTaskID = c.active.ID()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.status.Store(st)
	return st
}

// settle stores the status and answers waiters if no task is outstanding.
func (c *Controller) settle() {
	st := c.snapshot()
	if c.active != nil {
		return
	}
	for _, w := range c.waiters {
		w <- *st
	}
	c.waiters = nil
}

// String implements fmt.Stringer.
func (c *Controller) String() string {
	return fmt.Sprintf("controller(%s)", c.handle)
}
