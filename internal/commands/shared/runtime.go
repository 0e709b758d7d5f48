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

package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/serverctl/internal/config"
	"github.com/tombee/serverctl/internal/credentials"
	"github.com/tombee/serverctl/internal/events"
	"github.com/tombee/serverctl/internal/history"
	"github.com/tombee/serverctl/internal/lifecycle"
	"github.com/tombee/serverctl/internal/log"
	"github.com/tombee/serverctl/internal/poller"
	"github.com/tombee/serverctl/internal/polltask"
	"github.com/tombee/serverctl/internal/remote"
	"github.com/tombee/serverctl/internal/telemetry"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// historyBuffer is the queue size in front of the history store.
const historyBuffer = 256

// RuntimeOptions configures NewRuntime.
type RuntimeOptions struct {
	// Sinks receive every transition in addition to the log, metrics,
	// history and broadcaster.
	Sinks []events.Sink

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Runtime holds the collaborators shared by the controllers of one
// serverctl invocation.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Credentials *credentials.Store
	Telemetry   *telemetry.Provider
	Pool        *polltask.Pool
	Registry    *lifecycle.Registry
	Broadcaster *events.Broadcaster

	// History is nil when history is disabled.
	History *history.Store

	sink      events.Multi
	async     *events.Async
	executors []remote.Executor
	pollers   map[string]poller.Snapshotter
}

// LoadConfig loads the file named by --config, or the default config file
// when it exists.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	return config.Load(path)
}

// NewRuntime loads the configuration and wires logging, telemetry, the
// poll task pool and history.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
		Output:    opts.LogOutput,
	}
	logCfg.ApplyEnv()
	switch {
	case GetVerbose():
		logCfg.Level = "debug"
	case GetQuiet():
		logCfg.Level = "error"
	}
	logger := log.New(logCfg)

	v, _, _ := GetVersion()
	telemetryOpts := telemetry.Options{
		ServiceName:  "serverctl",
		Version:      v,
		StdoutTraces: cfg.Metrics.StdoutTraces,
		TraceWriter:  os.Stderr,
	}
	if otlp := cfg.Metrics.OTLP; otlp.Endpoint != "" {
		telemetryOpts.OTLP = &telemetry.OTLPOptions{
			Endpoint: otlp.Endpoint,
			Protocol: otlp.Protocol,
			Insecure: otlp.Insecure,
			Headers:  otlp.Headers,
		}
	}
	tp, err := telemetry.NewProvider(telemetryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &Runtime{
		Config:      cfg,
		Logger:      logger,
		Credentials: credentials.NewStore(),
		Telemetry:   tp,
		Pool: polltask.NewPool(cfg.Poll.MaxConcurrent,
			polltask.WithObserver(tp.Metrics()),
			polltask.WithLogger(log.WithComponent(logger, "polltask"))),
		Registry:    lifecycle.NewRegistry(),
		Broadcaster: events.NewBroadcaster(),
		pollers:     make(map[string]poller.Snapshotter),
	}
	rt.sink = events.Multi{events.NewEmitter(logger), tp.Metrics(), rt.Broadcaster}

	if !cfg.History.Disabled {
		store, err := history.Open(cfg.History.Path, log.WithComponent(logger, "history"))
		if err != nil {
			// A broken database only disables history.
			logger.Warn("history disabled", log.Error(err))
		} else {
			rt.History = store
			rt.async = events.NewAsync(store, historyBuffer)
			rt.sink = append(rt.sink, rt.async)
		}
	}
	rt.sink = append(rt.sink, opts.Sinks...)

	return rt, nil
}

// Attach builds the executor and poller for the named server, probes its
// current state, and attaches a controller for it.
func (r *Runtime) Attach(ctx context.Context, name string) (*lifecycle.Controller, error) {
	server, err := r.Config.Server(name)
	if err != nil {
		return nil, err
	}

	logger := log.WithServer(r.Logger, name)
	exec, err := remote.New(*server, r.Credentials, logger)
	if err != nil {
		return nil, err
	}

	p, err := poller.New(*server, exec, logger)
	if err != nil {
		exec.Close()
		return nil, err
	}

	ctrl, err := r.Registry.Attach(lifecycle.ServerHandle(name), lifecycle.Options{
		InitialState:         r.probe(ctx, server, p),
		Executor:             exec,
		Poller:               p,
		Pool:                 r.Pool,
		Policy:               r.policy(),
		Sink:                 r.sink,
		ErrorSink:            r.sink,
		Tracer:               r.Telemetry.Tracer("github.com/tombee/serverctl/internal/lifecycle"),
		Logger:               r.Logger,
		Workdir:              server.Workdir,
		StartCommand:         server.StartCommand,
		ShutdownCommand:      server.ShutdownCommand,
		ShutdownTimeout:      server.ShutdownTimeout,
		StartTimeout:         server.StartTimeout,
		StopTimeout:          server.StopTimeout,
		ConfirmStopByPolling: server.ConfirmStopByPolling,
	})
	if err != nil {
		exec.Close()
		return nil, err
	}
	r.executors = append(r.executors, exec)
	r.pollers[name] = p
	return ctrl, nil
}

// Observe takes one reading of an attached server without touching its
// controller.
func (r *Runtime) Observe(ctx context.Context, name string) (lifecycle.State, error) {
	p, ok := r.pollers[name]
	if !ok {
		return "", &sctlerrors.NotFoundError{Resource: "attached server", ID: name}
	}
	server, err := r.Config.Server(name)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout(server))
	defer cancel()

	state, err := p.Current(ctx)
	if err != nil {
		return lifecycle.StateStopped, err
	}
	if state == poller.Up {
		return lifecycle.StateStarted, nil
	}
	return lifecycle.StateStopped, nil
}

func probeTimeout(server *config.ServerConfig) time.Duration {
	if server.Poller.ProbeTimeout > 0 {
		return server.Poller.ProbeTimeout
	}
	return config.DefaultProbeTimeout
}

// policy consults the loaded configuration.
func (r *Runtime) policy() lifecycle.Policy {
	return lifecycle.PolicyFunc(func(h lifecycle.ServerHandle) bool {
		return r.Config.ShouldIgnoreShutdownCommand(string(h))
	})
}

// probe takes one reading of the server to choose the initial state.
// Anything but a clear UP counts as STOPPED.
func (r *Runtime) probe(ctx context.Context, server *config.ServerConfig, s poller.Snapshotter) lifecycle.State {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout(server))
	defer cancel()

	state, err := s.Current(ctx)
	if err != nil {
		r.Logger.Debug("initial probe failed", slog.String(log.ServerKey, server.Name), log.Error(err))
		return lifecycle.StateStopped
	}
	if state == poller.Up {
		return lifecycle.StateStarted
	}
	return lifecycle.StateStopped
}

// Close detaches every controller and flushes history and telemetry.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.Registry.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	r.Pool.Wait()
	for _, e := range r.executors {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.async != nil {
		r.async.Close()
	}
	if r.History != nil {
		if err := r.History.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.Broadcaster.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.Telemetry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
