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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/events"
	"github.com/tombee/serverctl/internal/lifecycle"
	"github.com/tombee/serverctl/internal/log"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	var (
		metricsAddr   string
		probeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use: "watch",
		Annotations: map[string]string{
			"group": "servers",
		},
		Short: "Watch managed servers and serve metrics",
		Long: `Attach every configured server, stream lifecycle events, and serve
Prometheus metrics until interrupted.

Every --probe-interval each server is probed once. A reading that
disagrees with the published state is reported as drift; the published
state is not changed.`,
		Example: `  # Serve metrics on :9464
  serverctl watch --metrics-addr :9464

  # Stream events as JSON lines
  serverctl watch --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, shared.RuntimeOptions{}, func(ctx context.Context, rt *shared.Runtime) error {
				if !cmd.Flags().Changed("metrics-addr") {
					metricsAddr = rt.Config.Metrics.Addr
				}
				return runWatch(ctx, cmd.OutOrStdout(), rt, metricsAddr, probeInterval)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics on (default: metrics.addr from config)")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", 30*time.Second, "How often to probe for drift (0 disables)")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, rt *shared.Runtime, metricsAddr string, probeInterval time.Duration) error {
	evs, unsubscribe := rt.Broadcaster.Subscribe(64)
	defer unsubscribe()

	var ctrls []*lifecycle.Controller
	for _, name := range rt.Config.ServerNames() {
		ctrl, err := rt.Attach(ctx, name)
		if err != nil {
			return err
		}
		ctrls = append(ctrls, ctrl)
	}
	if err := printStatuses(out, "watch", rt.Registry.Statuses(), nil); err != nil {
		return err
	}

	if metricsAddr != "" {
		stop, err := serveMetrics(rt, metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	var tick <-chan time.Time
	if probeInterval > 0 {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			printEvent(out, ev)
		case <-tick:
			for _, ctrl := range ctrls {
				checkDrift(ctx, out, rt, ctrl)
			}
		}
	}
}

// serveMetrics serves the telemetry handler and returns a function that
// shuts the server down.
func serveMetrics(rt *shared.Runtime, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Telemetry.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("metrics server failed", log.Error(err))
		}
	}()
	rt.Logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// checkDrift reports a settled server whose probe disagrees with its
// published state.
func checkDrift(ctx context.Context, out io.Writer, rt *shared.Runtime, ctrl *lifecycle.Controller) {
	st := ctrl.Status()
	if !st.Settled() || (st.State != lifecycle.StateStarted && st.State != lifecycle.StateStopped) {
		return
	}

	observed, err := rt.Observe(ctx, string(st.Server))
	if err != nil {
		rt.Logger.Debug("drift probe failed", slog.String(log.ServerKey, string(st.Server)), log.Error(err))
	}
	if observed == "" || observed == st.State {
		return
	}

	printEvent(out, events.Event{
		Kind:     events.KindError,
		Server:   string(st.Server),
		At:       time.Now(),
		Message:  fmt.Sprintf("published %s but probe reports %s", st.State, observed),
		Severity: sctlerrors.SeverityWarning.String(),
	})
}

func printEvent(out io.Writer, ev events.Event) {
	if shared.GetJSON() {
		_ = json.NewEncoder(out).Encode(ev)
		return
	}

	ts := shared.RenderLabel(ev.At.Format("15:04:05"))
	switch ev.Kind {
	case events.KindTransition:
		fmt.Fprintf(out, "%s %s %s -> %s\n", ts, ev.Server, shared.StateLabel(lifecycle.State(ev.From)), shared.RenderState(lifecycle.State(ev.To), false))
	case events.KindRollback:
		fmt.Fprintf(out, "%s %s\n", ts, shared.RenderWarn(fmt.Sprintf("%s rolled back to %s: %s", ev.Server, shared.StateLabel(lifecycle.State(ev.To)), ev.Message)))
	default:
		msg := fmt.Sprintf("%s: %s", ev.Server, ev.Message)
		if ev.Severity == sctlerrors.SeverityWarning.String() {
			fmt.Fprintf(out, "%s %s\n", ts, shared.RenderWarn(msg))
		} else {
			fmt.Fprintf(out, "%s %s\n", ts, shared.RenderError(msg))
		}
	}
}
