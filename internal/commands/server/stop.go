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
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/completion"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/lifecycle"
)

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var (
		force   bool
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use: "stop <server>",
		Annotations: map[string]string{
			"group": "servers",
		},
		Short: "Stop a managed server",
		Long: `Stop a managed server.

A graceful stop runs the server's shutdown command and reports STOPPED only
if it succeeds. If the command fails or times out the server is reported as
STARTED again and the command exits with status 1.

Servers with ignore_shutdown_command skip the command; with
confirm_stop_by_polling they are reported STOPPED once the poller sees the
server down (use --wait to wait for that).

Use --force to report the server STOPPED immediately without running
anything.`,
		Example: `  # Graceful stop through the shutdown command
  serverctl stop wildfly-1

  # Mark the server stopped without contacting it
  serverctl stop wildfly-1 --force`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteServers,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, shared.RuntimeOptions{}, func(ctx context.Context, rt *shared.Runtime) error {
				return runStop(cmd, rt, args[0], force, wait, timeout)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Report the server stopped without running the shutdown command")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for poll confirmation when the shutdown command is skipped")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Maximum time to wait (default: the server's stop_timeout)")

	return cmd
}

func runStop(cmd *cobra.Command, rt *shared.Runtime, name string, force, wait bool, timeout time.Duration) error {
	ctx := cmd.Context()
	ctrl, err := rt.Attach(ctx, name)
	if err != nil {
		return err
	}

	stopErr := ctrl.Stop(ctx, force)
	st := ctrl.Status()
	if stopErr == nil && wait && !st.Settled() {
		st, stopErr = awaitConfirmation(ctx, ctrl, lifecycle.StateStopped, timeout)
	}

	if shared.GetJSON() {
		if err := printStatuses(cmd.OutOrStdout(), "stop", []lifecycle.Status{st}, stopErr); err != nil {
			return err
		}
		return stopErr
	}
	if stopErr != nil {
		if !shared.GetQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderWarn(name + " is " + shared.StateLabel(st.State)))
		}
		return stopErr
	}
	if !shared.GetQuiet() {
		if st.State == lifecycle.StateStopped {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(name + " stopped"))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderInfo(name + " is " + shared.StateLabel(st.State)))
		}
	}
	return nil
}
