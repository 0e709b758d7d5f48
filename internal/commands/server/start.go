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

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use: "start <server>",
		Annotations: map[string]string{
			"group": "servers",
		},
		Short: "Start a managed server",
		Long: `Start a managed server and confirm it came up.

The configured start command is launched in the background, then the
server's poller waits for it to report UP. Without --wait the command
returns once the start was issued.

Exit codes: 0 started, 1 failed, 2 unknown server or invalid state,
3 not confirmed before the start timeout.`,
		Example: `  # Start and wait until the server is up
  serverctl start wildfly-1 --wait

  # Bound the wait independently of start_timeout
  serverctl start wildfly-1 --wait --timeout 2m`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteServers,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, shared.RuntimeOptions{}, func(ctx context.Context, rt *shared.Runtime) error {
				return runStart(cmd, rt, args[0], wait, timeout)
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the server is confirmed up")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Maximum time to wait (default: the server's start_timeout)")

	return cmd
}

func runStart(cmd *cobra.Command, rt *shared.Runtime, name string, wait bool, timeout time.Duration) error {
	ctx := cmd.Context()
	ctrl, err := rt.Attach(ctx, name)
	if err != nil {
		return err
	}

	if ctrl.State() == lifecycle.StateStarted {
		if !shared.GetJSON() && !shared.GetQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderInfo(name + " is already started"))
			return nil
		}
		return printStatuses(cmd.OutOrStdout(), "start", []lifecycle.Status{ctrl.Status()}, nil)
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	if !wait {
		if shared.GetJSON() {
			return printStatuses(cmd.OutOrStdout(), "start", []lifecycle.Status{ctrl.Status()}, nil)
		}
		if !shared.GetQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderInfo(name + " is starting"))
		}
		return nil
	}

	started := time.Now()
	st, err := awaitConfirmation(ctx, ctrl, lifecycle.StateStarted, timeout)
	if shared.GetJSON() {
		if printErr := printStatuses(cmd.OutOrStdout(), "start", []lifecycle.Status{st}, err); printErr != nil {
			return printErr
		}
		return err
	}
	if err != nil {
		return err
	}
	if !shared.GetQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(name + " started " + shared.RenderLabel("("+shared.FormatElapsed(time.Since(started))+")")))
	}
	return nil
}
