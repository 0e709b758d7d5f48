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

	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/completion"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/lifecycle"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use: "status [server]",
		Annotations: map[string]string{
			"group": "servers",
		},
		Short: "Show the state of managed servers",
		Long: `Probe each configured server once and show its state.

A server whose poller sees it up is STARTED, anything else is STOPPED.`,
		Example: `  # All servers
  serverctl status

  # One server as JSON
  serverctl status wildfly-1 --json | jq -r '.servers[0].state'`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completion.CompleteServers,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, shared.RuntimeOptions{}, func(ctx context.Context, rt *shared.Runtime) error {
				names := rt.Config.ServerNames()
				if len(args) == 1 {
					names = args
				}
				return runStatus(cmd, rt, names)
			})
		},
	}
}

func runStatus(cmd *cobra.Command, rt *shared.Runtime, names []string) error {
	statuses := make([]lifecycle.Status, 0, len(names))
	for _, name := range names {
		ctrl, err := rt.Attach(cmd.Context(), name)
		if err != nil {
			return err
		}
		statuses = append(statuses, ctrl.Status())
	}

	if len(statuses) == 0 && !shared.GetJSON() {
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderInfo("no servers configured"))
		return nil
	}
	return printStatuses(cmd.OutOrStdout(), "status", statuses, nil)
}
