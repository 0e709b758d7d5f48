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

package cli

import (
	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/completion"
	configcmd "github.com/tombee/serverctl/internal/commands/config"
	credentialscmd "github.com/tombee/serverctl/internal/commands/credentials"
	"github.com/tombee/serverctl/internal/commands/management"
	"github.com/tombee/serverctl/internal/commands/server"
	"github.com/tombee/serverctl/internal/commands/shared"
	versioncmd "github.com/tombee/serverctl/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for serverctl
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serverctl",
		Short: "serverctl - start, stop and watch managed servers",
		Long: `serverctl controls long-running application servers (WildFly, JBoss EAP
or any process with a start and a shutdown command) on this machine, over
SSH or inside a container.

Every state change is confirmed by polling the server: a start is only
reported STARTED once the server answers, and a failed shutdown leaves it
STARTED.

Run 'serverctl config path' to see where servers are configured.
Run 'serverctl status' to probe every configured server.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shared.GetVerbose() && shared.GetQuiet() {
				return shared.NewUsageError("--verbose and --quiet are mutually exclusive", nil)
			}
			return nil
		},
	}

	// Get flag pointers from shared package
	verbose, quiet, json, config := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/serverctl/config.yaml)")

	// Server lifecycle
	cmd.AddCommand(server.NewStartCommand())
	cmd.AddCommand(server.NewStopCommand())
	cmd.AddCommand(server.NewStatusCommand())
	cmd.AddCommand(server.NewWatchCommand())

	// Management
	cmd.AddCommand(management.NewHistoryCommand())

	// Configuration
	cmd.AddCommand(configcmd.NewConfigCommand())
	cmd.AddCommand(credentialscmd.NewCommand())

	// Diagnostics
	cmd.AddCommand(completion.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
