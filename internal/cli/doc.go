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

/*
Package cli provides the root command of serverctl.

This package creates the Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	serverctl
	├── start         Start a server and confirm it is up
	├── stop          Stop a server (graceful or --force)
	├── status        Probe servers once and show their state
	├── watch         Stream lifecycle events and serve metrics
	├── history       Show recorded transitions of a server
	├── config        Show, locate and validate configuration
	├── credentials   Manage SSH passwords in the keychain
	├── completion    Generate shell completion scripts
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file

# Exit Codes

  - 0: Success
  - 1: The operation failed (a shutdown command failed, a start command
    could not be launched)
  - 2: Invalid usage (unknown server, invalid state for the request)
  - 3: The requested state was not confirmed before the timeout
*/
package cli
