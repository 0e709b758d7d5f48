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

// Package credentials implements the credentials command group, which
// manages SSH passwords in the system keychain.
package credentials

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/config"
	"github.com/tombee/serverctl/internal/credentials"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// Response is the JSON output of the credentials subcommands.
type Response struct {
	shared.JSONResponse
	Server  string `json:"server"`
	Account string `json:"account"`
	Stored  bool   `json:"stored"`
}

// NewCommand creates the credentials command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "credentials",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Short: "Manage SSH passwords in the system keychain",
		Long: `Manage passwords for servers reached over SSH.

Passwords are stored in the system keychain (macOS Keychain, Linux Secret
Service, Windows Credential Manager) under the account user@host:port of
the server's ssh settings. They are used when no key_file is configured
or key authentication fails. SERVERCTL_SSH_PASSWORD overrides the keychain.`,
		Example: `  # Store a password (prompts without echo)
  serverctl credentials set wildfly-1

  # Store from a pipe
  printf '%s\n' "$PASS" | serverctl credentials set wildfly-1

  # Remove it again
  serverctl credentials delete wildfly-1`,
	}

	cmd.AddCommand(newSetCommand(), newDeleteCommand(), newCheckCommand())
	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <server>",
		Short: "Store the SSH password of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := accountFor(args[0])
			if err != nil {
				return err
			}

			in, ok := cmd.InOrStdin().(*os.File)
			if !ok {
				in = os.Stdin
			}
			password, err := shared.ReadSecret(in, cmd.ErrOrStderr(), fmt.Sprintf("Password for %s: ", account))
			if err != nil {
				return err
			}
			if password == "" {
				return &sctlerrors.ValidationError{
					Field:      "password",
					Message:    "password is empty",
					Suggestion: "Enter the password, or pipe it on stdin",
				}
			}

			if err := credentials.NewStore().SetPassword(account, password); err != nil {
				return shared.NewFailedError("failed to store password", err)
			}
			return respond(cmd, "credentials set", args[0], account, true, "stored password for "+account)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <server>",
		Short: "Remove the stored SSH password of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := accountFor(args[0])
			if err != nil {
				return err
			}
			err = credentials.NewStore().DeletePassword(account)
			if errors.Is(err, credentials.ErrNotFound) {
				return &sctlerrors.NotFoundError{Resource: "password", ID: account}
			}
			if err != nil {
				return shared.NewFailedError("failed to delete password", err)
			}
			return respond(cmd, "credentials delete", args[0], account, false, "deleted password for "+account)
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <server>",
		Short: "Report whether a password is available for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := accountFor(args[0])
			if err != nil {
				return err
			}
			_, err = credentials.NewStore().Password(account)
			switch {
			case err == nil:
				return respond(cmd, "credentials check", args[0], account, true, "password available for "+account)
			case errors.Is(err, credentials.ErrNotFound):
				return respond(cmd, "credentials check", args[0], account, false, "no password stored for "+account)
			default:
				return shared.NewFailedError("failed to read keychain", err)
			}
		},
	}
}

// accountFor resolves the keychain account of an SSH server.
func accountFor(server string) (string, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return "", err
	}
	s, err := cfg.Server(server)
	if err != nil {
		return "", err
	}
	if s.Transport != config.TransportSSH {
		return "", &sctlerrors.ValidationError{
			Field:      "transport",
			Message:    fmt.Sprintf("server %s uses the %s transport; passwords apply to ssh only", server, s.Transport),
			Suggestion: "Set transport: ssh for servers reached over SSH",
		}
	}
	return credentials.Account(s.SSH.User, s.SSH.Host, s.SSH.Port), nil
}

func respond(cmd *cobra.Command, command, server, account string, stored bool, msg string) error {
	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), Response{
			JSONResponse: shared.NewJSONResponse(command),
			Server:       server,
			Account:      account,
			Stored:       stored,
		})
	}
	if !shared.GetQuiet() {
		if stored {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(msg))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderInfo(msg))
		}
	}
	return nil
}
