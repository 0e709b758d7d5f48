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

// Package config implements the config command group.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/config"
	"github.com/tombee/serverctl/schemas"
	"gopkg.in/yaml.v3"
)

// PathResponse is the JSON output of 'config path'.
type PathResponse struct {
	shared.JSONResponse
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "config",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Short: "View and validate configuration",
		Long: `View and validate serverctl configuration.

Subcommands:
  show     - Display the effective configuration
  path     - Show config file location
  validate - Check the configuration for errors
  schema   - Print the JSON Schema of the config file`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(newConfigSchemaCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = runConfigShow

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration after defaults and environment overrides
have been applied. Passwords are never part of the file; they live in the
system keychain (see 'serverctl credentials').`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Args:  cobra.NoArgs,
		RunE:  runConfigPath,
	}
}

func newConfigSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		Example: `  # Point an editor's YAML language server at the schema
  serverctl config schema > ~/.config/serverctl/config.schema.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(schemas.ConfigSchema())
			return err
		},
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), cfg)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	_, statErr := os.Stat(path)

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), PathResponse{
			JSONResponse: shared.NewJSONResponse("config path"),
			Path:         path,
			Exists:       statErr == nil,
		})
	}

	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func configPath() (string, error) {
	if path := shared.GetConfigPath(); path != "" {
		return path, nil
	}
	path, err := config.ConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to determine config path: %w", err)
	}
	return path, nil
}
