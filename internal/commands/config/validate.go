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

package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/config"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	shared.JSONResponse
	Path     string   `json:"path,omitempty"`
	Valid    bool     `json:"valid"`
	Servers  int      `json:"servers"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration file structure and server definitions.

Checks performed:
  - YAML syntax and structure
  - Transports have the connection settings they need
  - Pollers have the settings their type requires
  - Timeouts are positive and server names are unique

With --strict, warnings are treated as errors.`,
		Example: `  # Validate configuration
  serverctl config validate

  # Validate with warnings as errors
  serverctl config validate --strict

  # Get validation result as JSON
  serverctl config validate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(w io.Writer, strict bool) error {
	result := ValidationResult{JSONResponse: shared.NewJSONResponse("config validate")}
	result.Path, _ = configPath()

	cfg, err := shared.LoadConfig()
	if err != nil {
		result.Errors = splitValidationErrors(err)
	} else {
		result.Servers = len(cfg.Servers)
		result.Warnings = warningsFor(cfg)
	}

	result.Valid = len(result.Errors) == 0 && (!strict || len(result.Warnings) == 0)
	result.Success = result.Valid

	if err := outputValidationResult(w, result); err != nil {
		return err
	}
	if !result.Valid {
		return shared.NewFailedError("configuration is invalid", err)
	}
	return nil
}

// splitValidationErrors turns the aggregated validation error into one
// entry per problem.
func splitValidationErrors(err error) []string {
	if !errors.Is(err, config.ErrInvalidConfig) {
		return []string{err.Error()}
	}
	var errs []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if msg, ok := strings.CutPrefix(line, "- "); ok {
			errs = append(errs, msg)
		}
	}
	if len(errs) == 0 {
		return []string{err.Error()}
	}
	return errs
}

func warningsFor(cfg *config.Config) []string {
	var warnings []string
	if len(cfg.Servers) == 0 {
		warnings = append(warnings, "no servers configured")
	}
	for _, s := range cfg.Servers {
		if s.StartCommand == "" {
			warnings = append(warnings, fmt.Sprintf("servers[%s].start_command is empty; start requests will fail", s.Name))
		}
		if s.Transport == config.TransportSSH && s.SSH.InsecureIgnoreHostKey {
			warnings = append(warnings, fmt.Sprintf("servers[%s].ssh.insecure_ignore_host_key disables host key verification", s.Name))
		}
		if s.IgnoreShutdownCommand && !s.ConfirmStopByPolling {
			warnings = append(warnings, fmt.Sprintf("servers[%s] is reported stopped without running or confirming a shutdown", s.Name))
		}
	}
	return warnings
}

func outputValidationResult(w io.Writer, result ValidationResult) error {
	if shared.GetJSON() {
		return shared.EmitJSON(w, result)
	}

	for _, e := range result.Errors {
		fmt.Fprintln(w, shared.RenderError(e))
	}
	for _, warning := range result.Warnings {
		fmt.Fprintln(w, shared.RenderWarn(warning))
	}
	if result.Valid {
		fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("configuration is valid (%d servers)", result.Servers)))
	}
	return nil
}
