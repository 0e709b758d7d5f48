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

// Package management implements commands that inspect recorded server
// activity.
package management

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/completion"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/events"
	"github.com/tombee/serverctl/internal/history"
	"github.com/tombee/serverctl/internal/lifecycle"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// HistoryResponse is the JSON output of the history command.
type HistoryResponse struct {
	shared.JSONResponse
	Server    string         `json:"server"`
	LastState string         `json:"last_state,omitempty"`
	Events    []events.Event `json:"events"`
}

var timeColumn = lipgloss.NewStyle().Width(22)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use: "history <server>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Show recorded transitions of a server",
		Long: `List the newest transitions, rollbacks and errors recorded for a server,
oldest first.

Every serverctl command that changes or observes a server records what it
published in the history database (history.path in the config).`,
		Example: `  # Last 20 events
  serverctl history wildfly-1

  # Only failed shutdowns
  serverctl history wildfly-1 --limit 100 --json | jq '.events[] | select(.kind=="rollback")'`,
		Args: cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteServers,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, args[0], limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events to show")

	return cmd
}

func runHistory(cmd *cobra.Command, server string, limit int) error {
	if limit < 1 {
		return &sctlerrors.ValidationError{
			Field:      "limit",
			Message:    fmt.Sprintf("must be at least 1, got %d", limit),
			Suggestion: "Pass --limit 1 or more",
		}
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.Server(server); err != nil {
		return err
	}
	if cfg.History.Disabled {
		return shared.NewFailedError("history is disabled in the configuration", nil)
	}

	store, err := history.Open(cfg.History.Path, nil)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	evs, err := store.Recent(cmd.Context(), server, limit)
	if err != nil {
		return err
	}
	last, _, err := store.LastState(cmd.Context(), server)
	if err != nil && !errors.Is(err, history.ErrNoState) {
		return err
	}

	if shared.GetJSON() {
		if evs == nil {
			evs = []events.Event{}
		}
		return shared.EmitJSON(cmd.OutOrStdout(), HistoryResponse{
			JSONResponse: shared.NewJSONResponse("history"),
			Server:       server,
			LastState:    last,
			Events:       evs,
		})
	}

	printEvents(cmd.OutOrStdout(), server, evs)
	if last != "" {
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderLabel("last state: ")+shared.RenderState(lifecycle.State(last), false))
	}
	return nil
}

func printEvents(w io.Writer, server string, evs []events.Event) {
	if len(evs) == 0 {
		fmt.Fprintln(w, shared.RenderInfo("no history recorded for "+server))
		return
	}
	for _, ev := range evs {
		at := timeColumn.Render(ev.At.Local().Format(time.DateTime))
		switch ev.Kind {
		case events.KindTransition:
			fmt.Fprintln(w, at+shared.RenderLabel(ev.From+" -> ")+shared.RenderState(lifecycle.State(ev.To), false))
		case events.KindRollback:
			line := at + shared.RenderWarn("rolled back to "+shared.StateLabel(lifecycle.State(ev.To)))
			if ev.Message != "" {
				line += shared.RenderLabel(" (" + ev.Message + ")")
			}
			fmt.Fprintln(w, line)
		default:
			fmt.Fprintln(w, at+shared.RenderError(ev.Message))
		}
	}
}
