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

// Package server implements the commands that drive managed servers:
// start, stop, status and watch.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/lifecycle"
)

// StatusResponse is the JSON output of start, stop and status.
type StatusResponse struct {
	shared.JSONResponse
	Servers []lifecycle.Status `json:"servers"`
	Error   *shared.JSONError  `json:"error,omitempty"`
}

var (
	nameColumn  = lipgloss.NewStyle().Width(24)
	stateColumn = lipgloss.NewStyle().Width(28)
)

// withRuntime runs fn with a runtime that is closed afterwards.
func withRuntime(cmd *cobra.Command, opts shared.RuntimeOptions, fn func(ctx context.Context, rt *shared.Runtime) error) error {
	if opts.LogOutput == nil {
		opts.LogOutput = cmd.ErrOrStderr()
	}
	rt, err := shared.NewRuntime(opts)
	if err != nil {
		return err
	}

	runErr := fn(cmd.Context(), rt)
	if closeErr := rt.Close(context.WithoutCancel(cmd.Context())); closeErr != nil && runErr == nil {
		rt.Logger.Warn("shutdown incomplete", "error", closeErr)
	}
	return runErr
}

// completeServers completes configured server names.

// awaitConfirmation waits for the outstanding poll of ctrl and maps an
// unconfirmed transition to ExitNotConfirmed.
func awaitConfirmation(ctx context.Context, ctrl *lifecycle.Controller, want lifecycle.State, timeout time.Duration) (lifecycle.Status, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	spinner := shared.NewSpinner()
	if !shared.GetQuiet() && !shared.GetJSON() {
		spinner.Start(fmt.Sprintf("Waiting for %s to reach %s", ctrl.Handle(), shared.StateLabel(want)))
	}
	st, err := ctrl.Await(ctx)
	spinner.Stop()

	if err != nil {
		return st, shared.NewNotConfirmedError(fmt.Sprintf("%s is still %s", ctrl.Handle(), st.State), err)
	}
	if st.State != want {
		var cause error
		if st.LastError != "" {
			cause = errors.New(st.LastError)
		}
		return st, shared.NewNotConfirmedError(fmt.Sprintf("%s did not reach %s (state %s)", ctrl.Handle(), want, st.State), cause)
	}
	return st, nil
}

// printStatuses writes statuses as JSON or as a table.
func printStatuses(w io.Writer, command string, statuses []lifecycle.Status, cmdErr error) error {
	if shared.GetJSON() {
		resp := StatusResponse{
			JSONResponse: shared.NewJSONResponse(command),
			Servers:      statuses,
		}
		if cmdErr != nil {
			resp.Success = false
			resp.Error = &shared.JSONError{Type: errorType(cmdErr), Message: cmdErr.Error()}
		}
		return shared.EmitJSON(w, resp)
	}
	if shared.GetQuiet() {
		return nil
	}

	for _, st := range statuses {
		line := nameColumn.Render(string(st.Server)) + stateColumn.Render(shared.RenderState(st.State, st.StartFailed))
		if !st.Since.IsZero() {
			line += shared.RenderLabel("since " + st.Since.Format(time.RFC3339))
		}
		fmt.Fprintln(w, line)
		if st.LastError != "" {
			fmt.Fprintln(w, "  "+shared.RenderWarn(st.LastError))
		}
	}
	return nil
}

func errorType(err error) string {
	type classifier interface{ ErrorType() string }
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "error"
}
