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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/serverctl/internal/commands/shared"
	"github.com/tombee/serverctl/internal/history"
	"github.com/tombee/serverctl/internal/lifecycle"
)

type testServer struct {
	dir      string
	marker   string
	database string
}

// setupServer writes a config for a single local server whose liveness is
// the presence of a marker file.
func setupServer(t *testing.T, shutdown string) *testServer {
	t.Helper()
	dir := t.TempDir()
	ts := &testServer{
		dir:      dir,
		marker:   filepath.Join(dir, "up"),
		database: filepath.Join(dir, "history.db"),
	}
	if shutdown == "" {
		shutdown = fmt.Sprintf("rm -f %s", ts.marker)
	}

	cfg := fmt.Sprintf(`log:
  level: error
history:
  path: %s
servers:
  - name: app
    transport: local
    workdir: %s
    start_command: touch %s
    shutdown_command: %q
    shutdown_timeout: 5s
    start_timeout: 5s
    stop_timeout: 5s
    poller:
      type: command
      status_command: test -f %s
      interval: 20ms
      probe_timeout: 1s
`, ts.database, dir, ts.marker, shutdown, ts.marker)

	path := filepath.Join(dir, "serverctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))

	shared.SetConfigPathForTest(path)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
	return ts
}

func (ts *testServer) markUp(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(ts.marker, nil, 0600))
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func decodeStatus(t *testing.T, out string) StatusResponse {
	t.Helper()
	var resp StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestStatusCommand(t *testing.T) {
	t.Run("stopped when probe reports down", func(t *testing.T) {
		setupServer(t, "")
		shared.SetJSONForTest(true)

		out, err := execute(t, NewStatusCommand())
		require.NoError(t, err)

		resp := decodeStatus(t, out)
		assert.True(t, resp.Success)
		require.Len(t, resp.Servers, 1)
		assert.Equal(t, lifecycle.ServerHandle("app"), resp.Servers[0].Server)
		assert.Equal(t, lifecycle.StateStopped, resp.Servers[0].State)
	})

	t.Run("started when probe reports up", func(t *testing.T) {
		ts := setupServer(t, "")
		ts.markUp(t)
		shared.SetJSONForTest(true)

		out, err := execute(t, NewStatusCommand(), "app")
		require.NoError(t, err)

		resp := decodeStatus(t, out)
		require.Len(t, resp.Servers, 1)
		assert.Equal(t, lifecycle.StateStarted, resp.Servers[0].State)
	})

	t.Run("text output names the server", func(t *testing.T) {
		setupServer(t, "")

		out, err := execute(t, NewStatusCommand())
		require.NoError(t, err)
		assert.Contains(t, out, "app")
		assert.Contains(t, out, "Stopped")
	})

	t.Run("unknown server is a usage error", func(t *testing.T) {
		setupServer(t, "")

		_, err := execute(t, NewStatusCommand(), "missing")
		require.Error(t, err)
		assert.Equal(t, shared.ExitUsage, shared.ExitCode(err))
	})
}

func TestStartCommand(t *testing.T) {
	t.Run("waits until the server is up", func(t *testing.T) {
		ts := setupServer(t, "")
		shared.SetJSONForTest(true)

		out, err := execute(t, NewStartCommand(), "app", "--wait")
		require.NoError(t, err)

		resp := decodeStatus(t, out)
		require.Len(t, resp.Servers, 1)
		assert.Equal(t, lifecycle.StateStarted, resp.Servers[0].State)
		assert.FileExists(t, ts.marker)
	})

	t.Run("already started is a no-op", func(t *testing.T) {
		ts := setupServer(t, "")
		ts.markUp(t)

		out, err := execute(t, NewStartCommand(), "app")
		require.NoError(t, err)
		assert.Contains(t, out, "already started")
	})

	t.Run("records transitions in history", func(t *testing.T) {
		ts := setupServer(t, "")

		_, err := execute(t, NewStartCommand(), "app", "--wait")
		require.NoError(t, err)

		store, err := history.Open(ts.database, nil)
		require.NoError(t, err)
		defer store.Close()

		state, _, err := store.LastState(context.Background(), "app")
		require.NoError(t, err)
		assert.Equal(t, string(lifecycle.StateStarted), state)
	})
}

func TestStopCommand(t *testing.T) {
	t.Run("graceful stop runs the shutdown command", func(t *testing.T) {
		ts := setupServer(t, "")
		ts.markUp(t)
		shared.SetJSONForTest(true)

		out, err := execute(t, NewStopCommand(), "app")
		require.NoError(t, err)

		resp := decodeStatus(t, out)
		require.Len(t, resp.Servers, 1)
		assert.Equal(t, lifecycle.StateStopped, resp.Servers[0].State)
		assert.NoFileExists(t, ts.marker)
	})

	t.Run("failed shutdown command reports started", func(t *testing.T) {
		ts := setupServer(t, "echo auth failed >&2; exit 3")
		ts.markUp(t)
		shared.SetJSONForTest(true)

		out, err := execute(t, NewStopCommand(), "app")
		require.Error(t, err)
		assert.Equal(t, shared.ExitFailed, shared.ExitCode(err))

		resp := decodeStatus(t, out)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "command", resp.Error.Type)
		require.Len(t, resp.Servers, 1)
		assert.Equal(t, lifecycle.StateStarted, resp.Servers[0].State)
		assert.FileExists(t, ts.marker)
	})

	t.Run("force skips the shutdown command", func(t *testing.T) {
		ts := setupServer(t, "exit 1")
		ts.markUp(t)

		out, err := execute(t, NewStopCommand(), "app", "--force")
		require.NoError(t, err)
		assert.Contains(t, out, "app stopped")
		assert.FileExists(t, ts.marker)
	})
}
