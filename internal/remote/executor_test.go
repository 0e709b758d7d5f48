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

package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/serverctl/internal/config"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

func TestRequest_Line(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{name: "no args", req: Request{Command: "bin/jboss-cli.sh --connect"}, want: "bin/jboss-cli.sh --connect"},
		{name: "quoted args", req: Request{Command: "echo", Args: []string{"a b", "it's"}}, want: `echo 'a b' it\'s`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Line())
		})
	}
}

func TestRequest_ShellLine(t *testing.T) {
	req := Request{
		Dir:     "/opt/my server",
		Command: "./stop.sh",
		Env:     map[string]string{"B": "2", "A": "x y"},
	}
	assert.Equal(t, `cd '/opt/my server' && export A='x y'; export B=2; ./stop.sh`, req.shellLine())
}

func TestNew_SelectsTransport(t *testing.T) {
	exec, err := New(config.ServerConfig{Name: "a", Transport: config.TransportLocal}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalExecutor{}, exec)

	exec, err = New(config.ServerConfig{Name: "b", Transport: config.TransportContainer, Container: config.ContainerConfig{Name: "c1"}}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &ContainerExecutor{}, exec)

	_, err = New(config.ServerConfig{Name: "c", Transport: "rsh"}, nil, nil)
	var cfgErr *sctlerrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestLocalExecutor_Success(t *testing.T) {
	dir := t.TempDir()
	e := NewLocalExecutor("local", nil)

	err := e.Execute(context.Background(), Request{
		Dir:     dir,
		Command: "printf '%s' \"$GREETING\" >",
		Args:    []string{"out file.txt"},
		Env:     map[string]string{"GREETING": "hello"},
		Wait:    true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "out file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLocalExecutor_ExitCode(t *testing.T) {
	e := NewLocalExecutor("wf1", nil)

	err := e.Execute(context.Background(), Request{Command: "echo auth failed >&2; exit 3", Wait: true})
	require.Error(t, err)

	var cmdErr *sctlerrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "wf1", cmdErr.Server)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "auth failed", cmdErr.Output)
	assert.False(t, cmdErr.IsRetryable())
}

func TestLocalExecutor_Timeout(t *testing.T) {
	e := NewLocalExecutor("wf1", nil)

	start := time.Now()
	err := e.Execute(context.Background(), Request{Command: "sleep 10", Timeout: 100 * time.Millisecond, Wait: true})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var cmdErr *sctlerrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, -1, cmdErr.ExitCode)

	var timeout *sctlerrors.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 100*time.Millisecond, timeout.Duration)
	assert.True(t, cmdErr.IsRetryable())
}

func TestLocalExecutor_Cancelled(t *testing.T) {
	e := NewLocalExecutor("wf1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Execute(ctx, Request{Command: "sleep 10", Wait: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalExecutor_Background(t *testing.T) {
	dir := t.TempDir()
	e := NewLocalExecutor("wf1", nil)

	start := time.Now()
	err := e.Execute(context.Background(), Request{Dir: dir, Command: "sleep 0.2; touch started"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "started"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLocalExecutor_BackgroundOutlivesCaller(t *testing.T) {
	dir := t.TempDir()
	e := NewLocalExecutor("wf1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := e.Execute(ctx, Request{Dir: dir, Command: "sleep 0.1; touch started"})
	cancel()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "started"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLocalExecutor_OutputIsTruncated(t *testing.T) {
	e := NewLocalExecutor("wf1", nil)

	err := e.Execute(context.Background(), Request{Command: "head -c 10000 /dev/zero | tr '\\0' a; echo END; exit 1", Wait: true})
	var cmdErr *sctlerrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.LessOrEqual(t, len(cmdErr.Output), maxOutput)
	assert.True(t, strings.HasSuffix(cmdErr.Output, "END"))
}

func TestContainerExecutor_ExecArgs(t *testing.T) {
	e := NewContainerExecutor("c", config.ContainerConfig{Name: "wildfly-1", User: "jboss"}, nil)

	args := e.execArgs(Request{
		Dir:     "/opt/jboss",
		Command: "bin/jboss-cli.sh --connect command=:shutdown",
		Env:     map[string]string{"JAVA_OPTS": "-Xmx1g"},
		Wait:    true,
	})
	assert.Equal(t, []string{
		"exec", "-u", "jboss", "-w", "/opt/jboss", "-e", "JAVA_OPTS=-Xmx1g",
		"wildfly-1", "sh", "-c", "bin/jboss-cli.sh --connect command=:shutdown",
	}, args)

	args = e.execArgs(Request{Command: "bin/standalone.sh"})
	assert.Equal(t, []string{"exec", "-d", "-u", "jboss", "wildfly-1", "sh", "-c", "bin/standalone.sh"}, args)
	assert.Equal(t, "docker", e.cfg.Runtime)
}
