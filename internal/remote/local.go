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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// LocalExecutor runs commands with `sh -c` on this host.
type LocalExecutor struct {
	server string
	logger *slog.Logger
}

// NewLocalExecutor creates a local shell executor.
func NewLocalExecutor(server string, logger *slog.Logger) *LocalExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalExecutor{server: server, logger: logger}
}

// Execute runs req through the local shell.
func (e *LocalExecutor) Execute(ctx context.Context, req Request) error {
	line := req.Line()
	return runShell(ctx, e.server, line, req, e.logger, func(ctx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(ctx, "sh", "-c", line)
		cmd.Dir = req.Dir
		if len(req.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range req.Env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
			}
		}
		return cmd
	})
}

// Close implements Executor.
func (e *LocalExecutor) Close() error { return nil }

// runShell runs a prepared local command. Waited commands are killed as
// a process group when ctx ends; background commands are detached into
// their own session and reaped asynchronously.
func runShell(ctx context.Context, server, line string, req Request, logger *slog.Logger, build func(context.Context) *exec.Cmd) error {
	runCtx, cancel := withTimeout(ctx, req)
	defer cancel()

	if !req.Wait {
		// The background command must outlive the caller's context
		cmd := build(context.WithoutCancel(ctx))
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		// A new session also makes the child its own process group leader
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return commandError(runCtx, server, line, req, -1, "", fmt.Errorf("failed to start: %w", err))
		}
		logger.Debug("command launched", slog.String("command", line), slog.Int("pid", cmd.Process.Pid))
		go cmd.Wait()
		return nil
	}

	cmd := build(runCtx)
	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	logger.Debug("command finished",
		slog.String("command", line),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Bool("ok", err == nil))
	if err != nil {
		return commandError(runCtx, server, line, req, exitCodeOf(err), out.String(), err)
	}
	return nil
}
