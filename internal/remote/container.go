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
	"log/slog"
	"os/exec"
	"sort"

	"github.com/tombee/serverctl/internal/config"
)

// ContainerExecutor runs commands inside a container through the docker
// or podman CLI.
type ContainerExecutor struct {
	server string
	cfg    config.ContainerConfig
	logger *slog.Logger
}

// NewContainerExecutor creates a container exec executor.
func NewContainerExecutor(server string, cfg config.ContainerConfig, logger *slog.Logger) *ContainerExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	return &ContainerExecutor{server: server, cfg: cfg, logger: logger}
}

// Execute runs req with `<runtime> exec`.
func (e *ContainerExecutor) Execute(ctx context.Context, req Request) error {
	args := e.execArgs(req)
	line := req.Line()
	return runShell(ctx, e.server, line, req, e.logger, func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, e.cfg.Runtime, args...)
	})
}

// execArgs builds the runtime arguments for req.
func (e *ContainerExecutor) execArgs(req Request) []string {
	args := []string{"exec"}
	if !req.Wait {
		args = append(args, "-d")
	}
	if e.cfg.User != "" {
		args = append(args, "-u", e.cfg.User)
	}
	if req.Dir != "" {
		args = append(args, "-w", req.Dir)
	}

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.Env[k])
	}

	return append(args, e.cfg.Name, "sh", "-c", req.Line())
}

// Close implements Executor.
func (e *ContainerExecutor) Close() error { return nil }
