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

// Package remote runs lifecycle commands against a managed server over
// one of the supported transports: a local shell, SSH, or a container
// runtime's exec.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/tombee/serverctl/internal/config"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// maxOutput bounds the command output kept for diagnostics.
const maxOutput = 4096

// Request describes one command invocation.
type Request struct {
	// Dir is the working directory. Empty uses the transport default.
	Dir string

	// Command is a shell command line.
	Command string

	// Args are appended to Command, shell-quoted.
	Args []string

	Env map[string]string

	// Timeout bounds the command when Wait is set. Zero means no bound
	// other than the context.
	Timeout time.Duration

	// Wait runs the command to completion. Without it the command is
	// launched in the background and Execute returns once it started.
	Wait bool
}

// Line returns the command line with quoted arguments.
func (r Request) Line() string {
	if len(r.Args) == 0 {
		return r.Command
	}
	return r.Command + " " + shellquote.Join(r.Args...)
}

// envPrefix renders Env as sorted shell assignments.
func (r Request) envPrefix() string {
	if len(r.Env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellquote.Join(r.Env[k]))
		b.WriteString("; ")
	}
	return b.String()
}

// shellLine renders the full line for transports without native
// working-directory and environment support.
func (r Request) shellLine() string {
	line := r.envPrefix() + r.Line()
	if r.Dir != "" {
		line = "cd " + shellquote.Join(r.Dir) + " && " + line
	}
	return line
}

// Executor runs commands against one managed server.
// Failures are returned as *errors.CommandError.
type Executor interface {
	Execute(ctx context.Context, req Request) error
	Close() error
}

// PasswordSource looks up SSH passwords.
type PasswordSource interface {
	Password(account string) (string, error)
}

// New creates the executor for the server's configured transport.
func New(server config.ServerConfig, passwords PasswordSource, logger *slog.Logger) (Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("server", server.Name), slog.String("transport", server.Transport))

	switch server.Transport {
	case config.TransportLocal, "":
		return NewLocalExecutor(server.Name, logger), nil
	case config.TransportSSH:
		return NewSSHExecutor(server.Name, server.SSH, passwords, logger)
	case config.TransportContainer:
		return NewContainerExecutor(server.Name, server.Container, logger), nil
	default:
		return nil, &sctlerrors.ConfigError{
			Key:    "transport",
			Reason: fmt.Sprintf("unsupported transport %q", server.Transport),
		}
	}
}

// withTimeout applies req.Timeout to ctx for waited commands.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Wait && req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}

// commandError converts a run failure into a CommandError, turning
// context expiry into a TimeoutError cause.
func commandError(ctx context.Context, server, line string, req Request, exitCode int, output string, err error) error {
	cause := err
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		exitCode = -1
		cause = &sctlerrors.TimeoutError{Operation: "command", Duration: req.Timeout, Cause: err}
	case ctx.Err() != nil:
		exitCode = -1
		cause = ctx.Err()
	}
	return &sctlerrors.CommandError{
		Server:   server,
		Command:  line,
		ExitCode: exitCode,
		Output:   strings.TrimSpace(output),
		Cause:    cause,
	}
}

// exitCodeOf extracts the exit status of a local process, or -1.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > maxOutput {
		t.buf = t.buf[len(t.buf)-maxOutput:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
