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
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/tombee/serverctl/internal/config"
	"github.com/tombee/serverctl/internal/credentials"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHExecutor runs commands on a remote host over a shared SSH connection.
// The connection is dialed lazily and redialed after failures.
type SSHExecutor struct {
	server string
	addr   string
	config *ssh.ClientConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor creates an SSH executor. Authentication uses the key
// file when configured, the password from passwords otherwise.
func NewSSHExecutor(server string, cfg config.SSHConfig, passwords PasswordSource, logger *slog.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSSHPort
	}

	auth, err := authMethods(cfg, passwords)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &SSHExecutor{
		server: server,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         cfg.DialTimeout,
		},
		logger: logger,
	}, nil
}

func authMethods(cfg config.SSHConfig, passwords PasswordSource) ([]ssh.AuthMethod, error) {
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", cfg.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if passwords == nil {
		return nil, errors.New("ssh: no key_file configured and no password source")
	}
	account := credentials.Account(cfg.User, cfg.Host, cfg.Port)
	// Looked up per handshake so a password stored after startup is used
	return []ssh.AuthMethod{ssh.PasswordCallback(func() (string, error) {
		return passwords.Password(account)
	})}, nil
}

func hostKeyCallback(cfg config.SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if cfg.KnownHosts == "" {
		return nil, errors.New("ssh: known_hosts is required unless insecure_ignore_host_key is set")
	}
	cb, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// dial returns the shared client, connecting if needed.
func (e *SSHExecutor) dial(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	d := net.Dialer{Timeout: e.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// NewClientConn closes conn on error
	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.config)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s: %w", e.addr, err)
	}
	conn.SetDeadline(time.Time{})

	e.client = ssh.NewClient(c, chans, reqs)
	e.logger.Debug("ssh connected", slog.String("addr", e.addr))
	return e.client, nil
}

// drop discards a broken client so the next call redials.
func (e *SSHExecutor) drop(client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == client {
		e.client.Close()
		e.client = nil
	}
}

// Execute runs req in a new session on the shared connection.
func (e *SSHExecutor) Execute(ctx context.Context, req Request) error {
	runCtx, cancel := withTimeout(ctx, req)
	defer cancel()

	line := req.shellLine()
	remoteLine := line
	if !req.Wait {
		remoteLine = "nohup sh -c " + shellquote.Join(line) + " >/dev/null 2>&1 &"
	}

	client, err := e.dial(runCtx)
	if err != nil {
		return commandError(runCtx, e.server, line, req, -1, "", err)
	}

	sess, err := client.NewSession()
	if err != nil {
		e.drop(client)
		return commandError(runCtx, e.server, line, req, -1, "", fmt.Errorf("open session: %w", err))
	}
	defer sess.Close()

	var out tailBuffer
	sess.Stdout = &out
	sess.Stderr = &out

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(remoteLine) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		err = runCtx.Err()
	}

	e.logger.Debug("command finished",
		slog.String("command", line),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Bool("ok", err == nil))

	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitStatus()
	} else if runCtx.Err() == nil {
		var missing *ssh.ExitMissingError
		if !errors.As(err, &missing) {
			e.drop(client)
		}
	}
	return commandError(runCtx, e.server, line, req, exitCode, out.String(), err)
}

// Close closes the shared connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
