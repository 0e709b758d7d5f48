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
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/serverctl/internal/config"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
	"golang.org/x/crypto/ssh"
)

type staticPassword string

func (s staticPassword) Password(string) (string, error) { return string(s), nil }

// testSSHServer accepts password logins and answers exec requests with
// the handler's output and exit status.
type testSSHServer struct {
	addr string

	mu       sync.Mutex
	commands []string
}

func (s *testSSHServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func startSSHServer(t *testing.T, password string, handler func(cmd string) (string, uint32)) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &testSSHServer{addr: ln.Addr().String()}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(nc, cfg, handler)
		}
	}()
	return srv
}

func (s *testSSHServer) serve(nc net.Conn, cfg *ssh.ServerConfig, handler func(string) (string, uint32)) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)

				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()

				out, status := handler(payload.Command)
				io.WriteString(ch, out)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func sshConfigFor(t *testing.T, addr string) config.SSHConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.SSHConfig{
		Host:                  host,
		Port:                  port,
		User:                  "jboss",
		InsecureIgnoreHostKey: true,
		DialTimeout:           2 * time.Second,
	}
}

func TestSSHExecutor_Success(t *testing.T) {
	srv := startSSHServer(t, "pw", func(string) (string, uint32) { return "ok", 0 })

	e, err := NewSSHExecutor("wf1", sshConfigFor(t, srv.addr), staticPassword("pw"), nil)
	require.NoError(t, err)
	defer e.Close()

	req := Request{Dir: "/opt/wildfly", Command: "bin/jboss-cli.sh --connect", Args: []string{"command=:shutdown"}, Wait: true}
	require.NoError(t, e.Execute(context.Background(), req))
	require.NoError(t, e.Execute(context.Background(), req))

	seen := srv.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "cd /opt/wildfly && bin/jboss-cli.sh --connect command=:shutdown", seen[0])
}

func TestSSHExecutor_ExitStatus(t *testing.T) {
	srv := startSSHServer(t, "pw", func(string) (string, uint32) { return "auth failed", 7 })

	e, err := NewSSHExecutor("wf1", sshConfigFor(t, srv.addr), staticPassword("pw"), nil)
	require.NoError(t, err)
	defer e.Close()

	err = e.Execute(context.Background(), Request{Command: "stop", Wait: true})
	var cmdErr *sctlerrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 7, cmdErr.ExitCode)
	assert.Equal(t, "auth failed", cmdErr.Output)
	assert.Equal(t, "wf1", cmdErr.Server)
}

func TestSSHExecutor_WrongPassword(t *testing.T) {
	srv := startSSHServer(t, "pw", func(string) (string, uint32) { return "", 0 })

	e, err := NewSSHExecutor("wf1", sshConfigFor(t, srv.addr), staticPassword("nope"), nil)
	require.NoError(t, err)
	defer e.Close()

	err = e.Execute(context.Background(), Request{Command: "stop", Wait: true})
	var cmdErr *sctlerrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, -1, cmdErr.ExitCode)
	assert.Contains(t, err.Error(), "handshake")
	assert.Empty(t, srv.seen())
}

func TestSSHExecutor_Background(t *testing.T) {
	srv := startSSHServer(t, "pw", func(string) (string, uint32) { return "", 0 })

	e, err := NewSSHExecutor("wf1", sshConfigFor(t, srv.addr), staticPassword("pw"), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Execute(context.Background(), Request{Command: "bin/standalone.sh"}))

	seen := srv.seen()
	require.Len(t, seen, 1)
	assert.True(t, strings.HasPrefix(seen[0], "nohup sh -c "), seen[0])
	assert.True(t, strings.HasSuffix(seen[0], " >/dev/null 2>&1 &"), seen[0])
}

func TestSSHExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := startSSHServer(t, "pw", func(string) (string, uint32) {
		<-release
		return "", 0
	})

	e, err := NewSSHExecutor("wf1", sshConfigFor(t, srv.addr), staticPassword("pw"), nil)
	require.NoError(t, err)
	defer e.Close()

	err = e.Execute(context.Background(), Request{Command: "stop", Timeout: 100 * time.Millisecond, Wait: true})
	var timeout *sctlerrors.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
}

func TestNewSSHExecutor_Errors(t *testing.T) {
	cfg := config.SSHConfig{Host: "h", Port: 22, User: "u"}

	_, err := NewSSHExecutor("s", cfg, staticPassword("pw"), nil)
	assert.ErrorContains(t, err, "known_hosts is required")

	cfg.InsecureIgnoreHostKey = true
	_, err = NewSSHExecutor("s", cfg, nil, nil)
	assert.ErrorContains(t, err, "no password source")

	cfg.KeyFile = "/nonexistent/id_ed25519"
	_, err = NewSSHExecutor("s", cfg, nil, nil)
	assert.ErrorContains(t, err, "failed to read ssh key")
}
