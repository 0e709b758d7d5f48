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

package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/itchyny/gojq"
	"github.com/tombee/serverctl/internal/process"
)

// maxHealthBody bounds the health response read for jq evaluation.
const maxHealthBody = 1 << 20

// TCPProber reports UP when a TCP connection to the address succeeds.
type TCPProber struct {
	address string
	dialer  net.Dialer
}

// NewTCPProber creates a socket prober for host:port.
func NewTCPProber(address string) *TCPProber {
	return &TCPProber{address: address}
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context) (bool, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return false, err
	}
	conn.Close()
	return true, nil
}

// HTTPProber reports UP when the health endpoint answers 2xx and, if a jq
// predicate is configured, the predicate is truthy for the JSON body.
type HTTPProber struct {
	url    string
	client *http.Client
	code   *gojq.Code
}

// NewHTTPProber creates a health endpoint prober. The jq expression is
// compiled once here.
func NewHTTPProber(url, jq string, client *http.Client) (*HTTPProber, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	p := &HTTPProber{url: url, client: client}
	if jq != "" {
		query, err := gojq.Parse(jq)
		if err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("compile error: %w", err)
		}
		p.code = code
	}
	return p, nil
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	if p.code == nil {
		return true, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return false, fmt.Errorf("failed to read body: %w", err)
	}
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return false, fmt.Errorf("health body is not JSON: %w", err)
	}

	iter := p.code.RunWithContext(ctx, data)
	v, ok := iter.Next()
	if !ok {
		return false, errors.New("jq predicate produced no result")
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("jq predicate failed: %w", err)
	}
	return v != nil && v != false, nil
}

// ProcessProber reports UP when the PID recorded in a PID file belongs to
// a running process.
type ProcessProber struct {
	pidFile *process.PIDFile
}

// NewProcessProber creates a PID file prober.
func NewProcessProber(path string) *ProcessProber {
	return &ProcessProber{pidFile: process.NewPIDFile(path)}
}

// Probe implements Prober.
func (p *ProcessProber) Probe(context.Context) (bool, error) {
	pid, err := p.pidFile.Read()
	if err != nil {
		return false, err
	}
	return process.IsRunning(pid), nil
}
