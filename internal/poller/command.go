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
	"errors"

	"github.com/tombee/serverctl/internal/remote"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// CommandProber runs a status command through the server's transport.
// Exit status 0 means UP, any other exit status means DOWN.
type CommandProber struct {
	exec remote.Executor
	req  remote.Request
}

// NewCommandProber creates a status command prober.
func NewCommandProber(exec remote.Executor, dir, command string) *CommandProber {
	return &CommandProber{
		exec: exec,
		req:  remote.Request{Dir: dir, Command: command, Wait: true},
	}
}

// Probe implements Prober. Transport failures are reported as errors;
// a clean non-zero exit is a DOWN reading.
func (p *CommandProber) Probe(ctx context.Context) (bool, error) {
	err := p.exec.Execute(ctx, p.req)
	if err == nil {
		return true, nil
	}
	var cmdErr *sctlerrors.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return false, nil
	}
	return false, err
}
