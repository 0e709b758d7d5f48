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

package process

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ErrProcessNotRunning is returned when the process does not exist.
var ErrProcessNotRunning = errors.New("process not running")

// Info describes a local process.
type Info struct {
	PID     int
	Running bool
	Command string
}

// IsRunning checks if a process with the given PID exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds; signal 0 only checks existence
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else
	return errors.Is(err, syscall.EPERM)
}

// Signal sends sig to the process.
func Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}

	return nil
}

// Lookup returns information about the process with the given PID.
func Lookup(pid int) (*Info, error) {
	info := &Info{
		PID:     pid,
		Running: IsRunning(pid),
	}
	if !info.Running {
		return info, ErrProcessNotRunning
	}

	cmd, err := commandLine(pid)
	if err != nil {
		info.Command = "<unknown>"
	} else {
		info.Command = cmd
	}

	return info, nil
}

// Matches reports whether the process command line contains substr. An
// empty substr matches any running process.
func Matches(pid int, substr string) bool {
	if substr == "" {
		return IsRunning(pid)
	}
	cmd, err := commandLine(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmd, substr)
}
