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

package shared

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ciVars mark non-interactive CI environments.
var ciVars = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "JENKINS_HOME"}

// IsNonInteractive reports whether prompting is impossible or unwanted:
// SERVERCTL_NON_INTERACTIVE=true, a CI environment, or stdin not a TTY.
func IsNonInteractive() bool {
	if os.Getenv("SERVERCTL_NON_INTERACTIVE") == "true" {
		return true
	}
	for _, v := range ciVars {
		if os.Getenv(v) != "" && os.Getenv(v) != "false" {
			return true
		}
	}
	return !term.IsTerminal(int(os.Stdin.Fd()))
}

// ReadSecret reads a secret. On a terminal it prompts on out with echo
// disabled; otherwise it reads the first line of in.
func ReadSecret(in *os.File, out io.Writer, prompt string) (string, error) {
	if !IsNonInteractive() {
		fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
