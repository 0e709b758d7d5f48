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
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows progress with elapsed time while a transition is being
// confirmed. Off a terminal it prints the message once.
type Spinner struct {
	out   io.Writer
	isTTY bool

	mu       sync.Mutex
	message  string
	started  time.Time
	active   bool
	done     chan struct{}
	frameIdx int
}

// NewSpinner creates a spinner writing to stderr.
func NewSpinner() *Spinner {
	return &Spinner{out: os.Stderr, isTTY: term.IsTerminal(int(os.Stderr.Fd()))}
}

// Start shows message until Stop is called.
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}

	s.message = message
	s.started = time.Now()
	s.active = true
	s.done = make(chan struct{})
	s.frameIdx = 0

	if !s.isTTY {
		fmt.Fprintln(s.out, message)
		return
	}
	s.render()
	go s.animate(s.done)
}

// Stop clears the spinner and returns the elapsed time.
func (s *Spinner) Stop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0
	}

	s.active = false
	close(s.done)
	if s.isTTY {
		fmt.Fprint(s.out, "\r\033[K")
	}
	return time.Since(s.started)
}

func (s *Spinner) animate(done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.active {
				s.frameIdx = (s.frameIdx + 1) % len(spinnerFrames)
				s.render()
			}
			s.mu.Unlock()
		}
	}
}

// render must be called with mu held.
func (s *Spinner) render() {
	frame := spinnerFrames[s.frameIdx]
	if !ColorEnabled() {
		frame = "..."
	}
	fmt.Fprintf(s.out, "\r\033[K%s %s %s", s.message, render(Muted, frame), render(Muted, "("+FormatElapsed(time.Since(s.started))+")"))
}

// FormatElapsed formats a duration for display (e.g., "12s", "1m 23s")
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
