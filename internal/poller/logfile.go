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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LogPoller watches a server log for the boot-complete or
// shutdown-complete marker. Only lines appended after the poll started are
// considered, so a poll observes a transition, not a stale line.
type LogPoller struct {
	path     string
	up       *regexp.Regexp
	down     *regexp.Regexp
	interval time.Duration
	logger   *slog.Logger
}

// NewLogPoller creates a log marker poller. Markers are regular
// expressions matched against single lines. The interval is the rescan
// period used in addition to file change notifications.
func NewLogPoller(path, upMarker, downMarker string, interval time.Duration, logger *slog.Logger) (*LogPoller, error) {
	up, err := regexp.Compile(upMarker)
	if err != nil {
		return nil, fmt.Errorf("invalid up_marker: %w", err)
	}
	down, err := regexp.Compile(downMarker)
	if err != nil {
		return nil, fmt.Errorf("invalid down_marker: %w", err)
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPoller{
		path:     filepath.Clean(path),
		up:       up,
		down:     down,
		interval: interval,
		logger:   logger,
	}, nil
}

// Poll implements StatePoller.
func (p *LogPoller) Poll(ctx context.Context, expected Expected, deadline time.Duration) Outcome {
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	marker := p.up
	if expected == Down {
		marker = p.down
	}

	t := &logTail{path: p.path}
	if info, err := os.Stat(p.path); err == nil {
		t.offset = info.Size()
	}

	// The directory is watched so creation and rotation are seen too
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		p.logger.Debug("fsnotify unavailable, rescanning on interval", slog.Any("error", err))
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(p.path)); err != nil {
			p.logger.Debug("cannot watch log directory", slog.String("path", p.path), slog.Any("error", err))
		} else {
			events = w.Events
			watchErrs = w.Errors
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	attempts := 0
	var lastErr error
	for {
		attempts++
		found, err := t.scan(marker)
		if found {
			return Outcome{Kind: Success, ObservedAt: time.Now(), Attempts: attempts}
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("marker %q not seen in %s", marker.String(), p.path)
		}

		for rescan := false; !rescan; {
			select {
			case <-pollCtx.Done():
				return terminal(ctx, attempts, lastErr)
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				rescan = filepath.Clean(ev.Name) == p.path
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
					continue
				}
				lastErr = err
			case <-ticker.C:
				rescan = true
			}
		}
	}
}

// Current reports the state announced by the last marker in the whole
// log. A log without markers reads as DOWN.
func (p *LogPoller) Current(ctx context.Context) (Expected, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return Down, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Down, err
	}

	state := Down
	for _, line := range bytes.Split(data, []byte("\n")) {
		switch {
		case p.up.Match(line):
			state = Up
		case p.down.Match(line):
			state = Down
		}
	}
	return state, nil
}

// logTail reads the lines appended to a file since the last scan.
type logTail struct {
	path    string
	offset  int64
	partial []byte
}

// scan reports whether a complete line appended since the last scan
// matches marker. A file that shrank was truncated or rotated and is read
// from the start.
func (t *logTail) scan(marker *regexp.Regexp) (bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return false, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return false, err
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}
	t.offset += int64(len(chunk))

	data := append(t.partial, chunk...)
	lines := bytes.Split(data, []byte("\n"))
	// The last element is an incomplete line (or empty)
	t.partial = append([]byte(nil), lines[len(lines)-1]...)

	for _, line := range lines[:len(lines)-1] {
		if marker.Match(line) {
			return true, nil
		}
	}
	return false, nil
}
