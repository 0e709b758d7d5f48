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

// Package poller implements the state pollers that detect when a managed
// server has come up or gone down.
//
// A poll repeatedly probes an external signal (a socket, a health
// endpoint, a log file, a PID file, a status command) until the expected
// state is observed, the deadline elapses, or the caller cancels.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/serverctl/internal/log"
	"golang.org/x/time/rate"
)

// Expected is the target state of a poll.
type Expected int

const (
	Up Expected = iota
	Down
)

// String returns "up" or "down".
func (e Expected) String() string {
	if e == Up {
		return "up"
	}
	return "down"
}

// OutcomeKind is the terminal result of a poll.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	Timeout
	Cancelled
)

// String returns the lower-case outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the terminal result of one poll.
type Outcome struct {
	Kind OutcomeKind

	// ObservedAt is when the expected state was seen. Zero unless Kind is Success.
	ObservedAt time.Time

	// Attempts is the number of probes made.
	Attempts int

	// Err is the last probe error or mismatch, for diagnostics.
	Err error
}

// Intent asks for one server to reach one state within a deadline.
type Intent struct {
	Server   string
	Expected Expected
	Deadline time.Duration
}

// StatePoller waits for a server to reach an expected state. Poll blocks
// until the state is observed (Success), deadline elapses (Timeout) or ctx
// is cancelled (Cancelled). Implementations keep no state between calls.
type StatePoller interface {
	Poll(ctx context.Context, expected Expected, deadline time.Duration) Outcome
}

// Prober takes a single reading of a signal. An error means the signal
// could not be read; it counts as a DOWN observation.
type Prober interface {
	Probe(ctx context.Context) (up bool, err error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) (bool, error)

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// Loop polls a Prober at a fixed pace. Probes are paced by a token
// bucket, so the first probe runs immediately.
type Loop struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewLoop creates a probe loop. Zero durations fall back to one second
// between probes and a five second probe timeout.
func NewLoop(prober Prober, interval, probeTimeout time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		prober:       prober,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Poll implements StatePoller.
func (l *Loop) Poll(ctx context.Context, expected Expected, deadline time.Duration) Outcome {
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(l.interval), 1)
	attempts := 0
	var lastErr error

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			// Wait fails early when the next token lies past the deadline
			<-pollCtx.Done()
			break
		}

		attempts++
		probeCtx, probeCancel := context.WithTimeout(pollCtx, l.probeTimeout)
		up, err := l.prober.Probe(probeCtx)
		probeCancel()

		observed := Up
		if err != nil || !up {
			observed = Down
		}
		if observed == expected {
			if ctx.Err() != nil {
				break
			}
			return Outcome{Kind: Success, ObservedAt: time.Now(), Attempts: attempts}
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("observed %s", observed)
		}
		l.logger.Log(ctx, log.LevelTrace, "probe",
			slog.String("expected", expected.String()),
			slog.Int("attempt", attempts),
			slog.Any("result", lastErr))

		if pollCtx.Err() != nil {
			break
		}
	}

	return terminal(ctx, attempts, lastErr)
}

// terminal classifies the end of a poll that did not succeed. The caller's
// context decides between Cancelled and Timeout.
func terminal(ctx context.Context, attempts int, lastErr error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: Cancelled, Attempts: attempts, Err: lastErr}
	}
	return Outcome{Kind: Timeout, Attempts: attempts, Err: lastErr}
}

// Snapshotter reports the current state of a server without waiting for
// a change. It is used to seed the lifecycle state on attach.
type Snapshotter interface {
	Current(ctx context.Context) (Expected, error)
}

// Current implements Snapshotter with a single probe.
func (l *Loop) Current(ctx context.Context) (Expected, error) {
	probeCtx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	up, err := l.prober.Probe(probeCtx)
	if err != nil || !up {
		return Down, err
	}
	return Up, nil
}
