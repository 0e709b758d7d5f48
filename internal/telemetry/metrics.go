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

package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/serverctl/internal/events"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records poll task and lifecycle metrics. It is both a poll task
// observer and an event sink.
type Metrics struct {
	meter metric.Meter

	tasksStarted metric.Int64Counter
	pollOutcomes metric.Int64Counter
	pollLatency  metric.Float64Histogram
	transitions  metric.Int64Counter
	rollbacks    metric.Int64Counter
	errorsTotal  metric.Int64Counter

	activeMu sync.Mutex
	active   map[string]int64
}

// NewMetrics creates the instruments on meterProvider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("serverctl")

	m := &Metrics{
		meter:  meter,
		active: make(map[string]int64),
	}

	var err error

	m.tasksStarted, err = meter.Int64Counter(
		"serverctl_poll_tasks_started_total",
		metric.WithDescription("Total number of poll tasks started"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.pollOutcomes, err = meter.Int64Counter(
		"serverctl_poll_outcomes_total",
		metric.WithDescription("Total number of finished poll tasks by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.pollLatency, err = meter.Float64Histogram(
		"serverctl_poll_duration_seconds",
		metric.WithDescription("Time from poll task start to outcome in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.transitions, err = meter.Int64Counter(
		"serverctl_transitions_total",
		metric.WithDescription("Total number of published lifecycle transitions by target state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.rollbacks, err = meter.Int64Counter(
		"serverctl_rollbacks_total",
		metric.WithDescription("Total number of abandoned transitions"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, err
	}

	m.errorsTotal, err = meter.Int64Counter(
		"serverctl_errors_total",
		metric.WithDescription("Total number of reported lifecycle errors and warnings"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"serverctl_poll_tasks_active",
		metric.WithDescription("Number of running poll tasks"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.activeMu.Lock()
			defer m.activeMu.Unlock()
			for server, n := range m.active {
				o.Observe(n, metric.WithAttributes(attribute.String("server", server)))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskStarted records a started poll task.
func (m *Metrics) TaskStarted(ctx context.Context, server string) {
	m.tasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))

	m.activeMu.Lock()
	m.active[server]++
	m.activeMu.Unlock()
}

// TaskFinished records a finished poll task.
func (m *Metrics) TaskFinished(ctx context.Context, server, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome),
	)
	m.pollOutcomes.Add(ctx, 1, attrs)
	m.pollLatency.Record(ctx, elapsed.Seconds(), attrs)

	m.activeMu.Lock()
	if m.active[server] > 0 {
		m.active[server]--
	}
	m.activeMu.Unlock()
}

// Publish implements events.Sink.
func (m *Metrics) Publish(t events.Transition) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", t.Server),
		attribute.String("state", t.To),
	))
}

// Rollback implements events.RollbackSink.
func (m *Metrics) Rollback(r events.Rollback) {
	m.rollbacks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", r.Server),
		attribute.String("state", r.To),
	))
}

// Log implements events.ErrorSink.
func (m *Metrics) Log(server string, err error) {
	if err == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("type", sctlerrors.TypeOf(err)),
		attribute.String("severity", sctlerrors.SeverityOf(err).String()),
	))
}

// Active returns the number of running poll tasks for server.
func (m *Metrics) Active(server string) int64 {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return m.active[server]
}
