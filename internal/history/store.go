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

// Package history records lifecycle transitions, rollbacks and errors in
// a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/serverctl/internal/events"
	_ "modernc.org/sqlite"
)

// writeTimeout bounds a single sink write.
const writeTimeout = 5 * time.Second

// Store implements events.Sink, events.RollbackSink and events.ErrorSink
// on SQLite. Sink methods write synchronously; wrap the store in
// events.Async when it is fed from a controller.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the history database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// SQLite connection string with WAL mode for better concurrency
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			server TEXT NOT NULL,
			kind TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			task_id TEXT,
			message TEXT,
			severity TEXT,
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_server ON events(server, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Append stores ev.
func (s *Store) Append(ctx context.Context, ev events.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, server, kind, from_state, to_state, task_id, message, severity, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.Server, string(ev.Kind), ev.From, ev.To, ev.TaskID, ev.Message, ev.Severity,
		ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest events for server, oldest first.
func (s *Store) Recent(ctx context.Context, server string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, kind, from_state, to_state, task_id, message, severity, at
		 FROM events WHERE server = ? ORDER BY seq DESC LIMIT ?`,
		server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind, at string
		var from, to, taskID, message, severity sql.NullString
		if err := rows.Scan(&ev.Server, &kind, &from, &to, &taskID, &message, &severity, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = events.Kind(kind)
		ev.From, ev.To, ev.TaskID = from.String, to.String, taskID.String
		ev.Message, ev.Severity = message.String, severity.String
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("invalid event timestamp %q: %w", at, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ErrNoState is returned by LastState when nothing was recorded for a server.
var ErrNoState = errors.New("no recorded state")

// LastState returns the state the server was last left in: the target of
// the newest transition or rollback.
func (s *Store) LastState(ctx context.Context, server string) (string, time.Time, error) {
	var state, at string
	err := s.db.QueryRowContext(ctx,
		`SELECT to_state, at FROM events
		 WHERE server = ? AND kind IN (?, ?)
		 ORDER BY seq DESC LIMIT 1`,
		server, string(events.KindTransition), string(events.KindRollback),
	).Scan(&state, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNoState
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to query last state: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid event timestamp %q: %w", at, err)
	}
	return state, ts, nil
}

// Publish implements events.Sink.
func (s *Store) Publish(t events.Transition) {
	s.write(events.TransitionEvent(t))
}

// Rollback implements events.RollbackSink.
func (s *Store) Rollback(r events.Rollback) {
	s.write(events.RollbackEvent(r))
}

// Log implements events.ErrorSink.
func (s *Store) Log(server string, err error) {
	if err == nil {
		return
	}
	s.write(events.ErrorEvent(server, err))
}

func (s *Store) write(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Append(ctx, ev); err != nil {
		s.logger.Warn("failed to record history", slog.String("server", ev.Server), slog.Any("error", err))
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
