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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		wantLevel string
		wantFmt   Format
		wantSrc   bool
	}{
		{
			name:      "defaults when no env vars",
			envVars:   map[string]string{},
			wantLevel: "info",
			wantFmt:   FormatJSON,
		},
		{
			name:      "LOG_LEVEL=DEBUG (case insensitive)",
			envVars:   map[string]string{"LOG_LEVEL": "DEBUG"},
			wantLevel: "debug",
			wantFmt:   FormatJSON,
		},
		{
			name:      "SERVERCTL_LOG_LEVEL wins over LOG_LEVEL",
			envVars:   map[string]string{"LOG_LEVEL": "error", "SERVERCTL_LOG_LEVEL": "warn"},
			wantLevel: "warn",
			wantFmt:   FormatJSON,
		},
		{
			name:      "SERVERCTL_DEBUG enables debug and source",
			envVars:   map[string]string{"SERVERCTL_DEBUG": "1", "SERVERCTL_LOG_LEVEL": "error"},
			wantLevel: "debug",
			wantFmt:   FormatJSON,
			wantSrc:   true,
		},
		{
			name:      "LOG_FORMAT=text",
			envVars:   map[string]string{"LOG_FORMAT": "TEXT"},
			wantLevel: "info",
			wantFmt:   FormatText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"SERVERCTL_DEBUG", "SERVERCTL_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFmt {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFmt)
			}
			if cfg.AddSource != tt.wantSrc {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.wantSrc)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("test message", ServerKey, "eap")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg field to be 'test message', got: %v", logEntry["msg"])
	}
	if logEntry[ServerKey] != "eap" {
		t.Errorf("expected server field to be 'eap', got: %v", logEntry[ServerKey])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("test message", "key", "value")

	if !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}

	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTrace_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	Trace(New(&Config{Level: "debug", Format: FormatText, Output: &buf}), "probe")
	if buf.Len() != 0 {
		t.Errorf("trace should be filtered at debug level, got: %s", buf.String())
	}

	Trace(New(&Config{Level: "trace", Format: FormatText, Output: &buf}), "probe")
	if !strings.Contains(buf.String(), "probe") {
		t.Errorf("trace should be emitted at trace level, got: %s", buf.String())
	}
}

func TestWithServerAndComponent(t *testing.T) {
	var buf bytes.Buffer

	logger := WithComponent(WithServer(New(&Config{Format: FormatJSON, Output: &buf}), "wildfly"), "lifecycle")
	logger.Warn("poll timed out", Error(errors.New("connection refused")))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["server"] != "wildfly" || entry["component"] != "lifecycle" {
		t.Errorf("missing context fields: %v", entry)
	}
	if entry["error"] != "connection refused" {
		t.Errorf("error attr = %v", entry["error"])
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger should not be enabled at any level")
	}
}
