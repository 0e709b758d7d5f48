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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Transport names.
const (
	TransportLocal     = "local"
	TransportSSH       = "ssh"
	TransportContainer = "container"
)

// Poller type names.
const (
	PollerTCP     = "tcp"
	PollerHTTP    = "http"
	PollerLog     = "log"
	PollerProcess = "process"
	PollerCommand = "command"
)

// Config represents the complete serverctl configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	History HistoryConfig  `yaml:"history"`
	Poll    PollConfig     `yaml:"poll"`
	Servers []ServerConfig `yaml:"servers"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the metrics endpoint served by `serverctl watch`.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr,omitempty"`

	// StdoutTraces prints finished spans to stdout.
	StdoutTraces bool `yaml:"stdout_traces,omitempty"`

	// OTLP exports spans to an OpenTelemetry collector.
	OTLP OTLPConfig `yaml:"otlp,omitempty"`
}

// OTLPConfig configures span export. An empty endpoint disables it.
type OTLPConfig struct {
	Endpoint string            `yaml:"endpoint,omitempty"`
	Protocol string            `yaml:"protocol,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// HistoryConfig configures the transition history database.
type HistoryConfig struct {
	// Path is the SQLite database file. Defaults to the XDG data directory.
	Path string `yaml:"path,omitempty"`

	// Disabled turns off history recording.
	Disabled bool `yaml:"disabled,omitempty"`
}

// PollConfig holds settings shared by all pollers.
type PollConfig struct {
	// MaxConcurrent bounds the number of poll tasks running at once.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// ServerConfig describes one managed server.
type ServerConfig struct {
	Name string `yaml:"name"`

	// Kind selects built-in defaults: wildfly, eap or generic.
	Kind string `yaml:"kind,omitempty"`

	// Transport selects how commands reach the server: local, ssh or container.
	Transport string          `yaml:"transport,omitempty"`
	SSH       SSHConfig       `yaml:"ssh,omitempty"`
	Container ContainerConfig `yaml:"container,omitempty"`

	// Workdir is the directory commands run in (the server home).
	Workdir string `yaml:"workdir,omitempty"`

	StartCommand    string `yaml:"start_command,omitempty"`
	ShutdownCommand string `yaml:"shutdown_command,omitempty"`

	// IgnoreShutdownCommand skips the graceful shutdown command; the
	// server is assumed to stop on its own.
	IgnoreShutdownCommand bool `yaml:"ignore_shutdown_command,omitempty"`

	// ConfirmStopByPolling waits for the poller to observe DOWN before
	// publishing STOPPED when the shutdown command is ignored.
	ConfirmStopByPolling bool `yaml:"confirm_stop_by_polling,omitempty"`

	// ShutdownTimeout bounds the graceful shutdown command.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// StartTimeout is the poll deadline for reaching UP.
	StartTimeout time.Duration `yaml:"start_timeout,omitempty"`

	// StopTimeout is the poll deadline for reaching DOWN.
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	Poller PollerConfig `yaml:"poller"`
}

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port,omitempty"`
	User string `yaml:"user,omitempty"`

	// KeyFile is a private key. When empty the password is looked up in
	// the system keychain.
	KeyFile string `yaml:"key_file,omitempty"`

	KnownHosts            string        `yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key,omitempty"`
	DialTimeout           time.Duration `yaml:"dial_timeout,omitempty"`
}

// ContainerConfig configures the container transport.
type ContainerConfig struct {
	// Runtime is the container CLI: docker or podman.
	Runtime string `yaml:"runtime,omitempty"`

	// Name is the container name or ID.
	Name string `yaml:"name"`

	User string `yaml:"user,omitempty"`
}

// PollerConfig selects and configures the state poller of a server.
type PollerConfig struct {
	Type string `yaml:"type"`

	// tcp
	Address string `yaml:"address,omitempty"`

	// http
	URL string `yaml:"url,omitempty"`
	JQ  string `yaml:"jq,omitempty"`

	// InsecureSkipVerify accepts self-signed certificates on url.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// log
	LogFile    string `yaml:"log_file,omitempty"`
	UpMarker   string `yaml:"up_marker,omitempty"`
	DownMarker string `yaml:"down_marker,omitempty"`

	// process
	PIDFile string `yaml:"pid_file,omitempty"`

	// command
	StatusCommand string `yaml:"status_command,omitempty"`

	Interval     time.Duration `yaml:"interval,omitempty"`
	ProbeTimeout time.Duration `yaml:"probe_timeout,omitempty"`
}

// Default returns a Config with sensible defaults and no servers.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		History: HistoryConfig{
			Path: defaultHistoryPath(),
		},
		Poll: PollConfig{
			MaxConcurrent: 16,
		},
	}
}

// Server defaults.
const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStartTimeout    = 5 * time.Minute
	DefaultStopTimeout     = 2 * time.Minute
	DefaultPollInterval    = time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultSSHPort         = 22
	DefaultSSHDialTimeout  = 10 * time.Second
)

// Load loads configuration from a YAML file and environment variables.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, only environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &sctlerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &sctlerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values, including the per-kind shutdown
// command and log markers.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.History.Path == "" {
		c.History.Path = defaults.History.Path
	}
	if c.Metrics.OTLP.Protocol == "" {
		c.Metrics.OTLP.Protocol = "grpc"
	}
	if c.Poll.MaxConcurrent == 0 {
		c.Poll.MaxConcurrent = defaults.Poll.MaxConcurrent
	}

	for i := range c.Servers {
		c.Servers[i].applyDefaults()
	}
}

func (s *ServerConfig) applyDefaults() {
	if s.Kind == "" {
		s.Kind = KindGeneric
	}
	if s.Transport == "" {
		s.Transport = TransportLocal
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.StartTimeout == 0 {
		s.StartTimeout = DefaultStartTimeout
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = DefaultStopTimeout
	}

	kd := KindDefaultsFor(s.Kind)
	if s.ShutdownCommand == "" && !s.IgnoreShutdownCommand {
		s.ShutdownCommand = kd.ShutdownCommand
	}
	if s.Poller.Type == PollerLog {
		if s.Poller.UpMarker == "" {
			s.Poller.UpMarker = kd.UpMarker
		}
		if s.Poller.DownMarker == "" {
			s.Poller.DownMarker = kd.DownMarker
		}
	}
	if s.Poller.Interval == 0 {
		s.Poller.Interval = DefaultPollInterval
	}
	if s.Poller.ProbeTimeout == 0 {
		s.Poller.ProbeTimeout = DefaultProbeTimeout
	}

	switch s.Transport {
	case TransportSSH:
		if s.SSH.Port == 0 {
			s.SSH.Port = DefaultSSHPort
		}
		if s.SSH.DialTimeout == 0 {
			s.SSH.DialTimeout = DefaultSSHDialTimeout
		}
		if s.SSH.User == "" {
			s.SSH.User = os.Getenv("USER")
		}
	case TransportContainer:
		if s.Container.Runtime == "" {
			s.Container.Runtime = "docker"
		}
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("SERVERCTL_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Metrics.OTLP.Endpoint = val
	}
	if val := os.Getenv("SERVERCTL_HISTORY_PATH"); val != "" {
		c.History.Path = val
	}
	if val := os.Getenv("SERVERCTL_POLL_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Poll.MaxConcurrent = n
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	if c.Metrics.OTLP.Endpoint != "" && c.Metrics.OTLP.Protocol != "grpc" && c.Metrics.OTLP.Protocol != "http" {
		errs = append(errs, fmt.Sprintf("metrics.otlp.protocol must be one of [grpc, http], got %q", c.Metrics.OTLP.Protocol))
	}
	if c.Poll.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("poll.max_concurrent must be at least 1, got %d", c.Poll.MaxConcurrent))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		prefix := fmt.Sprintf("servers[%d]", i)
		if s.Name == "" {
			errs = append(errs, prefix+".name is required")
		} else {
			if seen[s.Name] {
				errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, s.Name))
			}
			seen[s.Name] = true
			prefix = fmt.Sprintf("servers[%s]", s.Name)
		}
		errs = append(errs, s.validate(prefix)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func (s *ServerConfig) validate(prefix string) []string {
	var errs []string

	if _, ok := kindDefaults[s.Kind]; !ok {
		errs = append(errs, fmt.Sprintf("%s.kind must be one of %v, got %q", prefix, Kinds(), s.Kind))
	}

	switch s.Transport {
	case TransportLocal:
	case TransportSSH:
		if s.SSH.Host == "" {
			errs = append(errs, prefix+".ssh.host is required for the ssh transport")
		}
		if s.SSH.Port < 1 || s.SSH.Port > 65535 {
			errs = append(errs, fmt.Sprintf("%s.ssh.port must be between 1 and 65535, got %d", prefix, s.SSH.Port))
		}
		if s.SSH.KnownHosts == "" && !s.SSH.InsecureIgnoreHostKey {
			errs = append(errs, prefix+".ssh.known_hosts is required unless insecure_ignore_host_key is set")
		}
	case TransportContainer:
		if s.Container.Name == "" {
			errs = append(errs, prefix+".container.name is required for the container transport")
		}
		if s.Container.Runtime != "docker" && s.Container.Runtime != "podman" {
			errs = append(errs, fmt.Sprintf("%s.container.runtime must be one of [docker, podman], got %q", prefix, s.Container.Runtime))
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.transport must be one of [local, ssh, container], got %q", prefix, s.Transport))
	}

	if !s.IgnoreShutdownCommand && s.ShutdownCommand == "" {
		errs = append(errs, prefix+".shutdown_command is required unless ignore_shutdown_command is set")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("%s.shutdown_timeout must be positive, got %v", prefix, s.ShutdownTimeout))
	}
	if s.StartTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("%s.start_timeout must be positive, got %v", prefix, s.StartTimeout))
	}
	if s.StopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("%s.stop_timeout must be positive, got %v", prefix, s.StopTimeout))
	}

	return append(errs, s.Poller.validate(prefix+".poller", s.Transport)...)
}

func (p *PollerConfig) validate(prefix, transport string) []string {
	var errs []string

	switch p.Type {
	case PollerTCP:
		if p.Address == "" {
			errs = append(errs, prefix+".address is required for the tcp poller")
		}
	case PollerHTTP:
		if p.URL == "" {
			errs = append(errs, prefix+".url is required for the http poller")
		}
		if p.JQ != "" {
			if err := validateJQ(p.JQ); err != nil {
				errs = append(errs, fmt.Sprintf("%s.jq: %v", prefix, err))
			}
		}
	case PollerLog:
		if p.LogFile == "" {
			errs = append(errs, prefix+".log_file is required for the log poller")
		}
		if p.UpMarker == "" || p.DownMarker == "" {
			errs = append(errs, prefix+".up_marker and down_marker are required for the log poller")
		}
		if transport != TransportLocal {
			errs = append(errs, prefix+": the log poller requires the local transport")
		}
	case PollerProcess:
		if p.PIDFile == "" {
			errs = append(errs, prefix+".pid_file is required for the process poller")
		}
		if transport != TransportLocal {
			errs = append(errs, prefix+": the process poller requires the local transport")
		}
	case PollerCommand:
		if p.StatusCommand == "" {
			errs = append(errs, prefix+".status_command is required for the command poller")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.type must be one of [tcp, http, log, process, command], got %q", prefix, p.Type))
	}

	if p.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("%s.interval must be positive, got %v", prefix, p.Interval))
	}
	if p.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("%s.probe_timeout must be positive, got %v", prefix, p.ProbeTimeout))
	}

	return errs
}

// validateJQ compiles a jq expression to catch syntax errors at load time.
func validateJQ(expression string) error {
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

// Server returns the configuration of the named server.
func (c *Config) Server(name string) (*ServerConfig, error) {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], nil
		}
	}
	return nil, &sctlerrors.NotFoundError{Resource: "server", ID: name}
}

// ServerNames returns the configured server names in file order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		names = append(names, s.Name)
	}
	return names
}

// ShouldIgnoreShutdownCommand reports whether the graceful stop of the
// named server skips the shutdown command. Unknown servers never skip it.
func (c *Config) ShouldIgnoreShutdownCommand(name string) bool {
	s, err := c.Server(name)
	if err != nil {
		return false
	}
	return s.IgnoreShutdownCommand
}
