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
	"fmt"
	"log/slog"

	"github.com/tombee/serverctl/internal/config"
	"github.com/tombee/serverctl/internal/remote"
	"github.com/tombee/serverctl/pkg/httpclient"
	sctlerrors "github.com/tombee/serverctl/pkg/errors"
)

// Poller is a StatePoller that can also report the current state.
type Poller interface {
	StatePoller
	Snapshotter
}

// New builds the poller configured for server. The executor is used by
// the command poller only.
func New(server config.ServerConfig, exec remote.Executor, logger *slog.Logger) (Poller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := server.Poller
	logger = logger.With(slog.String("server", server.Name), slog.String("poller", cfg.Type))

	loop := func(p Prober) Poller {
		return NewLoop(p, cfg.Interval, cfg.ProbeTimeout, logger)
	}

	switch cfg.Type {
	case config.PollerTCP:
		return loop(NewTCPProber(cfg.Address)), nil
	case config.PollerHTTP:
		hc := httpclient.DefaultConfig()
		if cfg.ProbeTimeout > 0 {
			hc.Timeout = cfg.ProbeTimeout
		}
		hc.InsecureSkipVerify = cfg.InsecureSkipVerify
		hc.Logger = logger
		client, err := httpclient.New(hc)
		if err != nil {
			return nil, pollerConfigError(server.Name, "url", err)
		}
		p, err := NewHTTPProber(cfg.URL, cfg.JQ, client)
		if err != nil {
			return nil, pollerConfigError(server.Name, "jq", err)
		}
		return loop(p), nil
	case config.PollerLog:
		p, err := NewLogPoller(cfg.LogFile, cfg.UpMarker, cfg.DownMarker, cfg.Interval, logger)
		if err != nil {
			return nil, pollerConfigError(server.Name, "log", err)
		}
		return p, nil
	case config.PollerProcess:
		return loop(NewProcessProber(cfg.PIDFile)), nil
	case config.PollerCommand:
		if exec == nil {
			return nil, pollerConfigError(server.Name, "status_command", fmt.Errorf("no executor for command poller"))
		}
		return loop(NewCommandProber(exec, server.Workdir, cfg.StatusCommand)), nil
	default:
		return nil, pollerConfigError(server.Name, "type", fmt.Errorf("unknown poller type %q", cfg.Type))
	}
}

func pollerConfigError(server, key string, err error) error {
	return &sctlerrors.ConfigError{
		Key:    fmt.Sprintf("servers[%s].poller.%s", server, key),
		Reason: "invalid poller configuration",
		Cause:  err,
	}
}
