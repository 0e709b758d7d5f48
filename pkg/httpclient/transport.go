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

package httpclient

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/serverctl/internal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// loggingTransport traces probe requests, sets the User-Agent and injects
// the trace context.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, userAgent string, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, userAgent: userAgent, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("url", redactURL(req.URL)),
		log.Duration(log.DurationKey, time.Since(start).Milliseconds()),
	}
	if err != nil {
		log.Trace(t.logger, "probe request failed", append(attrs, log.Error(err))...)
		return nil, err
	}
	log.Trace(t.logger, "probe request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}

// secretParams are query parameter name fragments whose values are hidden
// from logs. Management endpoints often take credentials this way.
var secretParams = []string{"pass", "token", "secret", "key", "auth", "credential"}

// redactURL renders a health URL for logging with the userinfo password
// and secret-looking query values masked.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	if safe.RawQuery != "" {
		q := safe.Query()
		for name := range q {
			if isSecretParam(name) {
				q.Set(name, "xxxxx")
			}
		}
		safe.RawQuery = q.Encode()
	}
	return safe.Redacted()
}

func isSecretParam(name string) bool {
	name = strings.ToLower(name)
	for _, frag := range secretParams {
		if strings.Contains(name, frag) {
			return true
		}
	}
	return false
}
