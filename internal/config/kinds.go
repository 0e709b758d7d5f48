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

import "sort"

// Server kinds.
const (
	KindWildFly = "wildfly"
	KindEAP     = "eap"
	KindGeneric = "generic"
)

// KindDefaults holds the built-in settings of a server kind.
type KindDefaults struct {
	// ShutdownCommand is run relative to the server workdir.
	ShutdownCommand string

	// UpMarker and DownMarker are the log lines announcing a completed
	// boot and a completed shutdown.
	UpMarker   string
	DownMarker string
}

var kindDefaults = map[string]KindDefaults{
	KindWildFly: {
		ShutdownCommand: "bin/jboss-cli.sh --connect command=:shutdown",
		UpMarker:        "WFLYSRV0025",
		DownMarker:      "WFLYSRV0050",
	},
	KindEAP: {
		ShutdownCommand: "bin/jboss-cli.sh --connect command=:shutdown",
		UpMarker:        "JBAS015874",
		DownMarker:      "JBAS015950",
	},
	KindGeneric: {},
}

// KindDefaultsFor returns the defaults of kind, or the zero value for
// unknown kinds.
func KindDefaultsFor(kind string) KindDefaults {
	return kindDefaults[kind]
}

// Kinds returns the supported server kinds, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(kindDefaults))
	for k := range kindDefaults {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
