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

/*
Package lifecycle drives managed servers through their lifecycle states.

A Controller owns one server. It accepts start, stop and forced-stop
requests, runs the configured start or shutdown command through a
remote.Executor, and confirms transitions with a background poll task.
Every state change goes through a single mailbox goroutine, so the
published states of a server are totally ordered and at most one poll task
exists for it at any time:

	ctrl, err := lifecycle.New("wildfly-1", lifecycle.Options{
	    Executor:        exec,
	    Poller:          p,
	    Pool:            pool,
	    Sink:            sink,
	    ShutdownCommand: "bin/jboss-cli.sh --connect command=:shutdown",
	})
	if err != nil {
	    return err
	}
	defer ctrl.Close()

	if err := ctrl.Start(ctx); err != nil {
	    return err
	}
	status, err := ctrl.Await(ctx)

# States

	STOPPED --start--> STARTING --poll up--> STARTED
	any --stop--> STOPPING --command ok--> STOPPED
	any --stop --force--> STOPPED

A failed shutdown command rolls the server back to STARTED. The rollback is
delivered to sinks implementing events.RollbackSink; it is not a published
transition.

# Supersession

A new request cancels the outstanding poll task and waits for it to finish
before anything else happens. Completions carry the task ID; a completion
from a superseded task is discarded.

A Registry holds one controller per server handle.
*/
package lifecycle
