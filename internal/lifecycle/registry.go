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

package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds at most one controller per server handle.
type Registry struct {
	mu          sync.RWMutex
	controllers map[ServerHandle]*Controller
	closed      bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[ServerHandle]*Controller)}
}

// Attach creates the controller for handle. It fails with
// ErrAlreadyAttached if handle already has one.
func (r *Registry) Attach(handle ServerHandle, opts Options) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.controllers[handle]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, handle)
	}

	c, err := New(handle, opts)
	if err != nil {
		return nil, err
	}
	r.controllers[handle] = c
	return c, nil
}

// Get returns the controller for handle.
func (r *Registry) Get(handle ServerHandle) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[handle]
	return c, ok
}

// Detach closes and removes the controller for handle. Detaching an
// unknown handle is a no-op.
func (r *Registry) Detach(handle ServerHandle) error {
	r.mu.Lock()
	c, ok := r.controllers[handle]
	delete(r.controllers, handle)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

// Handles returns the attached handles in sorted order.
func (r *Registry) Handles() []ServerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]ServerHandle, 0, len(r.controllers))
	for h := range r.controllers {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Statuses returns a status snapshot for every attached controller, in
// handle order.
func (r *Registry) Statuses() []Status {
	handles := r.Handles()
	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		if c, ok := r.Get(h); ok {
			out = append(out, c.Status())
		}
	}
	return out
}

// CloseAll closes every controller concurrently and rejects further
// attaches. It returns early with ctx's error if ctx ends first; the
// controllers still finish closing in the background.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	controllers := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	r.controllers = make(map[ServerHandle]*Controller)
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range controllers {
		g.Go(c.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
