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

package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RemoteInit pushes the service package (contact address, shared
// secret, UUID marker) to a (host, user) pair exactly once per Pool
// lifetime, and detects filesystem-shared hosts by checking whether a
// marker written for one host is already visible from another.
type RemoteInit struct {
	pool *Pool

	mu      sync.Mutex
	done    map[string]bool
	markers map[string]string // host/user -> uuid marker written there
}

// NewRemoteInit constructs a RemoteInit bound to pool.
func NewRemoteInit(pool *Pool) *RemoteInit {
	return &RemoteInit{
		pool:    pool,
		done:    make(map[string]bool),
		markers: make(map[string]string),
	}
}

// ServicePackage is what gets pushed to the remote run directory
// before the first job for a (host, user) pair.
type ServicePackage struct {
	ContactAddress string
	SharedSecret   string
}

// Ensure pushes the service package to host/user if it hasn't already
// been initialized this run. remote-init echoes back whatever marker
// it finds already present in the remote run directory before writing
// the new one; if that echoed marker matches one we wrote for a
// different (host, user) pair, the two share a filesystem and Ensure
// reports the earlier key as sharedWith instead of re-pushing.
func (r *RemoteInit) Ensure(ctx context.Context, host, user string, pkg ServicePackage) (sharedWith string, err error) {
	key := user + "@" + host

	r.mu.Lock()
	if r.done[key] {
		r.mu.Unlock()
		return "", nil
	}
	r.mu.Unlock()

	marker := uuid.NewString()
	res := r.pool.RunSync(ctx, Command{
		Host: host, User: user,
		Argv: []string{"cyclone", "remote-init"},
		Stdin: fmt.Sprintf("CONTACT=%s\nSECRET=%s\nMARKER=%s\n",
			pkg.ContactAddress, pkg.SharedSecret, marker),
	})
	if res.Err != nil {
		return "", res.Err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("executor: remote-init on %s exited %d: %s", key, res.ExitCode, res.Stderr)
	}

	echoed := strings.TrimSpace(res.Stdout)

	r.mu.Lock()
	defer r.mu.Unlock()
	if echoed != "" {
		for other, m := range r.markers {
			if m == echoed && other != key {
				r.done[key] = true
				return other, nil
			}
		}
	}
	r.markers[key] = marker
	r.done[key] = true
	return "", nil
}
