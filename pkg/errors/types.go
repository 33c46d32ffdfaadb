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

package errors

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration problem: schema violations,
// unknown keys, mixed calendars, or prerequisites referencing cycles
// outside a task's own recurrence. Fatal at startup; never partially
// applied.
type ConfigError struct {
	// Key identifies the offending configuration path (e.g.
	// "[scheduling]initial cycle point" or "foo.bar:succeeded").
	Key string

	// Reason explains what's wrong.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// TransientError represents a transport failure (SSH timeout, connection
// refused, DNS failure) that the retry policy should repair. Never
// fatal to the scheduler.
type TransientError struct {
	// Host is the remote host the operation was directed at, if any.
	Host string

	// Operation describes what failed (e.g. "ssh-submit", "rsync-push").
	Operation string

	Cause error
}

func (e *TransientError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("transient error on %s during %s: %v", e.Host, e.Operation, e.Cause)
	}
	return fmt.Sprintf("transient error during %s: %v", e.Operation, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// StorageError represents a persistent-store write failure. Always
// fatal: the scheduler aborts rather than continue with state that
// may have drifted from what was persisted.
type StorageError struct {
	Operation string
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ProtocolError represents a malformed or unauthenticated message
// arriving on the ingress. Logged and dropped; never mutates state.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// InvariantViolation represents an internal invariant broken by a
// proxy or transition that should have been unreachable. Fatal, and
// callers are expected to attach a diagnostic dump of the offending
// proxy before aborting.
type InvariantViolation struct {
	// Proxy identifies the task proxy that violated the invariant,
	// formatted as "name/cycle/submit_number".
	Proxy string

	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("internal invariant violated for %s: %s", e.Proxy, e.Reason)
}

// TimeoutError represents an operation that exceeded its deadline
// (submission timeout, execution time limit, remote command deadline).
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }
