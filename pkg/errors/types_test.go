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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigError(t *testing.T) {
	err := &ConfigError{Key: "[scheduling]initial cycle point", Reason: "missing"}
	assert.Contains(t, err.Error(), "initial cycle point")
	assert.Contains(t, err.Error(), "missing")

	cause := errors.New("boom")
	wrapped := &ConfigError{Key: "x", Reason: "bad", Cause: cause}
	require.ErrorIs(t, wrapped, cause)
}

func TestTransientError(t *testing.T) {
	err := &TransientError{Host: "host1", Operation: "ssh-submit", Cause: errors.New("dial timeout")}
	assert.Contains(t, err.Error(), "host1")
	assert.Contains(t, err.Error(), "ssh-submit")
}

func TestStorageErrorIsFatalShaped(t *testing.T) {
	err := &StorageError{Operation: "commit", Cause: errors.New("disk full")}
	assert.Contains(t, err.Error(), "commit")
	assert.Contains(t, err.Error(), "disk full")
}

func TestInvariantViolation(t *testing.T) {
	err := &InvariantViolation{Proxy: "foo.1/1", Reason: "duplicate submit_number"}
	assert.Contains(t, err.Error(), "foo.1/1")
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "submission", Duration: 5 * time.Second}
	assert.Contains(t, err.Error(), "5s")
}
