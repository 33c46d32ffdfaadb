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

package validate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validFlow = `
name: test-flow
scheduling:
  initial_cycle_point: "2026-01-01T00:00Z"
  graph:
    "P1D": "foo => bar"
runtime:
  root: {}
`

const invalidGraphFlow = `
name: bad-flow
scheduling:
  graph:
    "P1D": "foo =>"
runtime:
  root: {}
`

func TestValidateValidFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFlow), 0644))

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "valid")
}

func TestValidateMissingFile(t *testing.T) {
	cmd := NewCommand()
	cmd.SetArgs([]string{"/nonexistent/flow.yaml"})
	err := cmd.Execute()
	require.Error(t, err)
}

func TestValidateBadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(invalidGraphFlow), 0644))

	cmd := NewCommand()
	cmd.SetArgs([]string{path})
	require.Error(t, cmd.Execute())
}

func TestValidateMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduling:\n  graph: {}\n"), 0644))

	cmd := NewCommand()
	cmd.SetArgs([]string{path})
	require.Error(t, cmd.Execute())
}
