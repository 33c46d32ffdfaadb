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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileRejectsUnknownField(t *testing.T) {
	_, err := Compile("notify.sh %(bogus)s")
	require.Error(t, err)
}

func TestCompileAcceptsMetaField(t *testing.T) {
	tmpl, err := Compile("notify.sh %(proxy)s %(meta.team)s")
	require.NoError(t, err)
	out := tmpl.Expand(Fields{Proxy: "foo/1", Meta: map[string]string{"team": "ops"}})
	require.Equal(t, "notify.sh foo/1 ops", out)
}

func TestExpandSubstitutesAllRecognizedFields(t *testing.T) {
	tmpl, err := Compile("handler %(event)s %(workflow)s %(proxy)s %(cycle)s %(try_num)s %(submit_num)s %(message)s")
	require.NoError(t, err)
	out := tmpl.Expand(Fields{
		Event: "failed", Workflow: "wf1", Proxy: "foo/1", Cycle: "1",
		TryNum: 2, SubmitNum: 1, Message: "boom",
	})
	require.Contains(t, out, "failed")
	require.Contains(t, out, "wf1")
	require.Contains(t, out, "boom")
}
