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

package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/cyclone/pkg/cycle"
)

func TestCompileSimpleChain(t *testing.T) {
	g, err := Compile(map[string]string{"P1D": "foo => bar"}, cycle.Gregorian)
	require.NoError(t, err)
	require.Len(t, g.Recurrences, 1)
	edges := g.Recurrences[0].Edges
	require.Len(t, edges, 1)
	require.Equal(t, "foo", edges[0].UpstreamName)
	require.Equal(t, "bar", edges[0].DownstreamName)
	require.Equal(t, "succeeded", edges[0].RequiredOutput)
}

func TestCompileDisjunctionAndConjunction(t *testing.T) {
	g, err := Compile(map[string]string{"P1D": "foo:succeeded | bar:succeeded & baz:succeeded => qux"}, cycle.Gregorian)
	require.NoError(t, err)
	edges := g.Recurrences[0].Edges
	require.Len(t, edges, 3)

	groups := map[int][]string{}
	for _, e := range edges {
		groups[e.DisjunctGroup] = append(groups[e.DisjunctGroup], e.UpstreamName)
	}
	require.Len(t, groups, 2)
	require.ElementsMatch(t, []string{"foo"}, groups[0])
	require.ElementsMatch(t, []string{"bar", "baz"}, groups[1])
}

func TestCompileCycleOffsetAndTrigger(t *testing.T) {
	g, err := Compile(map[string]string{"P1D": "foo[-P1D]:failed => bar"}, cycle.Gregorian)
	require.NoError(t, err)
	e := g.Recurrences[0].Edges[0]
	require.Equal(t, TriggerFailed, e.Trigger)
	require.Equal(t, -1, e.CycleOffset.Days)
}

func TestSuicideTrigger(t *testing.T) {
	g, err := Compile(map[string]string{"P1D": "!foo => bar"}, cycle.Gregorian)
	require.NoError(t, err)
	require.Equal(t, TriggerSuicide, g.Recurrences[0].Edges[0].Trigger)
}

func TestEdgesForAndDownstreamPrereqs(t *testing.T) {
	g, err := Compile(map[string]string{"P1D": "foo => bar\nbar => baz"}, cycle.Gregorian)
	require.NoError(t, err)
	require.Len(t, g.EdgesFor("foo"), 1)
	require.Len(t, g.DownstreamPrereqs("bar"), 1)
	require.Len(t, g.DownstreamPrereqs("baz"), 1)
}

func TestPredicateEvaluator(t *testing.T) {
	pe := NewPredicateEvaluator()
	ok, err := pe.Evaluate(`result.ready == true`, map[string]any{"result": map[string]any{"ready": true}})
	require.NoError(t, err)
	require.True(t, ok)

	ok2, err := pe.Evaluate("", nil)
	require.NoError(t, err)
	require.True(t, ok2, "empty predicate defaults to satisfied")
}
