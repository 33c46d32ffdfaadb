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

package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/pkg/cycle"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Compile(map[string]string{"P1D": "foo => bar"}, cycle.Gregorian)
	require.NoError(t, err)
	return g
}

func TestSpawnIsIdempotent(t *testing.T) {
	p := New(testGraph(t), nil, 3, false)
	pt := cycle.NewDatetime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), cycle.Gregorian, 0)

	a := p.Spawn("bar", pt)
	b := p.Spawn("bar", pt)
	require.Same(t, a, b)
	require.Equal(t, StateWaiting, a.State)
	require.Len(t, a.Prereqs.Disjuncts, 1)
}

func TestUpdatePrereqSatisfiesProxy(t *testing.T) {
	p := New(testGraph(t), nil, 3, false)
	pt := cycle.NewDatetime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), cycle.Gregorian, 0)
	proxy := p.Spawn("bar", pt)

	satisfied := p.UpdatePrereq(proxy, "foo", pt.Format(), "succeeded", true)
	require.True(t, satisfied)
}

func TestReadyIterOrdersByCycleThenName(t *testing.T) {
	p := New(testGraph(t), nil, 3, false)
	pt1 := cycle.NewDatetime(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), cycle.Gregorian, 0)
	pt2 := cycle.NewDatetime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), cycle.Gregorian, 0)

	p1 := p.Spawn("bar", pt1)
	p2 := p.Spawn("bar", pt2)
	p.UpdatePrereq(p1, "foo", pt1.Format(), "succeeded", true)
	p.UpdatePrereq(p2, "foo", pt2.Format(), "succeeded", true)

	ready := p.ReadyIter()
	require.Len(t, ready, 2)
	require.True(t, ready[0].Cycle.Before(ready[1].Cycle), "earlier cycle sorts first")
}

func TestQueueAdmitRespectsLimit(t *testing.T) {
	queues := map[string]*Queue{"default": {Limit: 1, Members: map[string]bool{"bar": true}}}
	p := New(testGraph(t), queues, 3, false)
	pt := cycle.NewInteger(1)

	a := p.Spawn("bar", pt)
	a.QueueName = "default"
	p.QueueAdmit(a)
	require.Equal(t, StateReady, a.State)

	b := p.Spawn("bar", cycle.NewInteger(2))
	b.QueueName = "default"
	p.QueueAdmit(b)
	require.Equal(t, StateQueued, b.State)

	p.ReleaseQueueSlot(a)
	p.QueueAdmit(b)
	require.Equal(t, StateReady, b.State)
}

func TestEvictRemovesProxy(t *testing.T) {
	p := New(testGraph(t), nil, 3, false)
	pt := cycle.NewInteger(1)
	proxy := p.Spawn("bar", pt)
	proxy.State = StateSucceeded

	require.False(t, p.IsReferenced(proxy))
	p.Evict(proxy)
	_, ok := p.Get("bar", pt)
	require.False(t, ok)
}

func TestStalledDetection(t *testing.T) {
	p := New(testGraph(t), nil, 3, false)
	pt := cycle.NewInteger(1)
	proxy := p.Spawn("bar", pt)
	require.True(t, p.Stalled(false), "unmet prereqs with nothing active is a stall")

	p.UpdatePrereq(proxy, "foo", pt.Format(), "succeeded", true)
	require.False(t, p.Stalled(false))
}

func TestIncompleteTasksReporting(t *testing.T) {
	p := New(testGraph(t), nil, 3, false)
	pt := cycle.NewInteger(1)
	p.Spawn("bar", pt)

	lines := p.IncompleteTasks()
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "is waiting on")
	require.Contains(t, lines[0], "foo:succeeded")
}

func integerCyclingGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Compile(map[string]string{"P1": "a => b"}, cycle.IntegerCalendar)
	require.NoError(t, err)
	return g
}

// TestSpawnCascadesSelfSuccession covers reviewer fix #1: spawning a
// namespace must materialize its own next occurrence on the governing
// recurrence, not just the one cycle it was asked for.
func TestSpawnCascadesSelfSuccession(t *testing.T) {
	p := New(integerCyclingGraph(t), nil, 3, false)

	p.Spawn("a", cycle.NewInteger(1))

	_, onLive := p.Get("a", cycle.NewInteger(2))
	require.False(t, onLive, "cycle 2 is not admitted until AdvanceRunahead runs")
	require.Contains(t, p.runahead, "a/2")
	require.Equal(t, StateRunahead, p.runahead["a/2"].State)
}

// TestAdvanceRunaheadAdmitsWithinWindow covers reviewer fix #1/#2
// together: successive cycles actually advance, each gated by the
// runahead cap rather than spawned all at once.
func TestAdvanceRunaheadAdmitsWithinWindow(t *testing.T) {
	p := New(integerCyclingGraph(t), nil, 2, false)

	p.Spawn("a", cycle.NewInteger(1))
	p.Spawn("b", cycle.NewInteger(1))
	require.Contains(t, p.runahead, "a/2")
	require.Contains(t, p.runahead, "b/2")

	p.AdvanceRunahead(cycle.NewInteger(1))

	a2, ok := p.Get("a", cycle.NewInteger(2))
	require.True(t, ok, "cycle 2 falls inside a max-active-cycle-points=2 window")
	require.Equal(t, StateWaiting, a2.State)

	// Promoting a/2 must have cascaded its own successor into runahead.
	require.Contains(t, p.runahead, "a/3")
	require.Equal(t, StateRunahead, p.runahead["a/3"].State)
}

// TestAdvanceRunaheadCapsBeyondWindow covers reviewer fix #2 / spec.md
// §8 scenario 6: with a stuck (non-terminal) cycle 1, cycle 3 must
// stay in the runahead pool under a max-active-cycle-points of 2.
func TestAdvanceRunaheadCapsBeyondWindow(t *testing.T) {
	p := New(integerCyclingGraph(t), nil, 2, false)

	p.Spawn("a", cycle.NewInteger(1))
	p.AdvanceRunahead(cycle.NewInteger(1)) // materializes a/2 live, a/3 runahead

	// Cycle 1 is still stuck (non-terminal), so oldestActive stays 1:
	// a/3 must remain withheld no matter how many more ticks pass.
	p.AdvanceRunahead(cycle.NewInteger(1))
	p.AdvanceRunahead(cycle.NewInteger(1))

	_, live := p.Get("a", cycle.NewInteger(3))
	require.False(t, live, "cycle 3 must stay withheld while cycle 1 is still active")
	require.Contains(t, p.runahead, "a/3")
	require.Equal(t, StateRunahead, p.runahead["a/3"].State)
}

// TestFinalCyclePointBoundsSuccession covers reviewer fix #3: once a
// final cycle point is configured, self-succession must not manifest
// any cycle past it.
func TestFinalCyclePointBoundsSuccession(t *testing.T) {
	p := New(integerCyclingGraph(t), nil, 3, false)
	p.SetFinalCyclePoint(cycle.NewInteger(2))

	p.Spawn("a", cycle.NewInteger(2))

	require.NotContains(t, p.runahead, "a/3")
}

// TestFinishedTracksFinalCyclePointDrain covers reviewer fix #3: the
// scheduler needs a clean signal for when to stop once the final
// cycle point's work has fully drained.
func TestFinishedTracksFinalCyclePointDrain(t *testing.T) {
	p := New(integerCyclingGraph(t), nil, 3, false)
	require.False(t, p.Finished(), "no final cycle point configured: never finished")

	p.SetFinalCyclePoint(cycle.NewInteger(1))

	a := p.Spawn("a", cycle.NewInteger(1))
	require.False(t, p.Finished())

	a.State = StateSucceeded
	p.Evict(a)
	require.True(t, p.Finished(), "final cycle point set and the pool fully drained")
}

// TestSpawnToHorizonRequiresSpawnToMaxActive covers reviewer fix #4:
// SpawnToHorizon must actually do something when wired on, and must
// stay a no-op when the flow file's spawn_to_max_active_cycle_points
// is off (the lazy self-succession path is the default instead).
func TestSpawnToHorizonRequiresSpawnToMaxActive(t *testing.T) {
	g := integerCyclingGraph(t)
	rec, ok := g.RecurrenceForName("a")
	require.True(t, ok)

	off := New(g, nil, 3, false)
	off.SpawnToHorizon([]string{"a", "b"}, rec, cycle.NewInteger(1), cycle.NewInteger(3))
	_, ok = off.Get("a", cycle.NewInteger(2))
	require.False(t, ok, "spawn_to_max_active_cycle_points disabled: no eager pre-materialization")

	on := New(g, nil, 3, true)
	on.Spawn("a", cycle.NewInteger(1))
	on.SpawnToHorizon([]string{"a", "b"}, rec, cycle.NewInteger(1), cycle.NewInteger(3))
	_, ok = on.Get("b", cycle.NewInteger(2))
	require.True(t, ok, "spawn_to_max_active_cycle_points enabled: b/2 exists without waiting on a/2")
}
