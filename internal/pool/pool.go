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
	"sort"
	"sync"

	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/pkg/cycle"
)

// Queue is an admission-limited submission lane.
type Queue struct {
	Limit   int
	Members map[string]bool // namespace membership
	active  int
}

// Pool owns every live TaskProxy plus the suspended runahead set.
type Pool struct {
	mu sync.Mutex

	graph *graph.Graph

	live     map[string]*Proxy // CycleKey -> proxy
	runahead map[string]*Proxy // held back past the active window

	queues            map[string]*Queue
	maxActiveCyclePts int
	spawnToMaxActive  bool
	insertionOrder    []string // live keys, in spawn order, for ready_iter tie-break

	final    cycle.Point
	hasFinal bool
}

// defaultMaxActiveCyclePoints matches spec.md §3's "max active cycle
// points (default 3)".
const defaultMaxActiveCyclePoints = 3

// New constructs an empty Pool.
func New(g *graph.Graph, queues map[string]*Queue, maxActiveCyclePoints int, spawnToMaxActive bool) *Pool {
	if queues == nil {
		queues = make(map[string]*Queue)
	}
	if maxActiveCyclePoints <= 0 {
		maxActiveCyclePoints = defaultMaxActiveCyclePoints
	}
	return &Pool{
		graph:             g,
		live:              make(map[string]*Proxy),
		runahead:          make(map[string]*Proxy),
		queues:            queues,
		maxActiveCyclePts: maxActiveCyclePoints,
		spawnToMaxActive:  spawnToMaxActive,
	}
}

// MaxActiveCyclePoints returns the configured (defaulted) cap, for
// callers that need to size a pre-materialization horizon the same
// way the pool itself does.
func (p *Pool) MaxActiveCyclePoints() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActiveCyclePts
}

// SetFinalCyclePoint bounds recurrence self-succession: no proxy is
// ever materialized at a cycle after pt. Leaving it unset means the
// workflow cycles forever, as an unbounded flow file intends.
func (p *Pool) SetFinalCyclePoint(pt cycle.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.final = pt
	p.hasFinal = true
}

// Finished reports whether a final cycle point is configured and
// every materialized proxy has run to completion and been evicted, so
// the scheduler loop knows to stop rather than idle forever.
func (p *Pool) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasFinal && len(p.live) == 0 && len(p.runahead) == 0
}

// Spawn is idempotent: it returns the existing proxy for (name,
// cycle) or creates one in StateWaiting with prerequisites
// materialized from the compiled graph.
func (p *Pool) Spawn(name string, pt cycle.Point) *Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked(name, pt)
}

func (p *Pool) spawnLocked(name string, pt cycle.Point) *Proxy {
	key := name + "/" + pt.Format()
	if existing, ok := p.live[key]; ok {
		return existing
	}
	if existing, ok := p.runahead[key]; ok {
		return existing
	}
	edges := p.graph.DownstreamPrereqs(name)
	proxy := NewProxy(name, pt, edges)
	p.live[key] = proxy
	p.insertionOrder = append(p.insertionOrder, key)
	p.spawnSuccessorLocked(name, pt)
	return proxy
}

// spawnSuccessorLocked materializes name's next occurrence on its own
// recurrence (self-succession), placing it in the runahead-suspended
// set rather than live — AdvanceRunahead is what actually admits it
// once the active window reaches it. A name with no recurrence (not
// on any compiled graph edge), an exhausted recurrence, a cycle past
// the configured final cycle point, or an already-materialized
// successor are each a silent no-op.
func (p *Pool) spawnSuccessorLocked(name string, pt cycle.Point) {
	rec, ok := p.graph.RecurrenceForName(name)
	if !ok {
		return
	}
	next, ok := rec.Next(pt)
	if !ok {
		return
	}
	if p.hasFinal && next.After(p.final) {
		return
	}
	key := name + "/" + next.Format()
	if _, ok := p.live[key]; ok {
		return
	}
	if _, ok := p.runahead[key]; ok {
		return
	}
	edges := p.graph.DownstreamPrereqs(name)
	proxy := NewProxy(name, next, edges)
	proxy.State = StateRunahead
	p.runahead[key] = proxy
}

// UpdatePrereq marks (upstreamName, upstreamCycle, output) satisfied
// on proxy's prerequisite structure and reports whether the whole
// structure is now satisfied.
func (p *Pool) UpdatePrereq(proxy *Proxy, upstreamName, upstreamCycle, output string, satisfied bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for di := range proxy.Prereqs.Disjuncts {
		for ri := range proxy.Prereqs.Disjuncts[di].Refs {
			r := &proxy.Prereqs.Disjuncts[di].Refs[ri]
			if r.UpstreamName == upstreamName && r.UpstreamCycle == upstreamCycle && r.Output == output {
				r.Satisfied = satisfied
			}
		}
	}
	return proxy.Prereqs.Satisfied()
}

// ReadyIter returns proxies in StateWaiting whose prerequisites are
// satisfied and whose queue (if any) has spare capacity, ordered by
// (cycle, namespace) then insertion order.
func (p *Pool) ReadyIter() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Proxy
	for _, key := range p.insertionOrder {
		proxy, ok := p.live[key]
		if !ok || proxy.State != StateWaiting || proxy.IsHeld {
			continue
		}
		if !proxy.Prereqs.Satisfied() {
			continue
		}
		if q, ok := p.queues[proxy.QueueName]; ok && q.active >= q.Limit && q.Limit > 0 {
			continue
		}
		out = append(out, proxy)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Cycle.Equal(out[j].Cycle) {
			return out[i].Cycle.Before(out[j].Cycle)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// QueueAdmit moves proxy from StateWaiting to StateQueued if its
// named queue is at its limit, otherwise directly to StateReady.
func (p *Pool) QueueAdmit(proxy *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[proxy.QueueName]
	if !ok || q.Limit <= 0 || q.active < q.Limit {
		if ok {
			q.active++
		}
		proxy.State = StateReady
		return
	}
	proxy.State = StateQueued
}

// ReleaseQueueSlot frees one slot in proxy's queue, called when a
// proxy it admitted reaches a terminal state.
func (p *Pool) ReleaseQueueSlot(proxy *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[proxy.QueueName]; ok && q.active > 0 {
		q.active--
	}
}

// PromoteQueued moves every StateQueued proxy whose queue now has
// spare capacity into StateReady, called after ReleaseQueueSlot frees
// a slot so waiting members don't starve behind a full queue forever.
func (p *Pool) PromoteQueued() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.insertionOrder {
		proxy, ok := p.live[key]
		if !ok || proxy.State != StateQueued {
			continue
		}
		q, ok := p.queues[proxy.QueueName]
		if !ok || q.Limit <= 0 || q.active < q.Limit {
			if ok {
				q.active++
			}
			proxy.State = StateReady
		}
	}
}

// Runnable returns every live proxy currently in StateReady, whether
// admitted this tick via ReadyIter+QueueAdmit or promoted from a
// freed queue slot.
func (p *Pool) Runnable() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Proxy
	for _, key := range p.insertionOrder {
		if proxy, ok := p.live[key]; ok && proxy.State == StateReady {
			out = append(out, proxy)
		}
	}
	return out
}

// AdvanceRunahead promotes proxies at newly eligible cycles from the
// suspended runahead set into StateWaiting, honoring maxActiveCyclePts
// (spec.md §8 "Runahead cap": at most maxActiveCyclePts distinct cycle
// points may have a non-runahead, non-terminal proxy at once).
// oldestActive is the minimum cycle across every non-terminal live
// proxy. Each runahead proxy's own recurrence, not a single shared
// step, bounds its admissible horizon, since distinct namespaces may
// cycle on distinct recurrences.
func (p *Pool) AdvanceRunahead(oldestActive cycle.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, proxy := range p.runahead {
		rec, ok := p.graph.RecurrenceForName(proxy.Name)
		if !ok {
			continue
		}
		horizon := oldestActive
		for i := 1; i < p.maxActiveCyclePts; i++ {
			next, ok := rec.Next(horizon)
			if !ok {
				break
			}
			horizon = next
		}
		if proxy.Cycle.After(horizon) {
			continue
		}
		proxy.State = StateWaiting
		delete(p.runahead, key)
		p.live[key] = proxy
		p.insertionOrder = append(p.insertionOrder, key)
		p.spawnSuccessorLocked(proxy.Name, proxy.Cycle)
	}
}

// SpawnToHorizon pre-materializes every namespace in names up to
// horizon, called once at bootstrap when spawn_to_max_active_cycle_points
// is enabled. Unlike the lazy path (an edge's propagateOutput, or a
// namespace's own self-succession once it has been spawned at least
// once), this forces every listed namespace to exist up front for
// cycles that would otherwise only materialize once a prerequisite
// triggers them — relevant for optional or conditionally-triggered
// graph branches that might never naturally spawn.
func (p *Pool) SpawnToHorizon(names []string, rec *cycle.Recurrence, from, horizon cycle.Point) {
	if !p.spawnToMaxActive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := from
	for {
		next, ok := rec.Next(cur)
		if !ok || next.After(horizon) {
			break
		}
		for _, name := range names {
			p.spawnLocked(name, next)
		}
		cur = next
	}
}

// Evict removes a terminal proxy once it is provably unreferenced by
// any live prerequisite (the caller is responsible for that check;
// Evict itself is an unconditional removal primitive).
func (p *Pool) Evict(proxy *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := proxy.CycleKey()
	delete(p.live, key)
	for i, k := range p.insertionOrder {
		if k == key {
			p.insertionOrder = append(p.insertionOrder[:i], p.insertionOrder[i+1:]...)
			break
		}
	}
}

// IsReferenced reports whether any other live proxy's prerequisites
// still reference proxy's (name, cycle) pair, for any output.
func (p *Pool) IsReferenced(proxy *Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cycleStr := proxy.Cycle.Format()
	for _, other := range p.live {
		if other == proxy {
			continue
		}
		for _, d := range other.Prereqs.Disjuncts {
			for _, r := range d.Refs {
				if r.UpstreamName == proxy.Name && r.UpstreamCycle == cycleStr {
					return true
				}
			}
		}
	}
	return false
}

// Stalled reports whether the workflow is stalled: no proxy is active
// and at least one has unmet prerequisites or is failed/submit-failed.
func (p *Pool) Stalled(xtriggerPending bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	anyActive := false
	anyBlocked := false
	for _, proxy := range p.live {
		switch proxy.State {
		case StateReady, StateSubmitted, StateRunning, StateSubmitRetrying, StateRetrying:
			anyActive = true
		}
		if !proxy.Prereqs.Satisfied() || proxy.State == StateFailed || proxy.State == StateSubmitFailed {
			anyBlocked = true
		}
	}
	return !anyActive && !xtriggerPending && anyBlocked
}

// IncompleteTasks lists every non-terminal proxy with its unmet
// prerequisites, in "C/N is waiting on […]" form.
func (p *Pool) IncompleteTasks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, proxy := range p.live {
		if proxy.State.Terminal() {
			continue
		}
		unmet := proxy.Prereqs.Unmet()
		if len(unmet) == 0 {
			continue
		}
		line := proxy.Cycle.Format() + "/" + proxy.Name + " is waiting on ["
		for i, u := range unmet {
			if i > 0 {
				line += ", "
			}
			line += u
		}
		line += "]"
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}

// Get returns the live (not runahead) proxy for (name, cycle), if any.
func (p *Pool) Get(name string, pt cycle.Point) (*Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proxy, ok := p.live[name+"/"+pt.Format()]
	return proxy, ok
}

// GetByCycleString looks up a live proxy by its already-formatted
// cycle string, for callers (message ingress) that only have the
// wire-format "name/cycle" identity and no parsed cycle.Point.
func (p *Pool) GetByCycleString(name, cycleStr string) (*Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proxy, ok := p.live[name+"/"+cycleStr]
	return proxy, ok
}

// All returns every live proxy, for diagnostics and checkpointing.
func (p *Pool) All() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Proxy, 0, len(p.live))
	for _, proxy := range p.live {
		out = append(out, proxy)
	}
	return out
}
