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

// Package pool owns every live TaskProxy: admission to the active
// cycling window, prerequisite satisfaction bookkeeping, and the
// ready/stalled queries the scheduler loop drives each tick from.
package pool

import (
	"time"

	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/pkg/cycle"
)

// State is a TaskProxy's position in the job lifecycle state machine
// (spec §4.6).
type State int

const (
	StateWaiting State = iota
	StateQueued
	StateReady
	StateSubmitted
	StateSubmitFailed
	StateSubmitRetrying
	StateRunning
	StateSucceeded
	StateFailed
	StateRetrying
	StateExpired
	StateRunahead
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateQueued:
		return "queued"
	case StateReady:
		return "ready"
	case StateSubmitted:
		return "submitted"
	case StateSubmitFailed:
		return "submit-failed"
	case StateSubmitRetrying:
		return "submit-retrying"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRetrying:
		return "retrying"
	case StateExpired:
		return "expired"
	case StateRunahead:
		return "runahead"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a state a proxy never leaves.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExpired
}

// PrereqRef identifies one (upstream, output) condition inside a
// proxy's disjunction-of-conjunctions prerequisite structure.
type PrereqRef struct {
	UpstreamName  string
	UpstreamCycle string
	Output        string
	Satisfied     bool
}

// Disjunct is one conjunctive clause: satisfied when every PrereqRef
// in it is satisfied.
type Disjunct struct {
	Refs []PrereqRef
}

// Satisfied reports whether every ref in the disjunct holds.
func (d Disjunct) Satisfied() bool {
	for _, r := range d.Refs {
		if !r.Satisfied {
			return false
		}
	}
	return true
}

// Prerequisites is the full disjunction-of-conjunctions: satisfied
// when at least one Disjunct is satisfied (an empty Prerequisites,
// e.g. the workflow's seed tasks, is trivially satisfied).
type Prerequisites struct {
	Disjuncts []Disjunct
}

// Satisfied reports whether the whole prerequisite tree is met.
func (p Prerequisites) Satisfied() bool {
	if len(p.Disjuncts) == 0 {
		return true
	}
	for _, d := range p.Disjuncts {
		if d.Satisfied() {
			return true
		}
	}
	return false
}

// Unmet renders the unsatisfied refs across all disjuncts in the
// "C'/N':output" form used by incomplete-task reporting.
func (p Prerequisites) Unmet() []string {
	var out []string
	for _, d := range p.Disjuncts {
		for _, r := range d.Refs {
			if !r.Satisfied {
				out = append(out, r.UpstreamCycle+"/"+r.UpstreamName+":"+r.Output)
			}
		}
	}
	return out
}

// Timers holds the wall-clock deadlines a proxy is waiting on. A nil
// pointer means "not set".
type Timers struct {
	SubmissionTimeout *time.Time
	ExecutionTimeout  *time.Time
	RetryAfter        *time.Time
	PollAfter         *time.Time
}

// HostAccount is the resolved (host, user) a proxy submitted to.
type HostAccount struct {
	Host string
	User string
}

// Proxy is a live TaskProxy. Identity is (Name, Cycle, SubmitNumber);
// mutated only by the scheduler loop.
type Proxy struct {
	Name  string
	Cycle cycle.Point

	State  State
	IsHeld bool

	Prereqs Prerequisites
	Outputs map[string]bool // declared output name -> emitted

	TryNumber       int
	SubmitTryNumber int
	SubmitNumber    int

	RunnerID string
	Timers   Timers
	Host     HostAccount

	QueueName string

	// FlowNums identifies which flow(s) (re-triggered run lineages)
	// this proxy belongs to; JSON-encoded for storage.
	FlowNums []int
}

// CycleKey renders the (name, cycle) identity used as a pool map key.
func (p *Proxy) CycleKey() string {
	return p.Name + "/" + p.Cycle.Format()
}

// NewProxy creates a fresh proxy in StateWaiting with prerequisites
// built from the compiled graph's edges targeting name.
func NewProxy(name string, pt cycle.Point, edges []graph.Edge) *Proxy {
	p := &Proxy{
		Name:    name,
		Cycle:   pt,
		State:   StateWaiting,
		Outputs: make(map[string]bool),
	}

	groups := map[int][]graph.Edge{}
	var order []int
	for _, e := range edges {
		if _, seen := groups[e.DisjunctGroup]; !seen {
			order = append(order, e.DisjunctGroup)
		}
		groups[e.DisjunctGroup] = append(groups[e.DisjunctGroup], e)
	}
	for _, idx := range order {
		var d Disjunct
		for _, e := range groups[idx] {
			upstreamCycle := pt.Add(e.CycleOffset)
			d.Refs = append(d.Refs, PrereqRef{
				UpstreamName:  e.UpstreamName,
				UpstreamCycle: upstreamCycle.Format(),
				Output:        e.RequiredOutput,
			})
		}
		p.Prereqs.Disjuncts = append(p.Prereqs.Disjuncts, d)
	}
	return p
}
