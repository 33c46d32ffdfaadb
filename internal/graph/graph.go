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

// Package graph compiles a workflow's per-recurrence graph strings
// into edge templates and resolves output events against them,
// driving prerequisite satisfaction in the task pool.
package graph

import (
	"fmt"
	"strings"

	"github.com/tombee/cyclone/pkg/cycle"
)

// TriggerKind selects which proxy output satisfies an edge.
type TriggerKind int

const (
	TriggerSucceeded TriggerKind = iota
	TriggerFailed
	TriggerFinished // succeeded | failed
	TriggerStarted
	TriggerSubmitted
	TriggerSubmitFailed
	TriggerCustomMessage
	TriggerSuicide // removes the downstream target on satisfaction
)

// Edge is one compiled dependency: upstream[offset]:output -> downstream.
type Edge struct {
	UpstreamName   string
	CycleOffset    cycle.Duration
	RequiredOutput string // the output message this edge watches
	Trigger        TriggerKind
	DownstreamName string

	// DisjunctGroup places this edge within the downstream task's
	// disjunction-of-conjunctions prerequisite structure: the
	// overall prerequisite is satisfied when ANY disjunct group is
	// itself fully satisfied (all of its edges' conditions true).
	DisjunctGroup int
}

// Recurrence pairs a parsed cycle.Recurrence with the edges it
// contributes.
type Recurrence struct {
	Expr  string
	Rec   *cycle.Recurrence
	Edges []Edge
}

// Graph is the compiled dependency graph for a whole workflow: one
// Recurrence per [scheduling][[graph]] entry.
type Graph struct {
	Recurrences []Recurrence
}

// Compile parses graphExprs (recurrence expression -> graph string,
// e.g. spec.md's `[scheduling]graph`) into a Graph. It does not
// evaluate xtrigger/conditional-expression predicates (see
// PredicateEvaluator) — only the edge list.
func Compile(graphExprs map[string]string, cal cycle.Calendar) (*Graph, error) {
	g := &Graph{}
	for expr, graphStr := range graphExprs {
		rec, err := cycle.ParseRecurrence(expr, cal)
		if err != nil {
			return nil, fmt.Errorf("graph: recurrence %q: %w", expr, err)
		}
		edges, err := parseGraphString(graphStr)
		if err != nil {
			return nil, fmt.Errorf("graph: %q: %w", expr, err)
		}
		g.Recurrences = append(g.Recurrences, Recurrence{Expr: expr, Rec: rec, Edges: edges})
	}
	return g, nil
}

// parseGraphString parses a simplified graph-string dialect: lines of
// the form "A[offset]:trigger => B", "A => B" (implicit succeeded
// trigger), joined with "&" for conjunction within one disjunct and
// "|" separating disjuncts, e.g. "foo:succeeded | bar:succeeded => baz".
func parseGraphString(s string) ([]Edge, error) {
	var edges []Edge
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		arrow := strings.Index(line, "=>")
		if arrow < 0 {
			return nil, fmt.Errorf("malformed graph line %q: missing '=>'", line)
		}
		lhs := strings.TrimSpace(line[:arrow])
		downstream := strings.TrimSpace(line[arrow+2:])
		if downstream == "" {
			return nil, fmt.Errorf("malformed graph line %q: empty downstream", line)
		}

		disjuncts := strings.Split(lhs, "|")
		for groupIdx, disjunct := range disjuncts {
			for _, term := range strings.Split(disjunct, "&") {
				term = strings.TrimSpace(term)
				if term == "" {
					continue
				}
				e, err := parseTerm(term, downstream, groupIdx)
				if err != nil {
					return nil, err
				}
				edges = append(edges, e)
			}
		}
	}
	return edges, nil
}

// parseTerm parses one "name[offset]:trigger" upstream reference.
func parseTerm(term, downstream string, groupIdx int) (Edge, error) {
	name := term
	suicide := false
	if strings.HasPrefix(name, "!") {
		suicide = true
		name = name[1:]
	}

	trigger := TriggerSucceeded
	output := "succeeded"
	if idx := strings.LastIndex(name, ":"); idx >= 0 {
		triggerName := name[idx+1:]
		name = name[:idx]
		t, out, err := parseTriggerName(triggerName)
		if err != nil {
			return Edge{}, err
		}
		trigger, output = t, out
	}
	if suicide {
		trigger = TriggerSuicide
	}

	var offset cycle.Duration
	if lb := strings.Index(name, "["); lb >= 0 {
		rb := strings.Index(name, "]")
		if rb < lb {
			return Edge{}, fmt.Errorf("malformed cycle offset in %q", term)
		}
		offsetStr := name[lb+1 : rb]
		name = name[:lb]
		d, err := cycle.ParseDuration("P" + strings.TrimPrefix(strings.TrimPrefix(offsetStr, "-"), "P"))
		if err != nil {
			return Edge{}, fmt.Errorf("parse cycle offset %q: %w", offsetStr, err)
		}
		if strings.HasPrefix(offsetStr, "-") {
			d.Years, d.Months, d.Days, d.Hours, d.Minutes, d.Secs =
				-d.Years, -d.Months, -d.Days, -d.Hours, -d.Minutes, -d.Secs
			d.Steps = -d.Steps
		}
		offset = d
	}

	return Edge{
		UpstreamName:   name,
		CycleOffset:    offset,
		RequiredOutput: output,
		Trigger:        trigger,
		DownstreamName: downstream,
		DisjunctGroup:  groupIdx,
	}, nil
}

func parseTriggerName(s string) (TriggerKind, string, error) {
	switch s {
	case "succeed", "succeeded":
		return TriggerSucceeded, "succeeded", nil
	case "fail", "failed":
		return TriggerFailed, "failed", nil
	case "finish", "finished":
		return TriggerFinished, "finished", nil
	case "start", "started":
		return TriggerStarted, "started", nil
	case "submit", "submitted":
		return TriggerSubmitted, "submitted", nil
	case "submit-fail", "submit-failed":
		return TriggerSubmitFailed, "submit-failed", nil
	default:
		return TriggerCustomMessage, s, nil
	}
}

// EdgesFor returns every edge in g whose UpstreamName matches name,
// across all recurrences (an upstream task may appear in more than
// one recurrence's graph string).
func (g *Graph) EdgesFor(name string) []Edge {
	var out []Edge
	for _, r := range g.Recurrences {
		for _, e := range r.Edges {
			if e.UpstreamName == name {
				out = append(out, e)
			}
		}
	}
	return out
}

// DownstreamPrereqs returns every edge across all recurrences whose
// DownstreamName matches name, grouped implicitly by DisjunctGroup —
// callers reconstruct the disjunction-of-conjunctions structure from
// this flat list.
func (g *Graph) DownstreamPrereqs(name string) []Edge {
	var out []Edge
	for _, r := range g.Recurrences {
		for _, e := range r.Edges {
			if e.DownstreamName == name {
				out = append(out, e)
			}
		}
	}
	return out
}

// RecurrenceFor returns the Recurrence whose graph string declares
// name as a downstream member, used to validate that a
// prerequisite's referenced cycle is actually on the downstream's own
// cycling sequence (spec: "a prerequisite referencing a cycle not on
// the downstream's recurrence is a hard configuration error").
func (g *Graph) RecurrenceFor(name string) (*cycle.Recurrence, bool) {
	for _, r := range g.Recurrences {
		for _, e := range r.Edges {
			if e.DownstreamName == name {
				return r.Rec, true
			}
		}
	}
	return nil, false
}

// RecurrenceForName returns the cycle.Recurrence governing name's own
// occurrence sequence, found by scanning every compiled Recurrence's
// edges for name as either endpoint. The scheduler uses this to
// advance a namespace to its next occurrence (self-succession) once
// an instance of it has been spawned.
func (g *Graph) RecurrenceForName(name string) (*cycle.Recurrence, bool) {
	for _, r := range g.Recurrences {
		for _, e := range r.Edges {
			if e.UpstreamName == name || e.DownstreamName == name {
				return r.Rec, true
			}
		}
	}
	return nil, false
}

// Names returns every distinct task name appearing as an upstream or
// downstream member anywhere in the graph, used to seed the pool at
// startup before any dependency has been evaluated.
func (g *Graph) Names() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, r := range g.Recurrences {
		for _, e := range r.Edges {
			add(e.UpstreamName)
			add(e.DownstreamName)
		}
	}
	return out
}
