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

package config

import "fmt"

// NamespaceResolver linearizes [runtime] inheritance chains with the
// C3 algorithm (the same merge rule Python class MRO uses) so that a
// namespace with multiple parents picks up settings in a single,
// monotonic, depth-first-left-to-right order with no parent appearing
// before a child that depends on it.
type NamespaceResolver struct {
	raw map[string]Namespace
	mro map[string][]string
}

// NewNamespaceResolver linearizes every namespace in raw up front so
// Resolve is a cheap map lookup plus merge.
func NewNamespaceResolver(raw map[string]Namespace) (*NamespaceResolver, error) {
	r := &NamespaceResolver{raw: raw, mro: make(map[string][]string, len(raw))}
	for name := range raw {
		if _, err := r.linearize(name, nil); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// linearize computes and caches the C3 MRO for name, detecting cycles
// via the in-progress stack.
func (r *NamespaceResolver) linearize(name string, stack []string) ([]string, error) {
	if mro, ok := r.mro[name]; ok {
		return mro, nil
	}
	for _, s := range stack {
		if s == name {
			return nil, fmt.Errorf("config: inheritance cycle involving %q", name)
		}
	}

	ns, ok := r.raw[name]
	if !ok {
		// A bare "root"-like implicit parent with no declared namespace.
		mro := []string{name}
		r.mro[name] = mro
		return mro, nil
	}

	if len(ns.Inherit) == 0 {
		mro := []string{name}
		r.mro[name] = mro
		return mro, nil
	}

	parentMROs := make([][]string, 0, len(ns.Inherit))
	stack = append(stack, name)
	for _, parent := range ns.Inherit {
		pm, err := r.linearize(parent, stack)
		if err != nil {
			return nil, err
		}
		parentMROs = append(parentMROs, pm)
	}

	merged, err := c3Merge(parentMROs, ns.Inherit)
	if err != nil {
		return nil, fmt.Errorf("config: namespace %q: %w", name, err)
	}
	mro := append([]string{name}, merged...)
	r.mro[name] = mro
	return mro, nil
}

// c3Merge merges a set of parent MRO lists plus the direct parent
// order list, following the standard C3 linearization merge rule:
// repeatedly take the head of the first list whose head does not
// appear in the tail of any other list.
func c3Merge(lists [][]string, directParents []string) ([]string, error) {
	lists = append(lists, append([]string{}, directParents...))
	var result []string
	for {
		lists = pruneEmpty(lists)
		if len(lists) == 0 {
			return result, nil
		}
		var head string
		found := false
		for _, l := range lists {
			candidate := l[0]
			if !appearsInTail(lists, candidate) {
				head = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("inconsistent inheritance hierarchy")
		}
		result = append(result, head)
		for i, l := range lists {
			lists[i] = removeHead(l, head)
		}
	}
}

func pruneEmpty(lists [][]string) [][]string {
	out := lists[:0]
	for _, l := range lists {
		if len(l) > 0 {
			out = append(out, l)
		}
	}
	return out
}

func appearsInTail(lists [][]string, name string) bool {
	for _, l := range lists {
		for _, v := range l[1:] {
			if v == name {
				return true
			}
		}
	}
	return false
}

func removeHead(l []string, head string) []string {
	if len(l) > 0 && l[0] == head {
		return l[1:]
	}
	return l
}

// Resolve merges name's namespace with all of its ancestors' settings
// per its MRO (most-derived first), applying field-level override:
// any field a descendant sets non-zero wins over its ancestors'.
func (r *NamespaceResolver) Resolve(name string) (Namespace, error) {
	mro, ok := r.mro[name]
	if !ok {
		return Namespace{}, fmt.Errorf("config: unknown namespace %q", name)
	}

	var out Namespace
	// Walk root-to-leaf so later (more derived) assignments win.
	for i := len(mro) - 1; i >= 0; i-- {
		ns, ok := r.raw[mro[i]]
		if !ok {
			continue
		}
		mergeNamespace(&out, ns)
	}
	return out, nil
}

// mergeNamespace overlays src's non-zero fields onto dst.
func mergeNamespace(dst *Namespace, src Namespace) {
	if src.InitScript != "" {
		dst.InitScript = src.InitScript
	}
	if src.EnvScript != "" {
		dst.EnvScript = src.EnvScript
	}
	if src.PreScript != "" {
		dst.PreScript = src.PreScript
	}
	if src.Script != "" {
		dst.Script = src.Script
	}
	if src.PostScript != "" {
		dst.PostScript = src.PostScript
	}
	if src.ErrScript != "" {
		dst.ErrScript = src.ErrScript
	}
	if src.ExitScript != "" {
		dst.ExitScript = src.ExitScript
	}
	if src.WorkSubDir != "" {
		dst.WorkSubDir = src.WorkSubDir
	}
	if src.Job.Runner != "" {
		dst.Job.Runner = src.Job.Runner
	}
	if src.Job.ExecutionTimeLimit != 0 {
		dst.Job.ExecutionTimeLimit = src.Job.ExecutionTimeLimit
	}
	if len(src.Job.SubmissionRetryDelays) > 0 {
		dst.Job.SubmissionRetryDelays = src.Job.SubmissionRetryDelays
	}
	if len(src.Job.ExecutionRetryDelays) > 0 {
		dst.Job.ExecutionRetryDelays = src.Job.ExecutionRetryDelays
	}
	if len(src.Job.SubmissionPollIntervals) > 0 {
		dst.Job.SubmissionPollIntervals = src.Job.SubmissionPollIntervals
	}
	if len(src.Job.ExecutionPollIntervals) > 0 {
		dst.Job.ExecutionPollIntervals = src.Job.ExecutionPollIntervals
	}
	if src.Remote.Host != "" {
		dst.Remote.Host = src.Remote.Host
	}
	if src.Remote.User != "" {
		dst.Remote.User = src.Remote.User
	}
	dst.Remote.RetrieveJobLogs = dst.Remote.RetrieveJobLogs || src.Remote.RetrieveJobLogs

	dst.Environment = mergeStringMap(dst.Environment, src.Environment)
	dst.Meta = mergeStringMap(dst.Meta, src.Meta)
	dst.Directives = mergeStringMap(dst.Directives, src.Directives)
	dst.Outputs = mergeStringMap(dst.Outputs, src.Outputs)
	dst.ParameterEnvTemplates = mergeStringMap(dst.ParameterEnvTemplates, src.ParameterEnvTemplates)

	if len(src.Events.Handlers) > 0 {
		if dst.Events.Handlers == nil {
			dst.Events.Handlers = make(map[string][]string)
		}
		for k, v := range src.Events.Handlers {
			dst.Events.Handlers[k] = v
		}
	}
	if src.Events.MailTo != "" {
		dst.Events.MailTo = src.Events.MailTo
	}
	if src.Events.MailFrom != "" {
		dst.Events.MailFrom = src.Events.MailFrom
	}

	if src.Simulation.DefaultRunLength != 0 {
		dst.Simulation.DefaultRunLength = src.Simulation.DefaultRunLength
	}
	if src.Simulation.FailTryOneInN != 0 {
		dst.Simulation.FailTryOneInN = src.Simulation.FailTryOneInN
	}
}

func mergeStringMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// MRO exposes the linearized ancestor order for diagnostics.
func (r *NamespaceResolver) MRO(name string) []string {
	return append([]string{}, r.mro[name]...)
}
