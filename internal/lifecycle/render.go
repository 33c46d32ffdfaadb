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

package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/cyclone/internal/config"
	"github.com/tombee/cyclone/internal/pool"
)

// ScriptSections is the set of per-namespace script fragments that
// get concatenated into one job script.
type ScriptSections struct {
	Init, Env, Pre, Main, Post, Err, Exit string
}

// NamespaceRenderer renders jobs from a resolved namespace's script
// sections, exporting the standard identity variables every section
// can reference.
type NamespaceRenderer struct {
	Sections func(namespace string) ScriptSections
	Env      func(namespace string) map[string]string
}

var _ ScriptRenderer = (*NamespaceRenderer)(nil)

// Render concatenates init/env/pre/main/post with the standard
// exports prepended. The Err and Exit sections are not written into
// the script.
func (r *NamespaceRenderer) Render(proxy *pool.Proxy, job JobSpec) (string, error) {
	sections := r.Sections(proxy.Name)
	env := r.Env(proxy.Name)

	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -eu\n")
	writeExports(&b, job, env)

	for _, part := range []struct {
		name, body string
	}{
		{"init-script", sections.Init},
		{"env-script", sections.Env},
		{"pre-script", sections.Pre},
		{"script", sections.Main},
		{"post-script", sections.Post},
	} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&b, "\n# %s\n%s\n", part.name, part.body)
	}
	return b.String(), nil
}

func writeExports(b *strings.Builder, job JobSpec, env map[string]string) {
	fmt.Fprintf(b, "export CYCLONE_TASK_NAME=%q\n", job.Name)
	fmt.Fprintf(b, "export CYCLONE_CYCLE_POINT=%q\n", job.Cycle)
	fmt.Fprintf(b, "export CYCLONE_SUBMIT_NUMBER=%d\n", job.SubmitNumber)
	fmt.Fprintf(b, "export CYCLONE_TRY_NUMBER=%d\n", job.TryNumber)
	fmt.Fprintf(b, "export CYCLONE_JOB_DIR=%q\n",
		fmt.Sprintf("work/%s/%s/%02d", job.Cycle, job.Name, job.SubmitNumber))

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "export %s=%q\n", k, env[k])
	}
}

// PoliciesFromNamespace adapts a config.NamespaceResolver into the
// retry-policy lookup Manager needs.
func PoliciesFromNamespace(resolver *config.NamespaceResolver) func(string) RetryPolicy {
	return func(namespace string) RetryPolicy {
		ns, err := resolver.Resolve(namespace)
		if err != nil {
			return RetryPolicy{}
		}
		return RetryPolicy{
			ExecutionTimeLimit:      ns.Job.ExecutionTimeLimit,
			SubmissionRetryDelays:   ns.Job.SubmissionRetryDelays,
			ExecutionRetryDelays:    ns.Job.ExecutionRetryDelays,
			SubmissionPollIntervals: ns.Job.SubmissionPollIntervals,
			ExecutionPollIntervals:  ns.Job.ExecutionPollIntervals,
		}
	}
}
