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

// Package lifecycle drives each TaskProxy through the
// submission->execution->finalization state machine: per-submit
// script rendering, runner handoff, timeout/retry scheduling, and
// message-driven state transitions. It never talks to a transport
// directly — Runner and ScriptRenderer are narrow interfaces the
// scheduler wires to the real internal/runner implementation and a
// NamespaceRenderer, keeping this package transport-agnostic and easy
// to unit test with fakes.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/cyclone/internal/pool"
	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// JobSpec is the fully-rendered job ready to hand to a Runner.
type JobSpec struct {
	Name         string
	Cycle        string
	SubmitNumber int
	TryNumber    int

	Host, User string

	// Script is the rendered job script. NamespaceRenderer builds it
	// from the standard exports followed by the init/env/pre/main/post
	// sections; the err and exit sections are not included.
	Script string

	Env map[string]string
}

// SubmitResult is what a Runner returns immediately after accepting a
// job (not its eventual completion, which arrives via messages/polls).
type SubmitResult struct {
	RunnerID string
}

// PollResult is a runner's point-in-time view of a submitted job.
type PollResult struct {
	Running  bool
	ExitCode *int
}

// Runner abstracts the job substrate (local process, SSH-submitted
// batch job). Implemented by internal/runner.
type Runner interface {
	Submit(ctx context.Context, job JobSpec) (SubmitResult, error)
	Poll(ctx context.Context, runnerID string) (PollResult, error)
	Kill(ctx context.Context, runnerID string) error
}

// RetryPolicy carries the ordered delay lists and time limits a
// namespace configures for one task.
type RetryPolicy struct {
	ExecutionTimeLimit      time.Duration
	SubmissionRetryDelays   []time.Duration
	ExecutionRetryDelays    []time.Duration
	SubmissionPollIntervals []time.Duration
	ExecutionPollIntervals  []time.Duration
}

// delayFor returns delays[min(n, len(delays)-1)] — "the last value
// sticky" once the list is exhausted — or false if delays is empty
// (meaning: no further retries/polls).
func delayFor(delays []time.Duration, n int) (time.Duration, bool) {
	if len(delays) == 0 {
		return 0, false
	}
	if n >= len(delays) {
		n = len(delays) - 1
	}
	return delays[n], true
}

// ScriptRenderer renders a namespace's script sections plus standard
// exports into one executable job script.
type ScriptRenderer interface {
	Render(proxy *pool.Proxy, job JobSpec) (string, error)
}

// Manager drives proxies through the state machine. One Manager
// serves an entire scheduler run; it is not safe for concurrent use
// beyond the scheduler loop's own single-threaded invocation.
type Manager struct {
	runner   Runner
	renderer ScriptRenderer
	policies func(namespace string) RetryPolicy
	clock    func() time.Time
}

// New constructs a Manager. policies resolves a namespace's retry and
// timeout configuration (including any broadcast overlay already
// applied by the caller).
func New(runner Runner, renderer ScriptRenderer, policies func(namespace string) RetryPolicy) *Manager {
	return &Manager{
		runner:   runner,
		renderer: renderer,
		policies: policies,
		clock:    time.Now,
	}
}

// Submit executes the per-submit action sequence (spec §4.6): assumes
// the caller has already verified the proxy is StateReady and
// resolved its (host, user) and broadcast overlay onto proxy.Host.
func (m *Manager) Submit(ctx context.Context, proxy *pool.Proxy) error {
	if proxy.State != pool.StateReady {
		return &cerrors.InvariantViolation{Proxy: proxyID(proxy), Reason: "Submit called on a non-ready proxy"}
	}

	proxy.SubmitNumber++
	job := JobSpec{
		Name: proxy.Name, Cycle: proxy.Cycle.Format(),
		SubmitNumber: proxy.SubmitNumber, TryNumber: proxy.TryNumber,
		Host: proxy.Host.Host, User: proxy.Host.User,
	}

	script, err := m.renderer.Render(proxy, job)
	if err != nil {
		return fmt.Errorf("lifecycle: render script for %s: %w", proxyID(proxy), err)
	}
	job.Script = script

	res, err := m.runner.Submit(ctx, job)
	if err != nil {
		return m.onSubmitFailed(proxy)
	}

	proxy.RunnerID = res.RunnerID
	proxy.State = pool.StateSubmitted

	policy := m.policies(proxy.Name)
	deadline := m.clock().Add(max(policy.ExecutionTimeLimit, time.Minute))
	proxy.Timers.SubmissionTimeout = &deadline
	if interval, ok := delayFor(policy.SubmissionPollIntervals, 0); ok {
		next := m.clock().Add(interval)
		proxy.Timers.PollAfter = &next
	}
	return nil
}

// onSubmitFailed applies the submit-failed -> submit-retrying
// transition, or leaves the proxy in StateSubmitFailed (terminal for
// this submit_number) if retries are exhausted.
func (m *Manager) onSubmitFailed(proxy *pool.Proxy) error {
	proxy.State = pool.StateSubmitFailed
	policy := m.policies(proxy.Name)
	if proxy.SubmitTryNumber >= len(policy.SubmissionRetryDelays) {
		return nil
	}
	delay, ok := delayFor(policy.SubmissionRetryDelays, proxy.SubmitTryNumber)
	if !ok {
		return nil
	}
	proxy.SubmitTryNumber++
	proxy.State = pool.StateSubmitRetrying
	next := m.clock().Add(delay)
	proxy.Timers.RetryAfter = &next
	return nil
}

// HandleMessage applies a job message to proxy's state. output is
// "started", "succeeded", "failed", or any other output name, which is
// recorded in proxy.Outputs without a state change. Messages with a stale submit_number are discarded per the
// duplicate/out-of-order reconciliation rule.
func (m *Manager) HandleMessage(proxy *pool.Proxy, submitNumber int, output string) {
	if submitNumber != proxy.SubmitNumber {
		return // stale or duplicate; idempotent no-op
	}

	switch output {
	case "started":
		proxy.Outputs["started"] = true
		proxy.State = pool.StateRunning
		policy := m.policies(proxy.Name)
		deadline := m.clock().Add(max(policy.ExecutionTimeLimit, time.Hour))
		proxy.Timers.ExecutionTimeout = &deadline
		if interval, ok := delayFor(policy.ExecutionPollIntervals, 0); ok {
			next := m.clock().Add(interval)
			proxy.Timers.PollAfter = &next
		}
	case "succeeded":
		proxy.Outputs["succeeded"] = true
		proxy.State = pool.StateSucceeded
		proxy.Timers = pool.Timers{}
	case "failed":
		m.onExecutionFailed(proxy)
	default:
		proxy.Outputs[output] = true
	}
}

func (m *Manager) onExecutionFailed(proxy *pool.Proxy) {
	proxy.Outputs["failed"] = true
	proxy.State = pool.StateFailed
	proxy.Timers = pool.Timers{}

	policy := m.policies(proxy.Name)
	if proxy.TryNumber >= len(policy.ExecutionRetryDelays) {
		return
	}
	delay, ok := delayFor(policy.ExecutionRetryDelays, proxy.TryNumber)
	if !ok {
		return
	}
	proxy.TryNumber++
	proxy.State = pool.StateRetrying
	next := m.clock().Add(delay)
	proxy.Timers.RetryAfter = &next
}

// AdvanceTimers checks proxy's deadlines against now and applies any
// transition whose deadline has passed: submission timeout ->
// submit-failed, execution timeout -> failed (after a final poll that
// finds the job still unfinished), retry-after -> waiting or ready,
// poll-after is left to the caller (it drives Poll, not a transition).
func (m *Manager) AdvanceTimers(ctx context.Context, proxy *pool.Proxy, now time.Time) error {
	if t := proxy.Timers.SubmissionTimeout; t != nil && !now.Before(*t) && proxy.State == pool.StateSubmitted {
		proxy.Timers.SubmissionTimeout = nil
		return m.onSubmitFailed(proxy)
	}
	if t := proxy.Timers.ExecutionTimeout; t != nil && !now.Before(*t) && proxy.State == pool.StateRunning {
		proxy.Timers.ExecutionTimeout = nil
		if err := m.Poll(ctx, proxy); err == nil && proxy.State != pool.StateRunning {
			return nil
		}
		m.onExecutionFailed(proxy)
		return nil
	}
	if t := proxy.Timers.RetryAfter; t != nil && !now.Before(*t) {
		proxy.Timers.RetryAfter = nil
		switch proxy.State {
		case pool.StateSubmitRetrying:
			proxy.State = pool.StateReady
		case pool.StateRetrying:
			proxy.State = pool.StateWaiting
			for di := range proxy.Prereqs.Disjuncts {
				for ri := range proxy.Prereqs.Disjuncts[di].Refs {
					if proxy.Prereqs.Disjuncts[di].Refs[ri].UpstreamName == proxy.Name {
						proxy.Prereqs.Disjuncts[di].Refs[ri].Satisfied = false
					}
				}
			}
		}
	}
	return nil
}

// Poll asks the runner for proxy's current status and applies any
// resulting transition, used when the network message path missed an
// update (the status file is authoritative for these post-mortems).
func (m *Manager) Poll(ctx context.Context, proxy *pool.Proxy) error {
	if proxy.RunnerID == "" {
		return nil
	}
	res, err := m.runner.Poll(ctx, proxy.RunnerID)
	if err != nil {
		return fmt.Errorf("lifecycle: poll %s: %w", proxyID(proxy), err)
	}

	policy := m.policies(proxy.Name)
	pollList := policy.SubmissionPollIntervals
	callCount := 0
	if proxy.State == pool.StateRunning {
		pollList = policy.ExecutionPollIntervals
	}
	if interval, ok := delayFor(pollList, callCount); ok {
		next := m.clock().Add(interval)
		proxy.Timers.PollAfter = &next
	}

	if res.Running {
		return nil
	}
	if res.ExitCode != nil && *res.ExitCode == 0 {
		m.HandleMessage(proxy, proxy.SubmitNumber, "succeeded")
	} else if res.ExitCode != nil {
		m.HandleMessage(proxy, proxy.SubmitNumber, "failed")
	}
	return nil
}

// Kill transitions a submitted or running proxy to failed via the
// runner's kill path.
func (m *Manager) Kill(ctx context.Context, proxy *pool.Proxy) error {
	if proxy.State != pool.StateSubmitted && proxy.State != pool.StateRunning {
		return nil
	}
	if err := m.runner.Kill(ctx, proxy.RunnerID); err != nil {
		return fmt.Errorf("lifecycle: kill %s: %w", proxyID(proxy), err)
	}
	m.onExecutionFailed(proxy)
	return nil
}

func proxyID(proxy *pool.Proxy) string {
	return fmt.Sprintf("%s/%s/%02d", proxy.Name, proxy.Cycle.Format(), proxy.SubmitNumber)
}
