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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/cyclone/internal/pool"
	"github.com/tombee/cyclone/pkg/cycle"
)

type fakeRunner struct {
	submitErr error
	runnerID  string
	polls     []PollResult
	pollIdx   int
	killed    bool
}

func (f *fakeRunner) Submit(ctx context.Context, job JobSpec) (SubmitResult, error) {
	if f.submitErr != nil {
		return SubmitResult{}, f.submitErr
	}
	return SubmitResult{RunnerID: f.runnerID}, nil
}

func (f *fakeRunner) Poll(ctx context.Context, runnerID string) (PollResult, error) {
	if f.pollIdx >= len(f.polls) {
		return PollResult{}, nil
	}
	r := f.polls[f.pollIdx]
	f.pollIdx++
	return r, nil
}

func (f *fakeRunner) Kill(ctx context.Context, runnerID string) error {
	f.killed = true
	return nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(proxy *pool.Proxy, job JobSpec) (string, error) { return "#!/bin/sh\n", nil }

func testProxy() *pool.Proxy {
	return &pool.Proxy{
		Name: "foo", Cycle: cycle.NewInteger(1),
		State: pool.StateReady, Outputs: make(map[string]bool),
	}
}

func TestSubmitTransitionsToSubmitted(t *testing.T) {
	runner := &fakeRunner{runnerID: "job-1"}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy { return RetryPolicy{} })

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	require.Equal(t, pool.StateSubmitted, proxy.State)
	require.Equal(t, "job-1", proxy.RunnerID)
	require.Equal(t, 1, proxy.SubmitNumber)
}

func TestSubmitFailureSchedulesRetry(t *testing.T) {
	runner := &fakeRunner{submitErr: context.DeadlineExceeded}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy {
		return RetryPolicy{SubmissionRetryDelays: []time.Duration{time.Second}}
	})

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	require.Equal(t, pool.StateSubmitRetrying, proxy.State)
	require.NotNil(t, proxy.Timers.RetryAfter)
}

func TestHandleMessageSucceeded(t *testing.T) {
	runner := &fakeRunner{runnerID: "job-1"}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy { return RetryPolicy{} })

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	m.HandleMessage(proxy, proxy.SubmitNumber, "started")
	require.Equal(t, pool.StateRunning, proxy.State)

	m.HandleMessage(proxy, proxy.SubmitNumber, "succeeded")
	require.Equal(t, pool.StateSucceeded, proxy.State)
	require.True(t, proxy.Outputs["succeeded"])
}

func TestHandleMessageFailedSchedulesRetry(t *testing.T) {
	runner := &fakeRunner{runnerID: "job-1"}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy {
		return RetryPolicy{ExecutionRetryDelays: []time.Duration{time.Second}}
	})

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	m.HandleMessage(proxy, proxy.SubmitNumber, "started")
	m.HandleMessage(proxy, proxy.SubmitNumber, "failed")

	require.Equal(t, pool.StateRetrying, proxy.State)
	require.Equal(t, 1, proxy.TryNumber)
}

func TestStaleMessageIsIgnored(t *testing.T) {
	runner := &fakeRunner{runnerID: "job-1"}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy { return RetryPolicy{} })

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	m.HandleMessage(proxy, proxy.SubmitNumber-1, "succeeded")
	require.Equal(t, pool.StateSubmitted, proxy.State, "stale submit_number must not mutate state")
}

func TestAdvanceTimersSubmissionTimeout(t *testing.T) {
	runner := &fakeRunner{runnerID: "job-1"}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy { return RetryPolicy{} })

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	past := proxy.Timers.SubmissionTimeout.Add(time.Hour)
	require.NoError(t, m.AdvanceTimers(context.Background(), proxy, past))
	require.Equal(t, pool.StateSubmitFailed, proxy.State)
}

func TestKillTransitionsToFailed(t *testing.T) {
	runner := &fakeRunner{runnerID: "job-1"}
	m := New(runner, fakeRenderer{}, func(string) RetryPolicy { return RetryPolicy{} })

	proxy := testProxy()
	require.NoError(t, m.Submit(context.Background(), proxy))
	require.NoError(t, m.Kill(context.Background(), proxy))
	require.True(t, runner.killed)
	require.Equal(t, pool.StateFailed, proxy.State)
}
