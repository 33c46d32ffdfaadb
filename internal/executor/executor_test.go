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

package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunLocalCapturesOutput(t *testing.T) {
	p := New(Config{Size: 2})
	res := p.RunSync(context.Background(), Command{Argv: []string{"echo", "hello"}})
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hello\n", res.Stdout)
}

func TestRunLocalNonZeroExit(t *testing.T) {
	p := New(Config{Size: 2})
	res := p.RunSync(context.Background(), Command{Argv: []string{"false"}})
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.ExitCode)
}

func TestRunLocalDeadlineKillsChild(t *testing.T) {
	p := New(Config{Size: 2})
	res := p.RunSync(context.Background(), Command{
		Argv:     []string{"sleep", "5"},
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	require.Error(t, res.Err)
}

type fakeTransport struct {
	exitCode     int
	stdout       string
	err          error
	calls        int
}

func (f *fakeTransport) Run(ctx context.Context, host, user string, argv []string, stdin string) (int, string, string, error) {
	f.calls++
	if f.err != nil {
		return -1, "", "", f.err
	}
	return f.exitCode, f.stdout, "", nil
}

func TestRunRemoteMarksBadHostOnFailure(t *testing.T) {
	tr := &fakeTransport{err: fmt.Errorf("connection refused")}
	p := New(Config{Size: 2, Transport: tr})

	res := p.RunSync(context.Background(), Command{Host: "worker1", Argv: []string{"true"}})
	require.Error(t, res.Err)
	require.True(t, p.badHosts.IsBad("worker1"))
}

func TestRunRemoteSkippedWhileHostBad(t *testing.T) {
	tr := &fakeTransport{err: fmt.Errorf("timeout")}
	p := New(Config{Size: 2, Transport: tr})

	p.RunSync(context.Background(), Command{Host: "worker1", Argv: []string{"true"}})
	require.Equal(t, 1, tr.calls)

	res := p.RunSync(context.Background(), Command{Host: "worker1", Argv: []string{"true"}})
	require.Equal(t, 1, tr.calls, "second submit must not reach the transport while host is bad")
	require.Error(t, res.Err)
}

func TestRunRemoteClearsBadHostOnSuccess(t *testing.T) {
	tr := &fakeTransport{exitCode: 0}
	p := New(Config{Size: 2, Transport: tr})
	p.badHosts.MarkBad("worker1")

	res := p.RunSync(context.Background(), Command{Host: "worker1", Argv: []string{"true"}})
	require.NoError(t, res.Err)
	require.False(t, p.badHosts.IsBad("worker1"))
}

func TestBadHostTrackerCooldown(t *testing.T) {
	tr := NewBadHostTracker()
	tr.cooldown = 20 * time.Millisecond
	tr.MarkBad("h1")
	require.True(t, tr.IsBad("h1"))
	time.Sleep(30 * time.Millisecond)
	require.False(t, tr.IsBad("h1"))
}
