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

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/cyclone/internal/executor"
	"github.com/tombee/cyclone/internal/lifecycle"
)

func TestSubmitWritesScriptAndStatusFile(t *testing.T) {
	dir := t.TempDir()
	pool := executor.New(executor.Config{Size: 1})
	r := New(pool, dir)

	job := lifecycle.JobSpec{Name: "foo", Cycle: "1", SubmitNumber: 1, Script: "#!/bin/sh\ntrue\n"}
	res, err := r.Submit(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "foo/1/01", res.RunnerID)

	jobPath := filepath.Join(dir, "log", "job", "1", "foo", "01", "job")
	contents, err := os.ReadFile(jobPath)
	require.NoError(t, err)
	require.Equal(t, job.Script, string(contents))

	statusPath := filepath.Join(dir, "log", "job", "1", "foo", "01", "job.status")
	_, err = os.Stat(statusPath)
	require.NoError(t, err)
}

func TestPollReportsRunningUntilExitRecorded(t *testing.T) {
	dir := t.TempDir()
	pool := executor.New(executor.Config{Size: 1})
	r := New(pool, dir)

	job := lifecycle.JobSpec{Name: "foo", Cycle: "1", SubmitNumber: 1, Script: "#!/bin/sh\ntrue\n"}
	res, err := r.Submit(context.Background(), job)
	require.NoError(t, err)

	pr, err := r.Poll(context.Background(), res.RunnerID)
	require.NoError(t, err)
	require.True(t, pr.Running)

	statusPath := filepath.Join(dir, "log", "job", "1", "foo", "01", "job.status")
	f, err := os.OpenFile(statusPath, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("CYLC_JOB_EXIT=SUCCEEDED\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pr, err = r.Poll(context.Background(), res.RunnerID)
	require.NoError(t, err)
	require.False(t, pr.Running)
	require.NotNil(t, pr.ExitCode)
	require.Equal(t, 0, *pr.ExitCode)
}

func TestPollStatusParsesMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.status")
	contents := "CYLC_JOB_RUNNER_NAME=background\n" +
		"CYLC_JOB_ID=foo/1/01\n" +
		"CYLC_MESSAGE=2026-01-01T00:00:00Z|INFO|started\n" +
		"CYLC_JOB_EXIT=0\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	st, err := PollStatus(path)
	require.NoError(t, err)
	require.Equal(t, "background", st.Fields["CYLC_JOB_RUNNER_NAME"])
	require.Len(t, st.Messages, 1)
	require.Equal(t, "started", st.Messages[0].Text)

	code, ok := st.ExitCode()
	require.True(t, ok)
	require.Equal(t, 0, code)
}

func TestSubmitIsUniquePerSubmitNumber(t *testing.T) {
	dir := t.TempDir()
	pool := executor.New(executor.Config{Size: 1})
	r := New(pool, dir)

	job1 := lifecycle.JobSpec{Name: "foo", Cycle: "1", SubmitNumber: 1, Script: "#!/bin/sh\ntrue\n"}
	job2 := job1
	job2.SubmitNumber = 2

	res1, err := r.Submit(context.Background(), job1)
	require.NoError(t, err)
	res2, err := r.Submit(context.Background(), job2)
	require.NoError(t, err)
	require.NotEqual(t, res1.RunnerID, res2.RunnerID)

	time.Sleep(10 * time.Millisecond) // let the local executor goroutines settle
}
