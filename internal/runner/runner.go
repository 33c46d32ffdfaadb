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

// Package runner implements internal/lifecycle.Runner over
// internal/executor: it writes a job's rendered script and status
// file under the run directory's log/job tree, hands the script to
// the executor's worker pool (locally or via SSH, depending on the
// job's host), and answers Poll by re-reading the status file — the
// same file the job itself appends CYLC_MESSAGE= lines to, so Poll and
// the message-ingress path converge on one source of truth.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tombee/cyclone/internal/executor"
	"github.com/tombee/cyclone/internal/lifecycle"
)

// Runner adapts executor.Pool to lifecycle.Runner.
type Runner struct {
	pool   *executor.Pool
	runDir string

	mu           sync.Mutex
	runnerID2Job map[string]jobLocation
}

type jobLocation struct {
	cycle, name  string
	submitNumber int
	host, user   string
}

var _ lifecycle.Runner = (*Runner)(nil)

// New constructs a Runner rooted at runDir (the workflow's run
// directory, containing log/job/<cycle>/<name>/<submit>/).
func New(pool *executor.Pool, runDir string) *Runner {
	return &Runner{
		pool:         pool,
		runDir:       runDir,
		runnerID2Job: make(map[string]jobLocation),
	}
}

func (r *Runner) jobDir(loc jobLocation) string {
	return filepath.Join(r.runDir, "log", "job", loc.cycle, loc.name, fmt.Sprintf("%02d", loc.submitNumber))
}

// Submit writes job.Script to <jobDir>/job, an initial job.status, and
// hands the script off to the executor pool for execution.
func (r *Runner) Submit(ctx context.Context, job lifecycle.JobSpec) (lifecycle.SubmitResult, error) {
	loc := jobLocation{cycle: job.Cycle, name: job.Name, submitNumber: job.SubmitNumber, host: job.Host, user: job.User}
	dir := r.jobDir(loc)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return lifecycle.SubmitResult{}, fmt.Errorf("runner: mkdir %s: %w", dir, err)
	}

	scriptPath := filepath.Join(dir, "job")
	if err := os.WriteFile(scriptPath, []byte(job.Script), 0700); err != nil {
		return lifecycle.SubmitResult{}, fmt.Errorf("runner: write script %s: %w", scriptPath, err)
	}

	runnerID := fmt.Sprintf("%s/%s/%02d", job.Name, job.Cycle, job.SubmitNumber)
	statusPath := filepath.Join(dir, "job.status")
	if err := writeInitialStatus(statusPath, runnerID); err != nil {
		return lifecycle.SubmitResult{}, err
	}

	argv := []string{"/bin/sh", scriptPath}
	if job.Host != "" {
		argv = []string{"/bin/sh", remotePathFor(job)}
	}

	r.pool.Submit(ctx, executor.Command{
		Host: job.Host, User: job.User, Argv: argv,
	})

	r.mu.Lock()
	r.runnerID2Job[runnerID] = loc
	r.mu.Unlock()

	return lifecycle.SubmitResult{RunnerID: runnerID}, nil
}

func remotePathFor(job lifecycle.JobSpec) string {
	return fmt.Sprintf("cylc-run/log/job/%s/%s/%02d/job", job.Cycle, job.Name, job.SubmitNumber)
}

func writeInitialStatus(path, runnerID string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("runner: create status file %s: %w", path, err)
	}
	defer f.Close()
	fmt.Fprintf(f, "CYLC_JOB_RUNNER_NAME=background\n")
	fmt.Fprintf(f, "CYLC_JOB_ID=%s\n", runnerID)
	fmt.Fprintf(f, "CYLC_JOB_INIT_TIME=%s\n", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Poll re-reads the job status file and reports whether the recorded
// exit has been written yet.
func (r *Runner) Poll(ctx context.Context, runnerID string) (lifecycle.PollResult, error) {
	r.mu.Lock()
	loc, ok := r.runnerID2Job[runnerID]
	r.mu.Unlock()
	if !ok {
		return lifecycle.PollResult{}, fmt.Errorf("runner: unknown runner id %s", runnerID)
	}

	statusPath := filepath.Join(r.jobDir(loc), "job.status")
	f, err := os.Open(statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return lifecycle.PollResult{Running: true}, nil
		}
		return lifecycle.PollResult{}, fmt.Errorf("runner: open %s: %w", statusPath, err)
	}
	defer f.Close()

	var exit *int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if k, v, ok := strings.Cut(line, "="); ok && k == "CYLC_JOB_EXIT" {
			if code, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				exit = &code
			} else if v == "SUCCEEDED" {
				zero := 0
				exit = &zero
			} else {
				one := 1
				exit = &one
			}
		}
	}
	if exit == nil {
		return lifecycle.PollResult{Running: true}, nil
	}
	return lifecycle.PollResult{Running: false, ExitCode: exit}, nil
}

// Kill runs `pkill -f <runnerID>` on the job's host through the
// executor and waits for it to finish. It writes nothing to the
// status file.
func (r *Runner) Kill(ctx context.Context, runnerID string) error {
	r.mu.Lock()
	loc, ok := r.runnerID2Job[runnerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runner: unknown runner id %s", runnerID)
	}

	argv := []string{"pkill", "-f", runnerID}
	res := r.pool.RunSync(ctx, executor.Command{Host: loc.host, User: loc.user, Argv: argv})
	if res.Err != nil {
		return fmt.Errorf("runner: kill %s: %w", runnerID, res.Err)
	}
	return nil
}
