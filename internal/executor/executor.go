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

// Package executor runs shell commands — locally or over SSH on a
// remote host — through a bounded worker pool. It backs SSH/rsync
// transport, host-selection probes, event-handler invocations, and
// local batch-system commands: anything the scheduler loop needs run
// off its own goroutine, with one completion queue that the loop
// drains in completion order.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// Result is one command's outcome.
type Result struct {
	Cmd      Command
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Command is a unit of work submitted to the pool. A zero Host runs
// locally; a non-zero Host runs over SSH via Transport.
type Command struct {
	Host, User string
	Argv       []string
	Stdin      string
	Deadline   time.Time

	// done receives this command's Result on completion; set by Run.
	done chan Result
}

// Transport executes one command on a remote host. Implemented by
// internal/sshtransport in production, faked in tests.
type Transport interface {
	Run(ctx context.Context, host, user string, argv []string, stdin string) (exitCode int, stdout, stderr string, err error)
}

// Pool is a bounded worker pool with a single-consumer completion
// queue, adapted from the semaphore-and-waitgroup pattern the
// controller's workflow runner uses to bound concurrent step
// execution.
type Pool struct {
	size      int
	semaphore chan struct{}
	wg        sync.WaitGroup

	transport Transport
	badHosts  *BadHostTracker
	logger    *slog.Logger

	defaultDeadline time.Duration

	completions chan Result
}

// Config configures a Pool. Size defaults to 4, Deadline to 10 minutes
// when a Command leaves its own Deadline zero.
type Config struct {
	Size            int
	DefaultDeadline time.Duration
	Transport       Transport
	Logger          *slog.Logger
}

// New constructs a Pool. The returned Pool's Completions channel must
// be drained by the caller: once its buffer is full, finished workers
// block on delivery while still holding their worker slots.
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultDeadline := cfg.DefaultDeadline
	if defaultDeadline <= 0 {
		defaultDeadline = 10 * time.Minute
	}
	return &Pool{
		size:            size,
		semaphore:       make(chan struct{}, size),
		transport:       cfg.Transport,
		badHosts:        NewBadHostTracker(),
		logger:          logger,
		defaultDeadline: defaultDeadline,
		completions:     make(chan Result, size*4),
	}
}

// Completions is the single-consumer queue of command results, in
// completion order (not submission order — that ordering guarantee is
// about never losing or duplicating a result, not FIFO delivery).
func (p *Pool) Completions() <-chan Result {
	return p.completions
}

// Submit enqueues cmd for execution without blocking: it starts a
// goroutine that waits for a free worker slot and returns at once;
// the result arrives later on Completions.
func (p *Pool) Submit(ctx context.Context, cmd Command) {
	p.wg.Add(1)
	go p.run(ctx, cmd)
}

// RunSync submits cmd and blocks for its result, for callers (CLI
// subcommands, remote-init) that need a synchronous round trip instead
// of the completion queue.
func (p *Pool) RunSync(ctx context.Context, cmd Command) Result {
	cmd.done = make(chan Result, 1)
	p.wg.Add(1)
	go p.run(ctx, cmd)
	return <-cmd.done
}

func (p *Pool) run(ctx context.Context, cmd Command) {
	defer p.wg.Done()

	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		p.deliver(cmd, Result{Cmd: cmd, ExitCode: -1, Err: ctx.Err()})
		return
	}

	if cmd.Host != "" && p.badHosts.IsBad(cmd.Host) {
		p.deliver(cmd, Result{Cmd: cmd, ExitCode: -1, Err: &cerrors.TransientError{
			Host: cmd.Host, Operation: "submit", Cause: fmt.Errorf("host in cooldown"),
		}})
		return
	}

	deadline := cmd.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(p.defaultDeadline)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var res Result
	if cmd.Host == "" {
		res = p.runLocal(runCtx, cmd)
	} else {
		res = p.runRemote(runCtx, cmd)
	}
	p.deliver(cmd, res)
}

func (p *Pool) deliver(cmd Command, res Result) {
	if cmd.done != nil {
		cmd.done <- res
		close(cmd.done)
		return
	}
	p.completions <- res
}

// runLocal shells out in the process's own group so a deadline kill
// takes the whole child tree, not just the direct child.
func (p *Pool) runLocal(ctx context.Context, cmd Command) Result {
	if len(cmd.Argv) == 0 {
		return Result{Cmd: cmd, ExitCode: -1, Err: fmt.Errorf("executor: empty command")}
	}
	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cmd.Stdin != "" {
		c.Stdin = bytes.NewBufferString(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return Result{Cmd: cmd, ExitCode: -1, Err: fmt.Errorf("executor: start %v: %w", cmd.Argv, err)}
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case err := <-done:
		return resultFromWait(cmd, stdout.String(), stderr.String(), err)
	case <-ctx.Done():
		if c.Process != nil {
			_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return Result{Cmd: cmd, ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Err: &cerrors.TimeoutError{
			Operation: "local-exec", Duration: time.Since(deadlineStart(ctx)),
		}}
	}
}

func (p *Pool) runRemote(ctx context.Context, cmd Command) Result {
	if p.transport == nil {
		return Result{Cmd: cmd, ExitCode: -1, Err: fmt.Errorf("executor: no transport configured for remote host %s", cmd.Host)}
	}
	rc, stdout, stderr, err := p.transport.Run(ctx, cmd.Host, cmd.User, cmd.Argv, cmd.Stdin)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			p.logger.Warn("remote command timed out", "host", cmd.Host, "argv", cmd.Argv)
			return Result{Cmd: cmd, ExitCode: -1, Err: &cerrors.TimeoutError{Operation: "ssh-exec " + cmd.Host, Cause: err}}
		}
		p.badHosts.MarkBad(cmd.Host)
		p.logger.Warn("remote command failed, host marked bad", "host", cmd.Host, "error", err)
		return Result{Cmd: cmd, ExitCode: -1, Err: &cerrors.TransientError{Host: cmd.Host, Operation: "ssh-exec", Cause: err}}
	}
	p.badHosts.ClearBad(cmd.Host)
	return Result{Cmd: cmd, ExitCode: rc, Stdout: stdout, Stderr: stderr}
}

func resultFromWait(cmd Command, stdout, stderr string, err error) Result {
	if err == nil {
		return Result{Cmd: cmd, ExitCode: 0, Stdout: stdout, Stderr: stderr}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{Cmd: cmd, ExitCode: exitErr.ExitCode(), Stdout: stdout, Stderr: stderr}
	}
	return Result{Cmd: cmd, ExitCode: -1, Stdout: stdout, Stderr: stderr, Err: fmt.Errorf("executor: wait %v: %w", cmd.Argv, err)}
}

func deadlineStart(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now()
}

// Wait blocks until every submitted command has delivered a result,
// then closes Completions. Callers that only use RunSync never need
// this.
func (p *Pool) Wait() {
	p.wg.Wait()
	close(p.completions)
}

// BadHostTracker marks hosts bad for a short cooldown window after a
// transport failure, cleared on restart (it is in-memory only) and on
// the next successful contact.
type BadHostTracker struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cooldown time.Duration
}

// NewBadHostTracker constructs a tracker with the default 60s cooldown.
func NewBadHostTracker() *BadHostTracker {
	return &BadHostTracker{
		limiters: make(map[string]*rate.Limiter),
		cooldown: 60 * time.Second,
	}
}

// MarkBad puts host into cooldown: one token now, refilling fully only
// after the cooldown window elapses.
func (t *BadHostTracker) MarkBad(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := rate.NewLimiter(rate.Every(t.cooldown), 1)
	lim.Allow() // consume the only token immediately
	t.limiters[host] = lim
}

// ClearBad removes host's cooldown entirely, called on successful
// contact.
func (t *BadHostTracker) ClearBad(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, host)
}

// IsBad reports whether host is still within its cooldown window. It
// peeks the limiter's token count rather than consuming one, so
// repeated checks don't themselves extend the cooldown.
func (t *BadHostTracker) IsBad(host string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[host]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return lim.TokensAt(time.Now()) < 1
}
