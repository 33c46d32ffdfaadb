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

// Package events is the Event Dispatcher: workflow- and task-level
// event handlers run as shell commands through the Remote Executor,
// mail notifications batched and flushed over stdlib net/smtp, and a
// byte-size-bounded rolling scheduler log.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tombee/cyclone/internal/executor"
)

// Handler is one configured event handler: its compiled command
// template and independent retry-delay list.
type Handler struct {
	Template    *HandlerTemplate
	RetryDelays []time.Duration
}

// Dispatcher runs handlers for workflow- and task-level events through
// the Remote Executor's worker pool, retrying a non-zero exit per the
// handler's own delay list.
type Dispatcher struct {
	pool   *executor.Pool
	logger *slog.Logger
	mailer *Mailer

	mu       sync.Mutex
	handlers map[string][]Handler // event name -> handlers
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *executor.Pool, mailer *Mailer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pool: pool, mailer: mailer, logger: logger, handlers: make(map[string][]Handler)}
}

// Configure registers the handlers for event (e.g. "startup",
// "shutdown", "succeeded", "failed", "retry", "submission failed").
func (d *Dispatcher) Configure(event string, handlers []Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = handlers
}

// Dispatch fires every handler registered for event with fields, and
// queues a notification mail if mailTo is configured for this event.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, fields Fields, mailTo string) {
	d.mu.Lock()
	handlers := append([]Handler(nil), d.handlers[event]...)
	d.mu.Unlock()

	for _, h := range handlers {
		d.runWithRetry(ctx, h, fields)
	}

	if mailTo != "" && d.mailer != nil {
		d.mailer.Queue(Mail{
			To:      mailTo,
			Subject: fmt.Sprintf("[%s] %s %s", fields.Workflow, fields.Proxy, event),
			Body:    fields.Message,
		})
	}
}

func (d *Dispatcher) runWithRetry(ctx context.Context, h Handler, fields Fields) {
	argv := strings.Fields(h.Template.Expand(fields))
	if len(argv) == 0 {
		return
	}

	attempt := 0
	for {
		res := d.pool.RunSync(ctx, executor.Command{Argv: argv})
		if res.Err == nil && res.ExitCode == 0 {
			return
		}
		delay, ok := delayFor(h.RetryDelays, attempt)
		if !ok {
			d.logger.Warn("event handler failed, retries exhausted", "argv", argv, "exit", res.ExitCode)
			return
		}
		d.logger.Warn("event handler failed, retrying", "argv", argv, "exit", res.ExitCode, "delay", delay)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func delayFor(delays []time.Duration, n int) (time.Duration, bool) {
	if n >= len(delays) {
		return 0, false
	}
	return delays[n], true
}
