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

// Package scheduler is the single-threaded cooperative loop that
// drives a workflow run: it is the only goroutine that ever mutates
// pool state. Everything else (ingress HTTP handlers, the remote
// executor's worker pool, the event dispatcher's handler commands)
// runs concurrently but only ever posts results back onto channels
// the loop drains each tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/cyclone/internal/broadcast"
	"github.com/tombee/cyclone/internal/config"
	"github.com/tombee/cyclone/internal/events"
	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/internal/ingress"
	"github.com/tombee/cyclone/internal/lifecycle"
	"github.com/tombee/cyclone/internal/pool"
	"github.com/tombee/cyclone/internal/store"
	"github.com/tombee/cyclone/pkg/cycle"
)

// DefaultTickInterval is the steady-tick period spec.md describes as
// "a few hundred milliseconds, measured as the observed main-loop
// duration".
const DefaultTickInterval = 250 * time.Millisecond

// DefaultHealthCheckInterval is how often the run directory and
// contact file are stat-checked as a fallback to the fsnotify watch.
const DefaultHealthCheckInterval = 10 * time.Minute

// HostSelector picks a healthy alternate run host during auto
// stop-restart. Implemented by internal/hostselect; kept as a narrow
// interface here so the loop never depends on the ranking mechanics.
type HostSelector interface {
	Select(ctx context.Context) (host string, err error)
}

// AutoRestart configures condemned-host handling (spec.md §4.10).
type AutoRestart struct {
	// Condemned reports whether the current host has been marked
	// condemned by configuration, re-checked on every health tick.
	Condemned func() bool
	// Forced, when Condemned is true, skips draining in-flight local
	// jobs (the "!"-suffixed condemn mode).
	Forced bool
	// Selector ranks and returns one alternate host.
	Selector HostSelector
	// Reexec re-execs the scheduler on host with identical arguments.
	// On success it does not return (syscall.Exec) or it exits the
	// process itself (spawn-and-exit fallback).
	Reexec func(host string) error
}

// Config wires every collaborator the loop drives each tick.
type Config struct {
	Workflow string
	RunDir   string

	TickInterval        time.Duration
	HealthCheckInterval time.Duration

	Calendar cycle.Calendar

	Pool       *pool.Pool
	Graph      *graph.Graph
	Manager    *lifecycle.Manager
	Store      *store.Store
	Broadcasts *broadcast.Store
	Ingress    *ingress.Server
	Dispatcher *events.Dispatcher
	Resolver   *config.NamespaceResolver

	DefaultHost string
	DefaultUser string

	StallMailTo string

	AutoRestart *AutoRestart

	// Tracer is optional; nil means submit/poll spans are skipped
	// entirely rather than opened against a no-op tracer, so tracing
	// off costs nothing on the tick's hot path.
	Tracer trace.Tracer

	Logger *slog.Logger
	Clock  func() time.Time
}

// Scheduler runs Config's tick loop until Stop is called, ctx is
// cancelled, or the health check or auto-restart path exits it.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	stopCh   chan struct{}
	stopOnce bool

	health *healthWatcher

	// pendingEvents accumulates (event, fields, mailTo) triples raised
	// during the in-progress tick's steps 1-5, fired as goroutines in
	// step 6 so no handler command ever blocks the loop.
	pendingEvents []pendingEvent
}

type pendingEvent struct {
	name   string
	fields events.Fields
	mailTo string
}

// New constructs a Scheduler from cfg, applying defaults.
func New(cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		stopCh: make(chan struct{}),
		health: newHealthWatcher(cfg.RunDir, cfg.Logger),
	}
}

// Stop requests a clean shutdown; Run returns once the in-flight tick
// (if any) finishes.
func (s *Scheduler) Stop() {
	if s.stopOnce {
		return
	}
	s.stopOnce = true
	close(s.stopCh)
}

// Run drives the loop until Stop, ctx cancellation, or an abort
// condition (health check failure, storage failure, invariant
// violation). It always persists a clean-shutdown marker before
// returning nil; any non-nil return means the scheduler aborted
// without that marker.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.writeContactFile(); err != nil {
		return fmt.Errorf("scheduler: write contact file: %w", err)
	}

	if err := s.health.Start(); err != nil {
		s.logger.Warn("health watcher unavailable, relying on stat fallback only", "error", err)
	}
	defer s.health.Close()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	healthTicker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return s.shutdownClean(context.Background())

		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("tick aborted", "error", err)
				return err
			}

		case <-healthTicker.C:
			if err := s.runHealthCheck(ctx); err != nil {
				return err
			}

		case ev, ok := <-s.health.Events():
			if !ok {
				continue
			}
			s.logger.Warn("run directory changed unexpectedly", "op", ev.Op.String(), "name", ev.Name)
			if err := s.runHealthCheck(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) shutdownClean(ctx context.Context) error {
	s.removeContactFile()
	if err := s.cfg.Store.MarkCleanShutdown(ctx); err != nil {
		s.logger.Error("failed to record clean shutdown marker", "error", err)
		return err
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// dispatchLater queues an event to be fired at this tick's step 6
// rather than inline, keeping the loop non-blocking: handler commands
// and retry backoff run on their own goroutine through the Remote
// Executor's pool.
func (s *Scheduler) dispatchLater(name string, fields events.Fields, mailTo string) {
	s.pendingEvents = append(s.pendingEvents, pendingEvent{name: name, fields: fields, mailTo: mailTo})
}

// flushEvents is tick step 6.
func (s *Scheduler) flushEvents(ctx context.Context) {
	pending := s.pendingEvents
	s.pendingEvents = nil
	for _, p := range pending {
		p := p
		go s.cfg.Dispatcher.Dispatch(ctx, p.name, p.fields, p.mailTo)
	}
}
