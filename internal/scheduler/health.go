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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// contactFileName matches spec.md §6's persistent state layout:
// ".service/contact" under the run directory.
const contactFileName = ".service/contact"

// writeContactFile records the live scheduler's identity so that CLI
// commands and the auto stop-restart health check can find it: PID,
// host, and the ingress port a shared-secret-bearing client posts
// messages to. Removed again by shutdownClean.
func (s *Scheduler) writeContactFile() error {
	path := filepath.Join(s.cfg.RunDir, contactFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("scheduler: mkdir .service: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	port := 0
	if s.cfg.Ingress != nil {
		port = s.cfg.Ingress.Port()
	}

	lines := []string{
		"CYLC_WORKFLOW_NAME=" + s.cfg.Workflow,
		"CYLC_WORKFLOW_HOST=" + host,
		"CYLC_WORKFLOW_PID=" + strconv.Itoa(os.Getpid()),
		"CYLC_WORKFLOW_PORT=" + strconv.Itoa(port),
		"CYLC_WORKFLOW_RUN_DIR=" + s.cfg.RunDir,
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	return os.WriteFile(path, []byte(content), 0600)
}

func (s *Scheduler) removeContactFile() {
	path := filepath.Join(s.cfg.RunDir, contactFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove contact file", "error", err)
	}
}

// autoRestartRetries and autoRestartDelay match spec.md §4.10: "retries
// three times at five-second intervals before giving up".
const (
	autoRestartRetries = 3
	autoRestartDelay   = 5 * time.Second
)

// healthWatcher wraps an fsnotify watch on the run directory and its
// .service subdirectory, the event-driven half of the health check;
// the periodic stat fallback in runHealthCheck covers the case where
// the watch itself silently stops delivering (NFS mounts routinely do).
type healthWatcher struct {
	runDir  string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

func newHealthWatcher(runDir string, logger *slog.Logger) *healthWatcher {
	return &healthWatcher{runDir: runDir, logger: logger}
}

func (h *healthWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scheduler: create fsnotify watcher: %w", err)
	}
	if err := w.Add(h.runDir); err != nil {
		w.Close()
		return fmt.Errorf("scheduler: watch run directory: %w", err)
	}
	if err := w.Add(filepath.Join(h.runDir, ".service")); err != nil {
		h.logger.Warn("could not watch .service directory", "error", err)
	}
	h.watcher = w
	return nil
}

// Events returns the fsnotify event stream, or nil if Start failed
// (a nil channel blocks forever in a select, which is the desired
// no-op when the watcher is unavailable).
func (h *healthWatcher) Events() chan fsnotify.Event {
	if h.watcher == nil {
		return nil
	}
	return h.watcher.Events
}

func (h *healthWatcher) Close() error {
	if h.watcher == nil {
		return nil
	}
	return h.watcher.Close()
}

// runHealthCheck is the periodic stat-based fallback (default PT10M):
// verify the run directory and contact file are intact, and if the
// current host is condemned, attempt the auto stop-restart sequence.
func (s *Scheduler) runHealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.cfg.RunDir); err != nil {
		return &cerrors.InvariantViolation{Proxy: s.cfg.Workflow, Reason: fmt.Sprintf("run directory missing: %v", err)}
	}
	contactPath := filepath.Join(s.cfg.RunDir, contactFileName)
	if _, err := os.Stat(contactPath); err != nil {
		return &cerrors.InvariantViolation{Proxy: s.cfg.Workflow, Reason: fmt.Sprintf("contact file missing: %v", err)}
	}

	if s.cfg.AutoRestart != nil && s.cfg.AutoRestart.Condemned != nil && s.cfg.AutoRestart.Condemned() {
		s.attemptAutoRestart(ctx)
	}
	return nil
}

// attemptAutoRestart selects a healthy alternate host and re-execs the
// scheduler there. On success Reexec does not return. Failure to find
// a host after the configured retries logs and gives up for this
// health-check interval; the condemned check runs again next tick.
func (s *Scheduler) attemptAutoRestart(ctx context.Context) {
	ar := s.cfg.AutoRestart
	for attempt := 0; attempt < autoRestartRetries; attempt++ {
		host, err := ar.Selector.Select(ctx)
		if err != nil {
			s.logger.Warn("auto stop-restart: host selection failed", "attempt", attempt+1, "error", err)
			select {
			case <-time.After(autoRestartDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.logger.Info("auto stop-restart: selected host, re-executing", "host", host, "forced", ar.Forced)
		if err := ar.Reexec(host); err != nil {
			s.logger.Warn("auto stop-restart: re-exec failed", "host", host, "error", err)
			select {
			case <-time.After(autoRestartDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		return // Reexec succeeded (and, on the syscall.Exec path, never returns at all)
	}
	s.logger.Error("auto stop-restart: no healthy host found after retries, giving up for this interval")
}
