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

// Package store is the single-writer SQLite persistence layer behind
// a scheduler run: the task pool, job history, broadcasts, xtriggers
// and event log all live in one file so a crashed scheduler can
// reconstruct its exact in-memory state from the last checkpoint plus
// whatever batches committed after it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// Store wraps a single writer connection to the run's database file.
type Store struct {
	db *sql.DB
}

// Config configures how the store opens its database file.
type Config struct {
	// Path is the database file path (e.g. "<run-dir>/.service/db").
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers (the
	// CLI's `cyclone jobs`/`cat-log` commands read while the
	// scheduler writes).
	WAL bool
}

// Open opens (creating if necessary) the store at cfg.Path, runs
// pending migrations, and reports whether the previous session shut
// down cleanly.
func Open(ctx context.Context, cfg Config) (s *Store, cleanShutdown bool, err error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, false, &cerrors.StorageError{Operation: "open", Cause: err}
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, false, &cerrors.StorageError{Operation: "ping", Cause: err}
	}

	s = &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, false, &cerrors.StorageError{Operation: "configure pragmas", Cause: err}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, false, &cerrors.StorageError{Operation: "migrate", Cause: err}
	}

	cleanShutdown, err = s.consumeShutdownMarker(ctx)
	if err != nil {
		db.Close()
		return nil, false, err
	}
	return s, cleanShutdown, nil
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// migrations is the idempotent, append-only schema history. Each
// entry must be safe to re-run against an already-migrated database.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflow_params (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_id (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_pool (
		checkpoint_id INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		flow_nums TEXT NOT NULL,
		status TEXT NOT NULL,
		is_held INTEGER NOT NULL DEFAULT 0,
		submit_num INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (checkpoint_id, name, cycle)
	)`,
	`CREATE TABLE IF NOT EXISTS task_pool_checkpoints (
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		flow_nums TEXT NOT NULL,
		status TEXT NOT NULL,
		is_held INTEGER NOT NULL DEFAULT 0,
		submit_num INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, name, cycle)
	)`,
	`CREATE TABLE IF NOT EXISTS task_states (
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		status TEXT NOT NULL,
		flow_nums TEXT NOT NULL,
		prerequisites TEXT NOT NULL,
		outputs_satisfied TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (name, cycle)
	)`,
	`CREATE TABLE IF NOT EXISTS task_jobs (
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		submit_num INTEGER NOT NULL,
		submit_time TEXT,
		start_time TEXT,
		finish_time TEXT,
		platform TEXT,
		job_id TEXT,
		batch_sys_name TEXT,
		run_status INTEGER,
		run_signal TEXT,
		PRIMARY KEY (name, cycle, submit_num)
	)`,
	`CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		submit_num INTEGER NOT NULL DEFAULT 0,
		event TEXT NOT NULL,
		message TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(name, cycle)`,
	`CREATE TABLE IF NOT EXISTS task_outputs (
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		flow_nums TEXT NOT NULL,
		outputs TEXT NOT NULL,
		PRIMARY KEY (name, cycle, flow_nums)
	)`,
	`CREATE TABLE IF NOT EXISTS task_action_timers (
		name TEXT NOT NULL,
		cycle TEXT NOT NULL,
		ctx_key TEXT NOT NULL,
		num_calls INTEGER NOT NULL DEFAULT 0,
		delays TEXT NOT NULL,
		next_due TEXT,
		PRIMARY KEY (name, cycle, ctx_key)
	)`,
	`CREATE TABLE IF NOT EXISTS broadcast_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace_glob TEXT NOT NULL,
		cycle_glob TEXT NOT NULL,
		setting_key TEXT NOT NULL,
		setting_value TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expired INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS xtriggers (
		sig TEXT PRIMARY KEY,
		satisfied INTEGER NOT NULL DEFAULT 0,
		results TEXT
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// consumeShutdownMarker reports whether the "clean_shutdown" marker
// from workflow_params is present, then clears it: its absence on
// open means the previous process died uncleanly and the scheduler
// should log a recovery banner before resuming.
func (s *Store) consumeShutdownMarker(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM workflow_params WHERE key = 'clean_shutdown'`).Scan(&v)
	clean := err == nil && v == "1"
	if _, delErr := s.db.ExecContext(ctx, `DELETE FROM workflow_params WHERE key = 'clean_shutdown'`); delErr != nil {
		return false, &cerrors.StorageError{Operation: "clear shutdown marker", Cause: delErr}
	}
	return clean, nil
}

// MarkCleanShutdown records that the scheduler is exiting normally.
// Called as the last store write before process exit.
func (s *Store) MarkCleanShutdown(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_params (key, value) VALUES ('clean_shutdown', '1')
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return &cerrors.StorageError{Operation: "mark clean shutdown", Cause: err}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
