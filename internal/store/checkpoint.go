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

package store

import (
	"context"
	"database/sql"
	"time"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// Checkpoint snapshots the live task_pool into task_pool_checkpoints
// under a fresh checkpoint id, returning that id. Only pool rows are
// copied; a later Load of that id needs no replay of event history.
func (s *Store) Checkpoint(ctx context.Context, label string) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &cerrors.StorageError{Operation: "begin checkpoint", Cause: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, execErr := tx.ExecContext(ctx,
		`INSERT INTO checkpoint_id (label, created_at) VALUES (?, ?)`,
		label, time.Now().Format(time.RFC3339Nano))
	if execErr != nil {
		return 0, &cerrors.StorageError{Operation: "insert checkpoint id", Cause: execErr}
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, &cerrors.StorageError{Operation: "read checkpoint id", Cause: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_pool_checkpoints (id, name, cycle, flow_nums, status, is_held, submit_num)
		SELECT ?, name, cycle, flow_nums, status, is_held, submit_num FROM task_pool WHERE checkpoint_id = 0
	`, id)
	if err != nil {
		return 0, &cerrors.StorageError{Operation: "copy pool into checkpoint", Cause: err}
	}

	if err = tx.Commit(); err != nil {
		return 0, &cerrors.StorageError{Operation: "commit checkpoint", Cause: err}
	}
	return id, nil
}

// LatestCheckpointID returns the most recently written checkpoint id,
// or ok=false if the database has never been checkpointed (a fresh
// `cyclone run`, as opposed to a `cyclone run --restart`).
func (s *Store) LatestCheckpointID(ctx context.Context) (id int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT id FROM checkpoint_id ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &cerrors.StorageError{Operation: "latest checkpoint id", Cause: err}
	}
	return id, true, nil
}

// Load rebuilds the pool, task states, outputs, action timers,
// broadcasts and xtriggers. Pool rows come from the given checkpoint
// id (0 means the live, uncheckpointed pool — used for a plain
// in-process reload rather than a crash-restart); the other tables
// are read as they currently are, whatever the checkpoint id. It never replays task_events: those
// are audit-only and are not part of scheduler state.
func (s *Store) Load(ctx context.Context, checkpointID int64) (*Snapshot, error) {
	snap := &Snapshot{}

	poolTable := "task_pool"
	poolFilter := "checkpoint_id = 0"
	args := []any{}
	if checkpointID != 0 {
		poolTable = "task_pool_checkpoints"
		poolFilter = "id = ?"
		args = append(args, checkpointID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, cycle, flow_nums, status, is_held, submit_num FROM `+poolTable+` WHERE `+poolFilter, args...)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "load pool", Cause: err}
	}
	for rows.Next() {
		var e PoolEntry
		var held int
		if err := rows.Scan(&e.Name, &e.Cycle, &e.FlowNums, &e.Status, &held, &e.SubmitNum); err != nil {
			rows.Close()
			return nil, &cerrors.StorageError{Operation: "scan pool row", Cause: err}
		}
		e.IsHeld = held != 0
		snap.Pool = append(snap.Pool, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &cerrors.StorageError{Operation: "iterate pool", Cause: err}
	}

	if snap.States, err = s.loadTaskStates(ctx); err != nil {
		return nil, err
	}
	if snap.Outputs, err = s.loadOutputs(ctx); err != nil {
		return nil, err
	}
	if snap.ActionTimers, err = s.loadActionTimers(ctx); err != nil {
		return nil, err
	}
	if snap.Broadcasts, err = s.loadBroadcasts(ctx); err != nil {
		return nil, err
	}
	if snap.Xtriggers, err = s.loadXtriggers(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot is the full reconstructable state of a scheduler run.
type Snapshot struct {
	Pool         []PoolEntry
	States       []TaskState
	Outputs      []OutputEntry
	ActionTimers []ActionTimerEntry
	Broadcasts   []BroadcastEntry
	Xtriggers    []XtriggerEntry
}

func (s *Store) loadTaskStates(ctx context.Context) ([]TaskState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, cycle, status, flow_nums, prerequisites, outputs_satisfied, updated_at FROM task_states`)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "load task states", Cause: err}
	}
	defer rows.Close()

	var out []TaskState
	for rows.Next() {
		var t TaskState
		var updatedAt string
		if err := rows.Scan(&t.Name, &t.Cycle, &t.Status, &t.FlowNums, &t.Prerequisites, &t.OutputsSatisfied, &updatedAt); err != nil {
			return nil, &cerrors.StorageError{Operation: "scan task state", Cause: err}
		}
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadOutputs(ctx context.Context) ([]OutputEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, cycle, flow_nums, outputs FROM task_outputs`)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "load outputs", Cause: err}
	}
	defer rows.Close()

	var out []OutputEntry
	for rows.Next() {
		var o OutputEntry
		if err := rows.Scan(&o.Name, &o.Cycle, &o.FlowNums, &o.Outputs); err != nil {
			return nil, &cerrors.StorageError{Operation: "scan output", Cause: err}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) loadActionTimers(ctx context.Context) ([]ActionTimerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, cycle, ctx_key, num_calls, delays, next_due FROM task_action_timers`)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "load action timers", Cause: err}
	}
	defer rows.Close()

	var out []ActionTimerEntry
	for rows.Next() {
		var a ActionTimerEntry
		var nextDue sql.NullString
		if err := rows.Scan(&a.Name, &a.Cycle, &a.CtxKey, &a.NumCalls, &a.Delays, &nextDue); err != nil {
			return nil, &cerrors.StorageError{Operation: "scan action timer", Cause: err}
		}
		if nextDue.Valid {
			t, _ := time.Parse(time.RFC3339Nano, nextDue.String)
			a.NextDue = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadBroadcasts(ctx context.Context) ([]BroadcastEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, namespace_glob, cycle_glob, setting_key, setting_value, created_at, expired FROM broadcast_states WHERE expired = 0`)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "load broadcasts", Cause: err}
	}
	defer rows.Close()

	var out []BroadcastEntry
	for rows.Next() {
		var b BroadcastEntry
		var createdAt string
		var expired int
		if err := rows.Scan(&b.ID, &b.NamespaceGlob, &b.CycleGlob, &b.SettingKey, &b.SettingValue, &createdAt, &expired); err != nil {
			return nil, &cerrors.StorageError{Operation: "scan broadcast", Cause: err}
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		b.Expired = expired != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) loadXtriggers(ctx context.Context) ([]XtriggerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sig, satisfied, results FROM xtriggers`)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "load xtriggers", Cause: err}
	}
	defer rows.Close()

	var out []XtriggerEntry
	for rows.Next() {
		var x XtriggerEntry
		var satisfied int
		if err := rows.Scan(&x.Sig, &satisfied, &x.Results); err != nil {
			return nil, &cerrors.StorageError{Operation: "scan xtrigger", Cause: err}
		}
		x.Satisfied = satisfied != 0
		out = append(out, x)
	}
	return out, rows.Err()
}
