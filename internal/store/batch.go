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

// Batch is one transactional write-batch: the scheduler loop
// accumulates every pool/state/job/event/output mutation from a
// single tick into a Batch and commits them together, so a crash
// mid-tick never leaves the database half-updated relative to the
// in-memory pool.
type Batch struct {
	tx *sql.Tx
}

// BeginBatch opens a new write transaction.
func (s *Store) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &cerrors.StorageError{Operation: "begin batch", Cause: err}
	}
	return &Batch{tx: tx}, nil
}

// Commit finalizes the batch. On error the caller must treat the
// scheduler state as possibly diverged from disk and abort.
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return &cerrors.StorageError{Operation: "commit batch", Cause: err}
	}
	return nil
}

// Rollback discards the batch. Safe to call after Commit (no-op).
func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// UpsertPoolEntry writes or updates a task_pool row (checkpoint_id 0
// is the live pool; see Checkpoint for the snapshot variant).
func (b *Batch) UpsertPoolEntry(ctx context.Context, e PoolEntry) error {
	held := 0
	if e.IsHeld {
		held = 1
	}
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO task_pool (checkpoint_id, name, cycle, flow_nums, status, is_held, submit_num)
		VALUES (0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (checkpoint_id, name, cycle) DO UPDATE SET
			flow_nums = excluded.flow_nums,
			status = excluded.status,
			is_held = excluded.is_held,
			submit_num = excluded.submit_num
	`, e.Name, e.Cycle, e.FlowNums, e.Status, held, e.SubmitNum)
	return wrapStorageErr("upsert pool entry", err)
}

// RemovePoolEntry deletes a task_pool row, used when a task proxy is
// spawned-and-immediately-removed (e.g. evicted past runahead) or
// finally retired after all its outputs are complete.
func (b *Batch) RemovePoolEntry(ctx context.Context, name, cycle string) error {
	_, err := b.tx.ExecContext(ctx, `DELETE FROM task_pool WHERE checkpoint_id = 0 AND name = ? AND cycle = ?`, name, cycle)
	return wrapStorageErr("remove pool entry", err)
}

// UpsertTaskState writes or updates a task_states row.
func (b *Batch) UpsertTaskState(ctx context.Context, s TaskState) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO task_states (name, cycle, status, flow_nums, prerequisites, outputs_satisfied, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, cycle) DO UPDATE SET
			status = excluded.status,
			flow_nums = excluded.flow_nums,
			prerequisites = excluded.prerequisites,
			outputs_satisfied = excluded.outputs_satisfied,
			updated_at = excluded.updated_at
	`, s.Name, s.Cycle, s.Status, s.FlowNums, s.Prerequisites, s.OutputsSatisfied, s.UpdatedAt.Format(time.RFC3339Nano))
	return wrapStorageErr("upsert task state", err)
}

// RecordJob writes or updates a task_jobs row for one submission
// attempt.
func (b *Batch) RecordJob(ctx context.Context, j JobEntry) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO task_jobs (name, cycle, submit_num, submit_time, start_time, finish_time,
			platform, job_id, batch_sys_name, run_status, run_signal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, cycle, submit_num) DO UPDATE SET
			submit_time = excluded.submit_time,
			start_time = excluded.start_time,
			finish_time = excluded.finish_time,
			platform = excluded.platform,
			job_id = excluded.job_id,
			batch_sys_name = excluded.batch_sys_name,
			run_status = excluded.run_status,
			run_signal = excluded.run_signal
	`, j.Name, j.Cycle, j.SubmitNum, formatTimePtr(j.SubmitTime), formatTimePtr(j.StartTime),
		formatTimePtr(j.FinishTime), j.Platform, j.JobID, j.BatchSysName, j.RunStatus, j.RunSignal)
	return wrapStorageErr("record job", err)
}

// RecordEvent appends one task_events row. Events are never updated,
// only appended, so the table doubles as the workflow's audit trail.
func (b *Batch) RecordEvent(ctx context.Context, e EventEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO task_events (name, cycle, submit_num, event, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Name, e.Cycle, e.SubmitNum, e.Event, e.Message, e.CreatedAt.Format(time.RFC3339Nano))
	return wrapStorageErr("record event", err)
}

// RecordOutput writes or updates a task_outputs row.
func (b *Batch) RecordOutput(ctx context.Context, o OutputEntry) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO task_outputs (name, cycle, flow_nums, outputs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name, cycle, flow_nums) DO UPDATE SET outputs = excluded.outputs
	`, o.Name, o.Cycle, o.FlowNums, o.Outputs)
	return wrapStorageErr("record output", err)
}

// RecordActionTimer writes or updates a task_action_timers row.
func (b *Batch) RecordActionTimer(ctx context.Context, a ActionTimerEntry) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO task_action_timers (name, cycle, ctx_key, num_calls, delays, next_due)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, cycle, ctx_key) DO UPDATE SET
			num_calls = excluded.num_calls,
			delays = excluded.delays,
			next_due = excluded.next_due
	`, a.Name, a.Cycle, a.CtxKey, a.NumCalls, a.Delays, formatTimePtr(a.NextDue))
	return wrapStorageErr("record action timer", err)
}

// RemoveActionTimer deletes a task_action_timers row once its retry
// sequence is exhausted or the task finishes.
func (b *Batch) RemoveActionTimer(ctx context.Context, name, cycle, ctxKey string) error {
	_, err := b.tx.ExecContext(ctx, `DELETE FROM task_action_timers WHERE name = ? AND cycle = ? AND ctx_key = ?`, name, cycle, ctxKey)
	return wrapStorageErr("remove action timer", err)
}

// RecordBroadcast inserts a new broadcast_states row.
func (b *Batch) RecordBroadcast(ctx context.Context, e BroadcastEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := b.tx.ExecContext(ctx, `
		INSERT INTO broadcast_states (namespace_glob, cycle_glob, setting_key, setting_value, created_at, expired)
		VALUES (?, ?, ?, ?, ?, 0)
	`, e.NamespaceGlob, e.CycleGlob, e.SettingKey, e.SettingValue, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, wrapStorageErr("record broadcast", err)
	}
	return res.LastInsertId()
}

// ExpireBroadcast marks a broadcast_states row expired (soft-delete,
// preserved for the `cyclone broadcast --display` audit view).
func (b *Batch) ExpireBroadcast(ctx context.Context, id int64) error {
	_, err := b.tx.ExecContext(ctx, `UPDATE broadcast_states SET expired = 1 WHERE id = ?`, id)
	return wrapStorageErr("expire broadcast", err)
}

// RecordXtrigger writes or updates an xtriggers row.
func (b *Batch) RecordXtrigger(ctx context.Context, x XtriggerEntry) error {
	satisfied := 0
	if x.Satisfied {
		satisfied = 1
	}
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO xtriggers (sig, satisfied, results)
		VALUES (?, ?, ?)
		ON CONFLICT (sig) DO UPDATE SET satisfied = excluded.satisfied, results = excluded.results
	`, x.Sig, satisfied, x.Results)
	return wrapStorageErr("record xtrigger", err)
}

func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &cerrors.StorageError{Operation: op, Cause: err}
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
