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

import "time"

// PoolEntry is one row of the live task_pool table: the minimal
// fields needed to reconstruct a TaskProxy on restart.
type PoolEntry struct {
	Name      string
	Cycle     string
	FlowNums  string // JSON-encoded []int
	Status    string
	IsHeld    bool
	SubmitNum int
}

// TaskState is a task_states row: the fuller snapshot used to
// rebuild prerequisites and output satisfaction without replaying
// every event since the last checkpoint.
type TaskState struct {
	Name             string
	Cycle            string
	Status           string
	FlowNums         string
	Prerequisites    string // JSON-encoded prerequisite satisfaction map
	OutputsSatisfied string // JSON-encoded set of satisfied output messages
	UpdatedAt        time.Time
}

// JobEntry is a task_jobs row: one submission attempt.
type JobEntry struct {
	Name         string
	Cycle        string
	SubmitNum    int
	SubmitTime   *time.Time
	StartTime    *time.Time
	FinishTime   *time.Time
	Platform     string
	JobID        string
	BatchSysName string
	RunStatus    *int
	RunSignal    string
}

// EventEntry is a task_events row: an append-only audit log entry.
type EventEntry struct {
	Name      string
	Cycle     string
	SubmitNum int
	Event     string
	Message   string
	CreatedAt time.Time
}

// OutputEntry is a task_outputs row: the set of completion messages a
// (name, cycle, flow) has emitted.
type OutputEntry struct {
	Name     string
	Cycle    string
	FlowNums string
	Outputs  string // JSON-encoded []string
}

// ActionTimerEntry is a task_action_timers row: retry/poll schedule
// state for one (name, cycle, ctx_key) action (submission, execution,
// or polling).
type ActionTimerEntry struct {
	Name     string
	Cycle    string
	CtxKey   string
	NumCalls int
	Delays   string // JSON-encoded []time.Duration
	NextDue  *time.Time
}

// BroadcastEntry is a broadcast_states row: one namespace/cycle glob
// override.
type BroadcastEntry struct {
	ID            int64
	NamespaceGlob string
	CycleGlob     string
	SettingKey    string
	SettingValue  string
	CreatedAt     time.Time
	Expired       bool
}

// XtriggerEntry is an xtriggers row: a memoized external-trigger
// function result, keyed by its call signature.
type XtriggerEntry struct {
	Sig       string
	Satisfied bool
	Results   string // JSON-encoded result map
}
