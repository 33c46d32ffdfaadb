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

// Package config loads a flow definition into a validated
// WorkflowConfig. Full schema validation, template preprocessing, and
// graph visualization are named external collaborators per the
// specification; this package does the structural decoding and the
// handful of cross-field checks the scheduler kernel itself depends
// on (a recognized cycling mode, non-negative queue limits); queue
// membership is not checked.
package config

import "time"

// WorkflowConfig is the immutable, validated input to a scheduler run.
type WorkflowConfig struct {
	Name string `yaml:"name"`

	Scheduler  SchedulerSection  `yaml:"scheduler"`
	Scheduling SchedulingSection `yaml:"scheduling"`
	Runtime    map[string]Namespace `yaml:"runtime"`
}

// SchedulerSection is [scheduler] in the flow file.
type SchedulerSection struct {
	UTCMode            bool          `yaml:"utc_mode"`
	CyclePointFormat   string        `yaml:"cycle_point_format"`
	CyclePointNumExpandedYearDigits int `yaml:"cycle_point_num_expanded_year_digits"`
	TimeZone           string        `yaml:"time_zone"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MailBatchInterval  time.Duration `yaml:"mail_batch_interval"`
	Events             EventsConfig  `yaml:"events"`
	Auth               AuthConfig    `yaml:"authentication"`
	Parameters         map[string][]string `yaml:"parameters"`
}

// AuthConfig carries the shared secret delivered out-of-band, per the
// spec's "no built-in authentication beyond a shared secret" Non-goal.
type AuthConfig struct {
	SharedSecretFile string `yaml:"shared_secret_file"`
	PublicPortRangeLo int   `yaml:"public_port_range_lo"`
	PublicPortRangeHi int   `yaml:"public_port_range_hi"`
}

// EventsConfig configures workflow-level event handling (§4.9).
type EventsConfig struct {
	Handlers          map[string][]string `yaml:"handlers"` // event name -> command templates
	HandlerRetryDelays []time.Duration     `yaml:"handler retry delays"`
	MailTo            string              `yaml:"mail to"`
	MailFrom          string              `yaml:"mail from"`
	AbortOnStall      bool                `yaml:"abort on stall"`
	AbortOnTimeout    bool                `yaml:"abort on timeout"`
	Timeout           time.Duration       `yaml:"timeout"`
	InactivityTimeout time.Duration       `yaml:"inactivity"`
}

// SchedulingSection is [scheduling] in the flow file.
type SchedulingSection struct {
	InitialCyclePoint   string   `yaml:"initial_cycle_point"`
	FinalCyclePoint     string   `yaml:"final_cycle_point"`
	CyclingMode         string   `yaml:"cycling_mode"` // "gregorian" | "360day" | "365day" | "366day" | "integer"
	RunaheadLimit       string   `yaml:"runahead_limit"`
	MaxActiveCyclePoints int     `yaml:"max_active_cycle_points"`
	SpawnToMaxActive    bool     `yaml:"spawn_to_max_active_cycle_points"`
	Queues              map[string]Queue `yaml:"queues"`
	SpecialTasks        SpecialTasks     `yaml:"special_tasks"`
	Graph               map[string]string `yaml:"graph"` // recurrence -> graph string
}

// Queue is a named admission-limited submission lane.
type Queue struct {
	Limit   int      `yaml:"limit"`
	Members []string `yaml:"members"`
}

// SpecialTasks enumerates the special-task categories from §6.
type SpecialTasks struct {
	ClockTrigger       []string `yaml:"clock-trigger"`
	ClockExpire        []string `yaml:"clock-expire"`
	ExternalTrigger    []string `yaml:"external-trigger"`
	Sequential         []string `yaml:"sequential"`
	IncludeAtStartup   []string `yaml:"include at start-up"`
	ExcludeAtStartup   []string `yaml:"exclude at start-up"`
}

// Namespace is a [runtime] namespace entry (before inheritance
// linearization is applied by NamespaceResolver).
type Namespace struct {
	Inherit []string `yaml:"inherit"`

	InitScript string `yaml:"init-script"`
	EnvScript  string `yaml:"env-script"`
	PreScript  string `yaml:"pre-script"`
	Script     string `yaml:"script"`
	PostScript string `yaml:"post-script"`
	ErrScript  string `yaml:"err-script"`
	ExitScript string `yaml:"exit-script"`

	WorkSubDir string `yaml:"work sub-directory"`

	Meta map[string]string `yaml:"meta"`

	Job         JobConfig    `yaml:"job"`
	Remote      RemoteConfig `yaml:"remote"`
	Events      EventsConfig `yaml:"events"`
	Environment map[string]string `yaml:"environment"`
	EnvironmentFilter struct {
		Include []string `yaml:"include"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"environment filter"`
	ParameterEnvTemplates map[string]string `yaml:"parameter environment templates"`
	Directives            map[string]string `yaml:"directives"`
	Outputs               map[string]string `yaml:"outputs"` // message -> output name
	SuiteStatePolling      SuiteStatePolling `yaml:"suite state polling"`
	Simulation             SimulationConfig  `yaml:"simulation"`
}

// JobConfig is [[job]].
type JobConfig struct {
	Runner                    string          `yaml:"runner"`
	ExecutionTimeLimit        time.Duration   `yaml:"execution time limit"`
	SubmissionRetryDelays     []time.Duration `yaml:"submission retry delays"`
	ExecutionRetryDelays      []time.Duration `yaml:"execution retry delays"`
	SubmissionPollIntervals   []time.Duration `yaml:"submission polling intervals"`
	ExecutionPollIntervals    []time.Duration `yaml:"execution polling intervals"`
}

// RemoteConfig is [[remote]].
type RemoteConfig struct {
	Host             string `yaml:"host"`
	User             string `yaml:"owner"`
	RetrieveJobLogs  bool   `yaml:"retrieve job logs"`
}

// SuiteStatePolling is [[suite state polling]] (polling another
// workflow's task states as an xtrigger-like dependency).
type SuiteStatePolling struct {
	Workflow string        `yaml:"run-dir"`
	Interval time.Duration `yaml:"interval"`
	MaxPolls int           `yaml:"max-polls"`
}

// SimulationConfig is [[simulation]] (speeds up execution for dry
// testing of a graph without a real job substrate).
type SimulationConfig struct {
	DefaultRunLength    time.Duration `yaml:"default run length"`
	FailTryOneInN       int           `yaml:"fail try 1 in N"`
}
