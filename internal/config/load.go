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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// Load reads and decodes a flow definition from path, then runs the
// cross-field checks the scheduler kernel depends on. Namespace
// inheritance is not flattened here; call Resolver to get a
// NamespaceResolver for per-task lookups.
func Load(path string) (*WorkflowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &cerrors.ConfigError{Key: path, Reason: "read flow file", Cause: err}
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a WorkflowConfig and validates it.
func Parse(data []byte) (*WorkflowConfig, error) {
	var cfg WorkflowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &cerrors.ConfigError{Key: "flow definition", Reason: "decode YAML", Cause: err}
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolver builds a NamespaceResolver over cfg's runtime namespaces,
// implicitly adding the "root" namespace every other namespace
// inherits from by default when it declares no explicit parent.
func (cfg *WorkflowConfig) Resolver() (*NamespaceResolver, error) {
	raw := make(map[string]Namespace, len(cfg.Runtime))
	for k, v := range cfg.Runtime {
		if len(v.Inherit) == 0 && k != "root" {
			v.Inherit = []string{"root"}
		}
		raw[k] = v
	}
	if _, ok := raw["root"]; !ok {
		raw["root"] = Namespace{}
	}
	return NewNamespaceResolver(raw)
}

// validate applies the handful of checks the kernel itself relies on:
// the flow name must be set, the cycling mode must be one
// cycle.Calendar recognizes, and every queue limit must be >= 0.
// Queue membership is not checked against the declared namespaces.
func validate(cfg *WorkflowConfig) error {
	if cfg.Name == "" {
		return &cerrors.ConfigError{Key: "name", Reason: "flow name is required"}
	}

	switch cfg.Scheduling.CyclingMode {
	case "", "gregorian", "360day", "365day", "366day", "integer":
	default:
		return &cerrors.ConfigError{
			Key:    "scheduling.cycling_mode",
			Reason: fmt.Sprintf("unrecognized cycling mode %q", cfg.Scheduling.CyclingMode),
		}
	}

	for qname, q := range cfg.Scheduling.Queues {
		if q.Limit < 0 {
			return &cerrors.ConfigError{Key: "scheduling.queues." + qname + ".limit", Reason: "must be >= 0"}
		}
	}

	return nil
}
