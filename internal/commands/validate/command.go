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

package validate

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/cyclone/internal/commands/shared"
	"github.com/tombee/cyclone/internal/config"
	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/pkg/cycle"
)

// NewCommand creates the validate command: decode the flow file,
// apply config's own cross-field checks, then compile the graph
// strings so a bad dependency expression is caught before "run".
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flow-file>",
		Short: "Validate a flow definition",
		Long:  `Parse a flow.yaml, check namespace inheritance, and compile the graph.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	cfg, err := config.Load(path)
	if err != nil {
		return reportError(cmd, path, err)
	}

	if _, err := cfg.Resolver(); err != nil {
		return reportError(cmd, path, err)
	}

	cal := calendarFor(cfg.Scheduling.CyclingMode)
	if _, err := graph.Compile(cfg.Scheduling.Graph, cal); err != nil {
		return reportError(cmd, path, err)
	}

	if shared.GetJSON() {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"valid": true,
			"file":  path,
			"name":  cfg.Name,
		})
	}
	cmd.Printf("%s: valid (%s)\n", path, cfg.Name)
	return nil
}

func reportError(cmd *cobra.Command, path string, err error) error {
	if shared.GetJSON() {
		_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"valid": false,
			"file":  path,
			"error": err.Error(),
		})
	}
	return &shared.ExitError{Code: shared.ExitInvalidWorkflow, Message: fmt.Sprintf("%s: invalid", path), Cause: err}
}

func calendarFor(mode string) cycle.Calendar {
	switch mode {
	case "360day":
		return cycle.Day360
	case "365day":
		return cycle.Day365
	case "366day":
		return cycle.Day366
	case "integer":
		return cycle.IntegerCalendar
	default:
		return cycle.Gregorian
	}
}
