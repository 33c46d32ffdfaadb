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

// Command cyclone is the workflow operator's CLI: it validates flow
// definitions and starts, stops, and inspects the cycloned scheduler
// process. It never mutates a running workflow's pool directly —
// control operations go through the scheduler's message-ingress HTTP
// path once that CLI surface is wired (internal/commands/{broadcast,
// hold,kill,trigger,...}).
package main

import (
	"github.com/spf13/cobra"

	"github.com/tombee/cyclone/internal/commands/catlog"
	"github.com/tombee/cyclone/internal/commands/daemon"
	"github.com/tombee/cyclone/internal/commands/shared"
	"github.com/tombee/cyclone/internal/commands/validate"
	versioncmd "github.com/tombee/cyclone/internal/commands/version"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	root := &cobra.Command{
		Use:           "cyclone",
		Short:         "Operate cycling workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, jsonOut, cfgPath := shared.RegisterFlagPointers()
	root.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "suppress non-essential output")
	root.PersistentFlags().BoolVar(jsonOut, "json", false, "emit structured JSON output")
	root.PersistentFlags().StringVar(cfgPath, "config", "", "path to cyclone's global config file")

	root.AddCommand(validate.NewCommand())
	root.AddCommand(daemon.NewCommand())
	root.AddCommand(catlog.NewCommand())
	root.AddCommand(versioncmd.NewVersionCommand())

	if err := root.Execute(); err != nil {
		shared.HandleExitError(err) // always exits
	}
}
