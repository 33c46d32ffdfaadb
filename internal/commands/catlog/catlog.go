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

// Package catlog implements "cyclone cat-log", which prints a job's
// rendered script or status file straight out of the run directory's
// log/job/<cycle>/<name>/<submit>/ tree that internal/runner writes —
// it reads the filesystem directly rather than going through the
// scheduler, so it works whether or not cycloned is currently running.
package catlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/cyclone/internal/cli/format"
	"github.com/tombee/cyclone/internal/commands/shared"
)

// NewCommand creates the cat-log command.
func NewCommand() *cobra.Command {
	var runDirFlag string
	var submitNumber int
	var item string

	cmd := &cobra.Command{
		Use:   "cat-log <workflow> <cycle> <task>",
		Short: "Print a job's script or status file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow, cycle, task := args[0], args[1], args[2]

			dir := runDirFlag
			if dir == "" {
				home, _ := os.UserHomeDir()
				dir = filepath.Join(home, "cyclone-run", workflow)
			}
			jobDir := filepath.Join(dir, "log", "job", cycle, task, fmt.Sprintf("%02d", submitNumber))

			fileName := "job"
			if item != "" {
				fileName = item
			}
			path := filepath.Join(jobDir, fileName)

			content, err := os.ReadFile(path)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitMissingInput, Message: fmt.Sprintf("no %s log for %s/%s: %v", fileName, cycle, task, err)}
			}

			isTTY := term.IsTerminal(int(os.Stdout.Fd()))
			formatKind := "string"
			if fileName == "job" {
				formatKind = "code:bash"
			}
			out, err := format.Format(string(content), formatKind, isTTY)
			if err != nil {
				out = string(content)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&runDirFlag, "run-dir", "", "run directory (default: <home>/cyclone-run/<workflow>)")
	cmd.Flags().IntVar(&submitNumber, "submit-number", 1, "job submit attempt to read")
	cmd.Flags().StringVar(&item, "item", "job", "log item to print: job, job.status")
	return cmd
}
