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

// Package daemon implements "cyclone daemon", the process-supervision
// half of workflow control: start/stop/status for the cycloned
// scheduler process backing one run directory. The scheduler itself
// never talks back to this CLI over a socket; these commands drive it
// through the same pidfile/log conventions every Cylc-style workflow
// manager uses: status is judged from the pidfile and whether the
// process it records is still alive. The contact file the running
// scheduler writes (internal/scheduler's writeContactFile) is not
// read; only its path is reported.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/cyclone/internal/commands/shared"
	"github.com/tombee/cyclone/internal/procsup"
)

// NewCommand creates the daemon command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start, stop, and inspect a workflow's scheduler process",
	}
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func runDir(workflow string) string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "cyclone-run", workflow)
}

func pidFilePath(workflow string) string {
	return filepath.Join(runDir(workflow), ".service", "daemon.pid")
}

func contactFilePath(workflow string) string {
	return filepath.Join(runDir(workflow), ".service", "contact")
}

func newStartCommand() *cobra.Command {
	var flowFile, binary string
	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start the scheduler for a workflow in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow := args[0]
			dir := runDir(workflow)
			if err := os.MkdirAll(filepath.Join(dir, ".service"), 0755); err != nil {
				return fmt.Errorf("daemon: create run directory: %w", err)
			}

			pidMgr := procsup.NewPIDFileManager(pidFilePath(workflow))
			if pidMgr.Exists() {
				if pid, err := pidMgr.Read(); err == nil && procsup.IsProcessRunning(pid) {
					return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: fmt.Sprintf("workflow %q already running (pid %d)", workflow, pid)}
				}
				_ = pidMgr.Remove()
			}

			if binary == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("daemon: resolve own executable: %w", err)
				}
				binary = filepath.Join(filepath.Dir(exe), "cycloned")
			}

			spawnArgs := []string{"-workflow", workflow, "-run-dir", dir}
			if flowFile != "" {
				spawnArgs = append(spawnArgs, "-flow-file", flowFile)
			}

			logPath := filepath.Join(dir, "log", "scheduler", "log")
			pid, err := procsup.NewSpawner().SpawnDetached(binary, spawnArgs, logPath)
			if err != nil {
				return fmt.Errorf("daemon: spawn cycloned: %w", err)
			}
			if err := pidMgr.Create(pid); err != nil {
				return fmt.Errorf("daemon: write pidfile: %w", err)
			}

			if shared.GetJSON() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"workflow": workflow, "pid": pid})
			}
			cmd.Println(shared.RenderOK(fmt.Sprintf("started %s (pid %d)", workflow, pid)))
			return nil
		},
	}
	cmd.Flags().StringVar(&flowFile, "flow-file", "", "path to the flow definition (default: <run-dir>/flow.yaml)")
	cmd.Flags().StringVar(&binary, "binary", "", "path to the cycloned binary (default: alongside this executable)")
	return cmd
}

func newStopCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <workflow>",
		Short: "Stop a running scheduler cleanly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow := args[0]
			pidMgr := procsup.NewPIDFileManager(pidFilePath(workflow))
			pid, err := pidMgr.Read()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: fmt.Sprintf("workflow %q is not running", workflow), Cause: err}
			}
			if err := procsup.GracefulShutdown(pid, 30*time.Second, force); err != nil {
				return fmt.Errorf("daemon: stop %s: %w", workflow, err)
			}
			_ = pidMgr.Remove()
			if !shared.GetQuiet() {
				cmd.Println(shared.RenderOK(fmt.Sprintf("stopped %s", workflow)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the drain grace period and send SIGKILL")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <workflow>",
		Short: "Report whether a workflow's scheduler is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow := args[0]
			pidMgr := procsup.NewPIDFileManager(pidFilePath(workflow))
			pid, err := pidMgr.Read()
			running := err == nil && procsup.IsProcessRunning(pid)

			if shared.GetJSON() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"workflow": workflow,
					"running":  running,
					"pid":      pid,
					"contact":  contactFilePath(workflow),
				})
			}
			if running {
				cmd.Println(shared.RenderOK(fmt.Sprintf("%s: running (pid %d)", workflow, pid)))
				return nil
			}
			cmd.Println(shared.RenderLabel(fmt.Sprintf("%s: stopped", workflow)))
			return nil
		},
	}
	return cmd
}
