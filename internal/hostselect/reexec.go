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

package hostselect

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Reexecer starts the scheduler on a condemned host's replacement and
// exits the local process once the remote side has accepted it. argv
// is this process's own os.Args, so the remote scheduler restarts
// against the identical workflow and flags.
type Reexecer struct {
	Prober *Prober
	Argv   []string

	// exit is overridden in tests; defaults to os.Exit.
	exit func(code int)
}

// NewReexecer constructs a Reexecer that re-launches argv (typically
// os.Args) on the chosen host.
func NewReexecer(prober *Prober, argv []string) *Reexecer {
	return &Reexecer{Prober: prober, Argv: argv, exit: os.Exit}
}

// Reexec runs argv on host backgrounded via nohup/disown over SSH, so
// the remote scheduler keeps running after this SSH session (and this
// process) exits. It implements scheduler.AutoRestart.Reexec.
func (r *Reexecer) Reexec(host string) error {
	cmd := "nohup " + shellQuoteJoin(r.Argv) + " >/dev/null 2>&1 & disown"
	if _, err := r.Prober.run(context.Background(), host, []string{"sh", "-c", cmd}); err != nil {
		return fmt.Errorf("hostselect: launch scheduler on %s: %w", host, err)
	}
	if r.exit == nil {
		r.exit = os.Exit
	}
	r.exit(0)
	return nil
}

func shellQuoteJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
