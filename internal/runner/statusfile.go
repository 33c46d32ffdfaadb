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

package runner

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StatusMessage is one CYLC_MESSAGE= line from a job status file:
// timestamp|severity|text.
type StatusMessage struct {
	Timestamp, Severity, Text string
}

// Status is a parsed job status file: the reserved KEY=VALUE fields
// plus every appended message line, in file order.
type Status struct {
	Fields   map[string]string
	Messages []StatusMessage
}

// PollStatus reads and parses a job status file at path. The
// scheduler does not call it, so messages appended to a status file
// are not fed into the ingress channel.
func PollStatus(path string) (Status, error) {
	f, err := os.Open(path)
	if err != nil {
		return Status{}, fmt.Errorf("runner: open status file %s: %w", path, err)
	}
	defer f.Close()

	st := Status{Fields: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key == "CYLC_MESSAGE" {
			parts := strings.SplitN(val, "|", 3)
			msg := StatusMessage{}
			switch len(parts) {
			case 3:
				msg = StatusMessage{Timestamp: parts[0], Severity: parts[1], Text: parts[2]}
			case 1:
				msg = StatusMessage{Text: parts[0]}
			}
			st.Messages = append(st.Messages, msg)
			continue
		}
		st.Fields[key] = val
	}
	if err := scanner.Err(); err != nil {
		return Status{}, fmt.Errorf("runner: scan status file %s: %w", path, err)
	}
	return st, nil
}

// ExitCode extracts CYLC_JOB_EXIT as an integer exit code, reporting
// ok=false if the job hasn't finished yet.
func (s Status) ExitCode() (code int, ok bool) {
	v, present := s.Fields["CYLC_JOB_EXIT"]
	if !present {
		return 0, false
	}
	if v == "SUCCEEDED" {
		return 0, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n, true
	}
	return 1, true
}
