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

package events

import (
	"fmt"
	"regexp"
	"strings"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// recognizedFields is the closed set of %(field)s placeholders a
// handler command template may reference. Anything else is a
// configuration error caught at compile time, not at dispatch time.
var recognizedFields = map[string]bool{
	"event": true, "workflow": true, "uuid": true, "proxy": true,
	"cycle": true, "try_num": true, "submit_num": true,
	"runner_name": true, "runner_id": true, "message": true,
}

var placeholder = regexp.MustCompile(`%\(([a-zA-Z0-9_.]+)\)s`)

// Fields is one handler invocation's substitution values. Meta carries
// arbitrary per-namespace metadata addressed as %(meta.key)s.
type Fields struct {
	Event, Workflow, UUID, Proxy, Cycle string
	TryNum, SubmitNum                   int
	RunnerName, RunnerID, Message       string
	Meta                                map[string]string
}

// HandlerTemplate is a compiled, validated handler command template.
type HandlerTemplate struct {
	raw    string
	fields []string
}

// Compile validates tmpl against the closed field set and returns a
// HandlerTemplate ready to Expand. meta field names are accepted
// without further validation (they are namespace-defined).
func Compile(tmpl string) (*HandlerTemplate, error) {
	matches := placeholder.FindAllStringSubmatch(tmpl, -1)
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		fields = append(fields, name)
		if strings.HasPrefix(name, "meta.") {
			continue
		}
		if !recognizedFields[name] {
			return nil, &cerrors.ConfigError{
				Key: "events.handler", Reason: fmt.Sprintf("unrecognized template field %%(%s)s", name),
			}
		}
	}
	return &HandlerTemplate{raw: tmpl, fields: fields}, nil
}

// Expand substitutes f's values into the template.
func (h *HandlerTemplate) Expand(f Fields) string {
	return placeholder.ReplaceAllStringFunc(h.raw, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := strings.CutPrefix(name, "meta."); ok {
			return f.Meta[v]
		}
		switch name {
		case "event":
			return f.Event
		case "workflow":
			return f.Workflow
		case "uuid":
			return f.UUID
		case "proxy":
			return f.Proxy
		case "cycle":
			return f.Cycle
		case "try_num":
			return fmt.Sprintf("%d", f.TryNum)
		case "submit_num":
			return fmt.Sprintf("%d", f.SubmitNum)
		case "runner_name":
			return f.RunnerName
		case "runner_id":
			return f.RunnerID
		case "message":
			return f.Message
		default:
			return m
		}
	})
}
