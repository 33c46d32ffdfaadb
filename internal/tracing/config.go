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

package tracing

// Config controls the optional span emission wrapping submit/poll/
// finalize and the ingress handler (spec.md's Non-goals exclude
// monitoring GUIs but not this: a span is not a dashboard).
type Config struct {
	// Enabled activates tracing. Off by default.
	Enabled bool

	// ServiceName identifies this workflow run in emitted spans.
	ServiceName string

	// OTLPEndpoint is the collector address (e.g. "localhost:4318").
	// Empty means spans are written to stdout instead, useful for
	// `cyclone validate --trace` without a collector running.
	OTLPEndpoint string
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "cyclone"}
}
